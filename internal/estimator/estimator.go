package estimator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"GaslessRelayer/internal/model"
)

// Chain parameter keys and the values used when the network omits them.
const (
	EnergyFeeKey          = "getEnergyFee"
	TransactionFeeKey     = "getTransactionFee"
	DefaultEnergyPrice    = 420
	DefaultBandwidthPrice = 1000
)

// Network is the subset of the node API the estimator needs.
type Network interface {
	ChainParameters(ctx context.Context) (map[string]int64, error)
	EstimateEnergy(ctx context.Context, call model.ContractCall) (int64, error)
}

// Estimator prices a signed transaction in native token.
type Estimator struct {
	net Network
	log *zap.Logger
}

// New creates an Estimator.
func New(net Network, log *zap.Logger) *Estimator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Estimator{net: net, log: log.Named("estimator")}
}

// FeeParameters fetches live resource prices, falling back to defaults per key.
func (e *Estimator) FeeParameters(ctx context.Context) (model.ChainFeeParameters, error) {
	params, err := e.net.ChainParameters(ctx)
	if err != nil {
		return model.ChainFeeParameters{}, err
	}
	fp := model.ChainFeeParameters{EnergyPrice: DefaultEnergyPrice, BandwidthPrice: DefaultBandwidthPrice}
	if v, ok := params[EnergyFeeKey]; ok {
		fp.EnergyPrice = v
	}
	if v, ok := params[TransactionFeeKey]; ok {
		fp.BandwidthPrice = v
	}
	return fp, nil
}

// Estimate returns the energy and bandwidth cost of broadcasting tx.
// Energy simulation failures are logged and counted as zero usage.
func (e *Estimator) Estimate(ctx context.Context, tx *model.Transaction) (model.CostEstimate, error) {
	fp, err := e.FeeParameters(ctx)
	if err != nil {
		return model.CostEstimate{}, fmt.Errorf("fee parameters: %w", err)
	}

	var energy int64
	call, isContract, err := tx.TriggerCall()
	switch {
	case err != nil:
		e.log.Warn("failed to read contract call, assuming 0 energy", zap.Error(err))
	case isContract:
		energy, err = e.net.EstimateEnergy(ctx, call)
		if err != nil {
			e.log.Warn("failed to estimate energy usage, assuming 0",
				zap.String("contract", call.ContractAddress), zap.Error(err))
			energy = 0
		}
	}

	return Compute(fp, energy, tx.ByteSize()), nil
}

// Compute derives a CostEstimate from fee parameters and resource usage.
func Compute(fp model.ChainFeeParameters, energyUsage, bandwidthBytes int64) model.CostEstimate {
	energyCost := energyUsage * fp.EnergyPrice
	bandwidthCost := bandwidthBytes * fp.BandwidthPrice
	total := energyCost + bandwidthCost
	return model.CostEstimate{
		EnergyUsage:    energyUsage,
		EnergyCost:     energyCost,
		BandwidthBytes: bandwidthBytes,
		BandwidthCost:  bandwidthCost,
		TotalSun:       total,
		TotalNative:    decimal.New(total, -model.UnitDecimals),
	}
}
