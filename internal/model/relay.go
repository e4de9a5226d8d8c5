package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// UnitDecimals is the decimal places of both TRX (sun) and USDT smallest units.
const UnitDecimals int32 = 6

// ChainFeeParameters are the live network resource prices in sun.
type ChainFeeParameters struct {
	EnergyPrice    int64
	BandwidthPrice int64
}

// CostEstimate is the resource cost of broadcasting one transaction.
type CostEstimate struct {
	EnergyUsage    int64           `json:"energy_usage"`
	EnergyCost     int64           `json:"energy_cost_sun"`
	BandwidthBytes int64           `json:"bandwidth_bytes"`
	BandwidthCost  int64           `json:"bandwidth_cost_sun"`
	TotalSun       int64           `json:"total_sun"`
	TotalNative    decimal.Decimal `json:"total_native"`
}

// PriceQuote is a cached oracle price.
type PriceQuote struct {
	Price     float64   `json:"price"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RelayRequest is a caller's request to sponsor a signed transaction.
type RelayRequest struct {
	SignedTransaction *Transaction    `json:"signed_transaction"`
	UserID            string          `json:"user_id"`
	KYCPayload        json.RawMessage `json:"kyc_payload,omitempty"`
}

// RelayResult is produced once per successful relay.
type RelayResult struct {
	RequestID     string          `json:"request_id"`
	TxID          string          `json:"txid"`
	Cost          CostEstimate    `json:"cost"`
	Price         float64         `json:"price"`
	StableCharged int64           `json:"stable_charged"`
	StableDisplay decimal.Decimal `json:"stable_charged_display"`
	NativeCharged int64           `json:"native_charged_sun"`
	SwapExecuted  bool            `json:"swap_executed"`
}

// Relay outcomes recorded in the history store.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailed  = "FAILED"
)

// RelayEvent is one relay attempt as written to the history store.
type RelayEvent struct {
	RequestID    string
	UserID       string
	TxID         string
	Outcome      string
	Stage        string
	Reason       string
	NativeSun    int64
	StableAmount int64
	Price        float64
	SwapExecuted bool
	Timestamp    time.Time
}

// Compensation marks a swap whose proceeds were spent on a transaction the
// network then rejected. It is settled out of band.
type Compensation struct {
	ID            string     `json:"id"`
	RequestID     string     `json:"request_id"`
	UserID        string     `json:"user_id"`
	StableIn      int64      `json:"stable_in"`
	NativeNeeded  int64      `json:"native_needed_sun"`
	BroadcastCode string     `json:"broadcast_code"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	Note          string     `json:"note,omitempty"`
}
