package tron

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const trc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
   "name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

const routerABI = `[
  {"constant":false,"inputs":[
     {"name":"amount_in","type":"uint256"},{"name":"amount_out_min","type":"uint256"},
     {"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
   "name":"swapExactTokensForTokens","outputs":[{"name":"amounts","type":"uint256[]"}],
   "stateMutability":"nonpayable","type":"function"},
  {"constant":false,"inputs":[
     {"name":"amount_in","type":"uint256"},{"name":"amount_out_min","type":"uint256"},
     {"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
   "name":"swapExactTokensForETH","outputs":[{"name":"amounts","type":"uint256[]"}],
   "stateMutability":"nonpayable","type":"function"}
]`

var (
	trc20  = mustABI(trc20ABI)
	router = mustABI(routerABI)
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// SunSwap submits TRC20 approvals and router swaps signed with the relayer key.
type SunSwap struct {
	client   *Client
	signer   *Signer
	router   Address
	feeLimit int64
}

// NewSunSwap binds a router address to a node client and signer.
func NewSunSwap(client *Client, signer *Signer, routerAddr string, feeLimit int64) (*SunSwap, error) {
	r, err := ParseAddress(routerAddr)
	if err != nil {
		return nil, fmt.Errorf("router address: %w", err)
	}
	return &SunSwap{client: client, signer: signer, router: r, feeLimit: feeLimit}, nil
}

// Allowance reads token.allowance(owner, spender).
func (s *SunSwap) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	tokenAddr, ownerAddr, spenderAddr, err := parseThree(token, owner, spender)
	if err != nil {
		return nil, err
	}
	method := trc20.Methods["allowance"]
	param, err := method.Inputs.Pack(ownerAddr.EVM(), spenderAddr.EVM())
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}
	out, err := s.client.TriggerConstant(ctx, ownerAddr, tokenAddr, method.Sig, param)
	if err != nil {
		return nil, err
	}
	vals, err := trc20.Unpack("allowance", out)
	if err != nil {
		return nil, fmt.Errorf("unpack allowance: %w", err)
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack allowance: unexpected type %T", vals[0])
	}
	return amount, nil
}

// Approve lets spender move amount of token from the relayer's account.
func (s *SunSwap) Approve(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	tokenAddr, err := ParseAddress(token)
	if err != nil {
		return "", err
	}
	spenderAddr, err := ParseAddress(spender)
	if err != nil {
		return "", err
	}
	method := trc20.Methods["approve"]
	param, err := method.Inputs.Pack(spenderAddr.EVM(), amount)
	if err != nil {
		return "", fmt.Errorf("pack approve: %w", err)
	}
	return s.submit(ctx, tokenAddr, method.Sig, param)
}

// SwapExactTokensForNative sells exactly amountIn along path for at least
// minOut native token delivered to recipient.
func (s *SunSwap) SwapExactTokensForNative(ctx context.Context, amountIn, minOut *big.Int, path []string, recipient string, deadline time.Time) (string, error) {
	hops := make([]common.Address, 0, len(path))
	for _, p := range path {
		a, err := ParseAddress(p)
		if err != nil {
			return "", fmt.Errorf("swap path: %w", err)
		}
		hops = append(hops, a.EVM())
	}
	to, err := ParseAddress(recipient)
	if err != nil {
		return "", fmt.Errorf("swap recipient: %w", err)
	}
	method := router.Methods["swapExactTokensForETH"]
	param, err := method.Inputs.Pack(amountIn, minOut, hops, to.EVM(), big.NewInt(deadline.Unix()))
	if err != nil {
		return "", fmt.Errorf("pack swap: %w", err)
	}
	return s.submit(ctx, s.router, method.Sig, param)
}

func (s *SunSwap) submit(ctx context.Context, contract Address, selector string, param []byte) (string, error) {
	tx, err := s.client.TriggerSmartContract(ctx, s.signer.Address(), contract, selector, param, s.feeLimit)
	if err != nil {
		return "", err
	}
	if err := s.signer.Sign(tx); err != nil {
		return "", err
	}
	res, err := s.client.Broadcast(ctx, tx)
	if err != nil {
		return "", err
	}
	if !res.Result {
		return "", fmt.Errorf("%s rejected: %s %s", selector, res.Code, res.Message)
	}
	return res.TxID, nil
}

func parseThree(a, b, c string) (Address, Address, Address, error) {
	var out [3]Address
	for i, s := range []string{a, b, c} {
		addr, err := ParseAddress(s)
		if err != nil {
			return Address{}, Address{}, Address{}, err
		}
		out[i] = addr
	}
	return out[0], out[1], out[2], nil
}
