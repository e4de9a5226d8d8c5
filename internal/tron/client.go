package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"GaslessRelayer/internal/model"
)

// Client talks to a full node's HTTP wallet API.
type Client struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

// NewClient creates a node client with optional proxy support.
func NewClient(baseURL, apiKey string, timeout time.Duration, proxyURL string) *Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Timeout: timeout,
		HTTP: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// BroadcastResult is the node's answer to a broadcast.
type BroadcastResult struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type callResult struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r callResult) err(op string) error {
	if r.Result {
		return nil
	}
	return fmt.Errorf("%s: node rejected call: %s %s", op, r.Code, decodeMessage(r.Message))
}

// ChainParameters returns the network parameters keyed by name.
func (c *Client) ChainParameters(ctx context.Context) (map[string]int64, error) {
	var resp struct {
		ChainParameter []struct {
			Key   string `json:"key"`
			Value int64  `json:"value"`
		} `json:"chainParameter"`
	}
	if err := c.post(ctx, "/wallet/getchainparameters", struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("get chain parameters: %w", err)
	}
	params := make(map[string]int64, len(resp.ChainParameter))
	for _, p := range resp.ChainParameter {
		params[p.Key] = p.Value
	}
	return params, nil
}

// EstimateEnergy simulates a contract call and returns the energy it would consume.
func (c *Client) EstimateEnergy(ctx context.Context, call model.ContractCall) (int64, error) {
	req := map[string]any{
		"owner_address":    call.OwnerAddress,
		"contract_address": call.ContractAddress,
		"data":             call.Data,
		"visible":          strings.HasPrefix(call.OwnerAddress, "T"),
	}
	if call.CallValue > 0 {
		req["call_value"] = call.CallValue
	}
	var resp struct {
		Result         callResult `json:"result"`
		EnergyRequired int64      `json:"energy_required"`
	}
	if err := c.post(ctx, "/wallet/estimateenergy", req, &resp); err != nil {
		return 0, fmt.Errorf("estimate energy: %w", err)
	}
	if err := resp.Result.err("estimate energy"); err != nil {
		return 0, err
	}
	return resp.EnergyRequired, nil
}

// Broadcast submits a signed transaction.
func (c *Client) Broadcast(ctx context.Context, tx *model.Transaction) (BroadcastResult, error) {
	var resp BroadcastResult
	if err := c.post(ctx, "/wallet/broadcasttransaction", tx, &resp); err != nil {
		return BroadcastResult{}, fmt.Errorf("broadcast: %w", err)
	}
	if resp.TxID == "" && resp.Result {
		resp.TxID = tx.TxID
	}
	resp.Message = decodeMessage(resp.Message)
	return resp, nil
}

// TriggerConstant runs a read-only contract call and returns the raw output.
func (c *Client) TriggerConstant(ctx context.Context, owner, contract Address, selector string, param []byte) ([]byte, error) {
	req := map[string]any{
		"owner_address":     owner.Hex(),
		"contract_address":  contract.Hex(),
		"function_selector": selector,
		"parameter":         hex.EncodeToString(param),
		"visible":           false,
	}
	var resp struct {
		Result         callResult `json:"result"`
		ConstantResult []string   `json:"constant_result"`
	}
	if err := c.post(ctx, "/wallet/triggerconstantcontract", req, &resp); err != nil {
		return nil, fmt.Errorf("trigger constant %s: %w", selector, err)
	}
	if err := resp.Result.err("trigger constant " + selector); err != nil {
		return nil, err
	}
	if len(resp.ConstantResult) == 0 {
		return nil, fmt.Errorf("trigger constant %s: empty result", selector)
	}
	out, err := hex.DecodeString(resp.ConstantResult[0])
	if err != nil {
		return nil, fmt.Errorf("trigger constant %s: decode result: %w", selector, err)
	}
	return out, nil
}

// TriggerSmartContract builds an unsigned state-changing contract call.
func (c *Client) TriggerSmartContract(ctx context.Context, owner, contract Address, selector string, param []byte, feeLimit int64) (*model.Transaction, error) {
	req := map[string]any{
		"owner_address":     owner.Hex(),
		"contract_address":  contract.Hex(),
		"function_selector": selector,
		"parameter":         hex.EncodeToString(param),
		"fee_limit":         feeLimit,
		"call_value":        0,
		"visible":           false,
	}
	var resp struct {
		Result      callResult         `json:"result"`
		Transaction *model.Transaction `json:"transaction"`
	}
	if err := c.post(ctx, "/wallet/triggersmartcontract", req, &resp); err != nil {
		return nil, fmt.Errorf("trigger %s: %w", selector, err)
	}
	if err := resp.Result.err("trigger " + selector); err != nil {
		return nil, err
	}
	if resp.Transaction.IsEmpty() {
		return nil, fmt.Errorf("trigger %s: node returned no transaction", selector)
	}
	return resp.Transaction, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d, body: %s", resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeMessage turns the node's hex-encoded error messages into text.
func decodeMessage(m string) string {
	if m == "" {
		return m
	}
	if b, err := hex.DecodeString(m); err == nil {
		return string(b)
	}
	return m
}
