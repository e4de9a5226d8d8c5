package model

import (
	"encoding/json"
	"fmt"
)

// ContractTypeTrigger is the raw_data contract type for smart contract calls.
const ContractTypeTrigger = "TriggerSmartContract"

// Transaction is a signed ledger transaction as produced by the wallet and
// accepted by the node's broadcast endpoint.
type Transaction struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Signature  []string        `json:"signature,omitempty"`
	Visible    bool            `json:"visible,omitempty"`
}

// IsEmpty reports whether the transaction carries nothing to broadcast.
func (t *Transaction) IsEmpty() bool {
	return t == nil || (len(t.RawData) == 0 && t.RawDataHex == "")
}

// ByteSize is the serialized raw transaction length used for bandwidth pricing.
func (t *Transaction) ByteSize() int64 {
	if t == nil {
		return 0
	}
	return int64(len(t.RawDataHex) / 2)
}

// ContractCall holds the fields needed to simulate a smart contract invocation.
type ContractCall struct {
	OwnerAddress    string `json:"owner_address"`
	ContractAddress string `json:"contract_address"`
	Data            string `json:"data"`
	CallValue       int64  `json:"call_value,omitempty"`
}

type rawData struct {
	Contract []struct {
		Type      string `json:"type"`
		Parameter struct {
			Value json.RawMessage `json:"value"`
		} `json:"parameter"`
	} `json:"contract"`
}

// TriggerCall returns the first contract of the transaction when it is a
// smart contract invocation. ok is false for plain transfers.
func (t *Transaction) TriggerCall() (call ContractCall, ok bool, err error) {
	if t == nil || len(t.RawData) == 0 {
		return ContractCall{}, false, nil
	}
	var rd rawData
	if err := json.Unmarshal(t.RawData, &rd); err != nil {
		return ContractCall{}, false, fmt.Errorf("decode raw_data: %w", err)
	}
	if len(rd.Contract) == 0 || rd.Contract[0].Type != ContractTypeTrigger {
		return ContractCall{}, false, nil
	}
	if err := json.Unmarshal(rd.Contract[0].Parameter.Value, &call); err != nil {
		return ContractCall{}, false, fmt.Errorf("decode contract parameter: %w", err)
	}
	return call, true, nil
}
