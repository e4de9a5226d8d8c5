package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransaction_TriggerCall(t *testing.T) {
	tx := &Transaction{
		RawData: json.RawMessage(`{"contract":[{"type":"TriggerSmartContract","parameter":{"value":{
			"owner_address":"41aa","contract_address":"41bb","data":"a9059cbb"}}}]}`),
		RawDataHex: "0a0b0c0d",
	}
	call, ok, err := tx.TriggerCall()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "41aa", call.OwnerAddress)
	require.Equal(t, "41bb", call.ContractAddress)
	require.Equal(t, "a9059cbb", call.Data)
	require.Equal(t, int64(4), tx.ByteSize())
}

func TestTransaction_TransferIsNotTrigger(t *testing.T) {
	tx := &Transaction{RawData: json.RawMessage(`{"contract":[{"type":"TransferContract","parameter":{"value":{}}}]}`)}
	_, ok, err := tx.TriggerCall()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransaction_IsEmpty(t *testing.T) {
	var nilTx *Transaction
	require.True(t, nilTx.IsEmpty())
	require.True(t, (&Transaction{}).IsEmpty())
	require.False(t, (&Transaction{RawDataHex: "00"}).IsEmpty())
}

func TestUsage_SubFloorsAtZero(t *testing.T) {
	u := Usage{Native: 5, Stable: 1}.Sub(Usage{Native: 3, Stable: 4})
	require.Equal(t, Usage{Native: 2, Stable: 0}, u)
}
