package tron

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"GaslessRelayer/internal/model"
)

const (
	usdtBase58 = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	usdtHex    = "41a614f803b6fd780986a42c78ec9c7f77e6ded13c"
	testKey    = "4f3edf983ac636a65a842ce7c78d9aa706d3b113b37e2b8c3c6d53295d85f81b"
)

func TestParseAddress_Forms(t *testing.T) {
	a, err := ParseAddress(usdtBase58)
	require.NoError(t, err)
	require.Equal(t, usdtHex, a.Hex())
	require.Equal(t, usdtBase58, a.String())

	b, err := ParseAddress(usdtHex)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := ParseAddress("0x" + usdtHex[2:])
	require.NoError(t, err)
	require.Equal(t, a, c)
	require.Equal(t, common.HexToAddress(usdtHex[2:]), a.EVM())
}

func TestParseAddress_Invalid(t *testing.T) {
	for _, s := range []string{"", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6x", "zz", "42a614f803b6fd780986a42c78ec9c7f77e6ded13c"} {
		_, err := ParseAddress(s)
		require.ErrorIs(t, err, ErrInvalidAddress, s)
	}
}

func TestSigner_SignRecoversRelayerAddress(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	tx := &model.Transaction{RawDataHex: "0a0208012208a1b2c3d4e5f60718"}
	require.NoError(t, s.Sign(tx))
	require.Len(t, tx.Signature, 1)

	sig, err := hex.DecodeString(tx.Signature[0])
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])
	sig[64] -= 27

	raw, _ := hex.DecodeString(tx.RawDataHex)
	digest := sha256.Sum256(raw)
	pub, err := crypto.SigToPub(digest[:], sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), AddressFromPublicKey(*pub))
}

func TestSigner_RejectsMismatchedTxID(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	tx := &model.Transaction{RawDataHex: "0a02", TxID: hex.EncodeToString(make([]byte, 32))}
	require.Error(t, s.Sign(tx))
}

// fakeNode is a minimal wallet API used by client tests.
type fakeNode struct {
	mu        sync.Mutex
	calls     map[string]int
	allowance *big.Int
	broadcast BroadcastResult
	last      map[string]map[string]any
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		calls:     map[string]int{},
		allowance: big.NewInt(0),
		broadcast: BroadcastResult{Result: true},
		last:      map[string]map[string]any{},
	}
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[r.URL.Path]++
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.last[r.URL.Path] = body

	switch r.URL.Path {
	case "/wallet/getchainparameters":
		_, _ = w.Write([]byte(`{"chainParameter":[{"key":"getEnergyFee","value":210},{"key":"getTransactionFee","value":1000},{"key":"getAllowTvmLondon"}]}`))
	case "/wallet/triggerconstantcontract":
		out, _ := trc20.Methods["allowance"].Outputs.Pack(f.allowance)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result":          map[string]any{"result": true},
			"constant_result": []string{hex.EncodeToString(out)},
		})
	case "/wallet/triggersmartcontract":
		raw := []byte{0x0a, 0x02, 0x01, 0x02}
		id := sha256.Sum256(raw)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"result": true},
			"transaction": map[string]any{
				"txID":         hex.EncodeToString(id[:]),
				"raw_data":     map[string]any{"contract": []any{}},
				"raw_data_hex": hex.EncodeToString(raw),
			},
		})
	case "/wallet/broadcasttransaction":
		res := f.broadcast
		if res.Result && res.TxID == "" {
			res.TxID, _ = body["txID"].(string)
		}
		_ = json.NewEncoder(w).Encode(res)
	case "/wallet/estimateenergy":
		_, _ = w.Write([]byte(`{"result":{"result":true},"energy_required":31895}`))
	default:
		http.NotFound(w, r)
	}
}

func TestClient_ChainParametersAndEnergy(t *testing.T) {
	node := newFakeNode()
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := NewClient(srv.URL, "key", time.Second, "")
	params, err := c.ChainParameters(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(210), params["getEnergyFee"])
	require.Equal(t, int64(0), params["getAllowTvmLondon"])

	energy, err := c.EstimateEnergy(context.Background(), model.ContractCall{OwnerAddress: usdtHex, ContractAddress: usdtHex, Data: "00"})
	require.NoError(t, err)
	require.Equal(t, int64(31895), energy)
}

func TestClient_BroadcastDecodesHexMessage(t *testing.T) {
	node := newFakeNode()
	node.broadcast = BroadcastResult{Result: false, Code: "SIGERROR", Message: hex.EncodeToString([]byte("bad signature"))}
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, "")
	res, err := c.Broadcast(context.Background(), &model.Transaction{TxID: "ab", RawDataHex: "00"})
	require.NoError(t, err)
	require.False(t, res.Result)
	require.Equal(t, "SIGERROR", res.Code)
	require.Equal(t, "bad signature", res.Message)
}

func TestSunSwap_AllowanceApproveAndSwap(t *testing.T) {
	node := newFakeNode()
	node.allowance = big.NewInt(1234)
	srv := httptest.NewServer(node)
	defer srv.Close()

	signer, err := NewSigner(testKey)
	require.NoError(t, err)
	venue, err := NewSunSwap(NewClient(srv.URL, "", time.Second, ""), signer, "TKzxdSv2FZKQrEqkKVgp5DcwEXBEKMg2Ax", 20_000_000)
	require.NoError(t, err)

	ctx := context.Background()
	got, err := venue.Allowance(ctx, usdtBase58, signer.Address().String(), "TKzxdSv2FZKQrEqkKVgp5DcwEXBEKMg2Ax")
	require.NoError(t, err)
	require.Equal(t, int64(1234), got.Int64())
	require.Equal(t, "allowance(address,address)", node.last["/wallet/triggerconstantcontract"]["function_selector"])

	txid, err := venue.Approve(ctx, usdtBase58, "TKzxdSv2FZKQrEqkKVgp5DcwEXBEKMg2Ax", big.NewInt(5000))
	require.NoError(t, err)
	require.NotEmpty(t, txid)
	require.Equal(t, "approve(address,uint256)", node.last["/wallet/triggersmartcontract"]["function_selector"])

	txid, err = venue.SwapExactTokensForNative(ctx, big.NewInt(5000), big.NewInt(98),
		[]string{usdtBase58, "T9yD14Nj9j7xAB4dbGeiX9h8unkKHxuWwb"}, signer.Address().String(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, txid)
	require.Equal(t, "swapExactTokensForETH(uint256,uint256,address[],address,uint256)",
		node.last["/wallet/triggersmartcontract"]["function_selector"])
	require.Equal(t, 2, node.calls["/wallet/broadcasttransaction"])
}

func TestSunSwap_RejectedBroadcastIsError(t *testing.T) {
	node := newFakeNode()
	node.broadcast = BroadcastResult{Result: false, Code: "CONTRACT_VALIDATE_ERROR"}
	srv := httptest.NewServer(node)
	defer srv.Close()

	signer, err := NewSigner(testKey)
	require.NoError(t, err)
	venue, err := NewSunSwap(NewClient(srv.URL, "", time.Second, ""), signer, "TKzxdSv2FZKQrEqkKVgp5DcwEXBEKMg2Ax", 1)
	require.NoError(t, err)

	_, err = venue.Approve(context.Background(), usdtBase58, "TKzxdSv2FZKQrEqkKVgp5DcwEXBEKMg2Ax", big.NewInt(1))
	require.ErrorContains(t, err, "CONTRACT_VALIDATE_ERROR")
}
