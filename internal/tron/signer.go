package tron

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"GaslessRelayer/internal/model"
)

// Signer holds the relayer's funding key. It signs the approval and swap
// transactions the relayer itself submits; user transactions arrive signed.
type Signer struct {
	key     *ecdsa.PrivateKey
	address Address
}

// NewSigner loads a hex-encoded secp256k1 private key.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("load relayer key: %w", err)
	}
	return &Signer{key: key, address: AddressFromPublicKey(key.PublicKey)}, nil
}

// Address is the relayer's ledger address.
func (s *Signer) Address() Address { return s.address }

// Sign appends a signature over the transaction id. The id must equal
// sha256(raw_data) or the node would reject the result.
func (s *Signer) Sign(tx *model.Transaction) error {
	raw, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return fmt.Errorf("decode raw_data_hex: %w", err)
	}
	digest := sha256.Sum256(raw)
	if tx.TxID == "" {
		tx.TxID = hex.EncodeToString(digest[:])
	}
	id, err := hex.DecodeString(tx.TxID)
	if err != nil || !bytes.Equal(id, digest[:]) {
		return fmt.Errorf("txID %s does not match raw data", tx.TxID)
	}
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	sig[64] += 27
	tx.Signature = append(tx.Signature, hex.EncodeToString(sig))
	return nil
}
