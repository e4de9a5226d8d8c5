package tron

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the mainnet version byte in front of every account hash.
const AddressPrefix byte = 0x41

// ErrInvalidAddress is returned for strings that are neither base58check
// nor hex encoded ledger addresses.
var ErrInvalidAddress = errors.New("invalid tron address")

// Address is a 21-byte ledger address: version byte plus 20-byte account hash.
type Address [21]byte

// ParseAddress accepts base58check ("T...") and hex ("41..." or bare 20 bytes) forms.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "T") {
		payload, version, err := base58.CheckDecode(s)
		if err != nil {
			return a, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, s, err)
		}
		if version != AddressPrefix || len(payload) != 20 {
			return a, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
		}
		a[0] = version
		copy(a[1:], payload)
		return a, nil
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return a, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}
	switch {
	case len(raw) == 21 && raw[0] == AddressPrefix:
		copy(a[:], raw)
	case len(raw) == 20:
		a[0] = AddressPrefix
		copy(a[1:], raw)
	default:
		return a, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}
	return a, nil
}

// AddressFromEVM prefixes a 20-byte account hash.
func AddressFromEVM(c common.Address) Address {
	var a Address
	a[0] = AddressPrefix
	copy(a[1:], c.Bytes())
	return a
}

// AddressFromPublicKey derives the ledger address of a secp256k1 key.
func AddressFromPublicKey(pub ecdsa.PublicKey) Address {
	return AddressFromEVM(crypto.PubkeyToAddress(pub))
}

// String returns the base58check form.
func (a Address) String() string {
	return base58.CheckEncode(a[1:], a[0])
}

// Hex returns the 21-byte hex form used by the node's non-visible API.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// EVM returns the 20-byte account hash as used in contract ABI arguments.
func (a Address) EVM() common.Address {
	return common.BytesToAddress(a[1:])
}
