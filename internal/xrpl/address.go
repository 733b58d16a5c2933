// Package xrpl validates ledger account addresses, signing keys and signatures
// submitted by external signers before they reach the store.
package xrpl

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/vultisig/multisigner/internal/types"
)

const (
	ledgerAlphabet  = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"
	bitcoinAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

	accountVersion = 0x00
	accountIDLen   = 20

	ed25519Prefix = 0xED
)

var (
	toBitcoin = strings.NewReplacer(pairs(ledgerAlphabet, bitcoinAlphabet)...)
	toLedger  = strings.NewReplacer(pairs(bitcoinAlphabet, ledgerAlphabet)...)
)

func pairs(from, to string) []string {
	out := make([]string, 0, 2*len(from))
	for i := range from {
		out = append(out, from[i:i+1], to[i:i+1])
	}
	return out
}

// DecodeAddress returns the 20-byte account id encoded in address.
func DecodeAddress(address string) ([]byte, error) {
	if len(address) < 25 || len(address) > 35 || address[0] != 'r' {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidAddress, address)
	}
	for i := 0; i < len(address); i++ {
		if !strings.ContainsRune(ledgerAlphabet, rune(address[i])) {
			return nil, fmt.Errorf("%w: %q has invalid character %q", types.ErrInvalidAddress, address, address[i])
		}
	}
	payload, version, err := base58.CheckDecode(toBitcoin.Replace(address))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", types.ErrInvalidAddress, address, err)
	}
	if version != accountVersion || len(payload) != accountIDLen {
		return nil, fmt.Errorf("%w: %q is not an account address", types.ErrInvalidAddress, address)
	}
	return payload, nil
}

func ValidateAddress(address string) error {
	_, err := DecodeAddress(address)
	return err
}

// EncodeAccountID renders a 20-byte account id as a ledger address.
func EncodeAccountID(id []byte) (string, error) {
	if len(id) != accountIDLen {
		return "", fmt.Errorf("account id must be %d bytes, got %d", accountIDLen, len(id))
	}
	return toLedger.Replace(base58.CheckEncode(id, accountVersion)), nil
}

// ValidatePublicKey accepts 33-byte compressed secp256k1 keys and 0xED-prefixed
// ed25519 keys, hex encoded.
func ValidatePublicKey(pubKeyHex string) ([]byte, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not hex: %v", types.ErrInvalidSignature, err)
	}
	if len(raw) != 33 {
		return nil, fmt.Errorf("%w: public key must be 33 bytes, got %d", types.ErrInvalidSignature, len(raw))
	}
	if raw[0] == ed25519Prefix {
		return raw, nil
	}
	if _, err := secp256k1.ParsePubKey(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidSignature, err)
	}
	return raw, nil
}

// ValidateSignature checks that sig is well formed for the key type: a DER
// encoded ECDSA signature for secp256k1 keys, 64 raw bytes for ed25519 keys.
// It does not verify the signature against the transaction.
func ValidateSignature(pubKey, sig []byte) error {
	if len(sig) == 0 {
		return fmt.Errorf("%w: empty signature", types.ErrInvalidSignature)
	}
	if len(pubKey) > 0 && pubKey[0] == ed25519Prefix {
		if len(sig) != 64 {
			return fmt.Errorf("%w: ed25519 signature must be 64 bytes, got %d", types.ErrInvalidSignature, len(sig))
		}
		return nil
	}
	if _, err := ecdsa.ParseDERSignature(sig); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidSignature, err)
	}
	return nil
}
