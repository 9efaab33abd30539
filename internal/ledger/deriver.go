package ledger

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"golang.org/x/crypto/ripemd160"
)

// EscrowDeriver derives per-order escrow deposit addresses from the escrow
// account's extended public key, so each sell order gets its own auditable
// deposit address without the service holding any private key.
type EscrowDeriver struct {
	XPub   string
	Prefix string
}

// Derive expects XPub at the escrow account path and derives child index i.
func (d EscrowDeriver) Derive(index uint32) (string, error) {
	if d.XPub == "" {
		return "", errors.New("escrow xpub is not configured")
	}
	if d.Prefix == "" {
		return "", errors.New("address prefix is not configured")
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	child, err := key.Derive(index)
	if err != nil {
		return "", err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	compressed := pubKey.SerializeCompressed()
	hash := sha256.Sum256(compressed)
	rip := ripemd160.New()
	_, _ = rip.Write(hash[:])
	addr := rip.Sum(nil)

	converted, err := bech32.ConvertBits(addr, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(d.Prefix, converted)
}

// ValidAddress reports whether addr is a well-formed bech32 address with the
// expected prefix. Used to reject bad payout destinations before anything is
// submitted.
func ValidAddress(prefix, addr string) bool {
	hrp, _, err := bech32.Decode(addr)
	if err != nil {
		return false
	}
	return hrp == prefix
}
