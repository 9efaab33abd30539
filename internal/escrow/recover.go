package escrow

import (
	"context"
	"strings"

	"spinbridge/internal/domain"
	"spinbridge/internal/ledger"
)

// UnsealFromLedger fetches ciphertext out of a ledger transaction's payload
// by hash and decrypts it with the identifier pair. When the payload is not
// usable it falls back to the transaction receipt's log data. This is the
// recovery path for a private-identifier holder if local state is lost.
func UnsealFromLedger(ctx context.Context, cli ledger.Client, hash, publicID, privateID string) ([]byte, error) {
	var candidates []string

	tx, err := cli.TransactionByHash(ctx, hash)
	if err == nil && tx.Payload != "" {
		candidates = append(candidates, tx.Payload)
	}

	receipt, rerr := cli.ReceiptByHash(ctx, hash)
	if rerr == nil {
		for _, l := range receipt.Logs {
			if l.Data != "" {
				candidates = append(candidates, l.Data)
			}
		}
	}

	if len(candidates) == 0 {
		if err != nil {
			return nil, domain.Ef(domain.KindLedger, "transaction %s unavailable: %v", hash, err)
		}
		return nil, domain.Ef(domain.KindLedger, "transaction %s carries no payload", hash)
	}

	for _, c := range candidates {
		plaintext, uerr := Unseal(strings.TrimPrefix(c, "0x"), publicID, privateID)
		if uerr == nil {
			return plaintext, nil
		}
	}
	return nil, domain.E(domain.KindDecryption, "unable to decrypt payload")
}
