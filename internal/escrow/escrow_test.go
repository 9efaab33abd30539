package escrow

import (
	"bytes"
	"context"
	"testing"

	"spinbridge/internal/domain"
	"spinbridge/internal/ledger"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	plaintext := []byte(`{"operationType":4,"amount":100}`)

	bundle, err := Seal(plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bundle.PublicID == "" || bundle.PrivateID == "" {
		t.Fatal("bundle identifiers are empty")
	}
	if bundle.PublicID == bundle.PrivateID {
		t.Fatal("identifiers must differ")
	}

	got, err := Unseal(bundle.CiphertextHex, bundle.PublicID, bundle.PrivateID)
	if err != nil {
		t.Fatalf("unseal failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestUnsealFailsCleanly(t *testing.T) {
	bundle, err := Seal([]byte("secret voucher"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	cases := []struct {
		name       string
		ciphertext string
		publicID   string
		privateID  string
	}{
		{"wrong private id", bundle.CiphertextHex, bundle.PublicID, "00000000-0000-0000-0000-000000000000"},
		{"wrong public id", bundle.CiphertextHex, "00000000-0000-0000-0000-000000000000", bundle.PrivateID},
		{"swapped ids", bundle.CiphertextHex, bundle.PrivateID, bundle.PublicID},
		{"bad hex", "zz" + bundle.CiphertextHex, bundle.PublicID, bundle.PrivateID},
		{"truncated", bundle.CiphertextHex[:20], bundle.PublicID, bundle.PrivateID},
		{"corrupted", corrupt(bundle.CiphertextHex), bundle.PublicID, bundle.PrivateID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Unseal(tc.ciphertext, tc.publicID, tc.privateID)
			if domain.KindOf(err) != domain.KindDecryption {
				t.Fatalf("expected decryption error, got %v", err)
			}
			if got != nil {
				t.Error("failed unseal must not return plaintext")
			}
		})
	}
}

func corrupt(hexStr string) string {
	b := []byte(hexStr)
	last := len(b) - 1
	if b[last] == '0' {
		b[last] = '1'
	} else {
		b[last] = '0'
	}
	return string(b)
}

type fakeLedger struct {
	tx      *ledger.Transaction
	receipt *ledger.Receipt
}

func (f *fakeLedger) TransactionByHash(ctx context.Context, hash string) (*ledger.Transaction, error) {
	if f.tx == nil {
		return nil, ledger.ErrNotFound
	}
	return f.tx, nil
}

func (f *fakeLedger) ReceiptByHash(ctx context.Context, hash string) (*ledger.Receipt, error) {
	if f.receipt == nil {
		return nil, ledger.ErrNotFound
	}
	return f.receipt, nil
}

func (f *fakeLedger) Submit(ctx context.Context, req ledger.SubmitRequest) (string, error) {
	return "", nil
}

func TestUnsealFromLedger(t *testing.T) {
	plaintext := []byte("escrowed payload")
	bundle, err := Seal(plaintext)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	t.Run("from transaction payload", func(t *testing.T) {
		cli := &fakeLedger{tx: &ledger.Transaction{Hash: "0xaa", Payload: bundle.CiphertextHex, Status: ledger.StatusConfirmed}}
		got, err := UnsealFromLedger(context.Background(), cli, "0xaa", bundle.PublicID, bundle.PrivateID)
		if err != nil {
			t.Fatalf("recover failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("recovered %q", got)
		}
	})

	t.Run("falls back to receipt logs", func(t *testing.T) {
		cli := &fakeLedger{
			tx: &ledger.Transaction{Hash: "0xaa", Payload: "", Status: ledger.StatusConfirmed},
			receipt: &ledger.Receipt{TxHash: "0xaa", Logs: []ledger.Log{
				{Data: "deadbeef"},
				{Data: "0x" + bundle.CiphertextHex},
			}},
		}
		got, err := UnsealFromLedger(context.Background(), cli, "0xaa", bundle.PublicID, bundle.PrivateID)
		if err != nil {
			t.Fatalf("recover failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("recovered %q", got)
		}
	})

	t.Run("missing transaction", func(t *testing.T) {
		cli := &fakeLedger{}
		_, err := UnsealFromLedger(context.Background(), cli, "0xaa", bundle.PublicID, bundle.PrivateID)
		if domain.KindOf(err) != domain.KindLedger {
			t.Errorf("expected ledger error, got %v", err)
		}
	})

	t.Run("wrong private id", func(t *testing.T) {
		cli := &fakeLedger{tx: &ledger.Transaction{Hash: "0xaa", Payload: bundle.CiphertextHex}}
		_, err := UnsealFromLedger(context.Background(), cli, "0xaa", bundle.PublicID, "wrong")
		if domain.KindOf(err) != domain.KindDecryption {
			t.Errorf("expected decryption error, got %v", err)
		}
	})
}
