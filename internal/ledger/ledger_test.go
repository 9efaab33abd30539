package ledger

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

func TestParseTxUpdate(t *testing.T) {
	t.Run("status update", func(t *testing.T) {
		msg := []byte(`{"result":{"data":{"hash":"0xabc123","status":"confirmed"}}}`)
		upd, ok, err := ParseTxUpdate(msg)
		if err != nil || !ok {
			t.Fatalf("parse failed: ok=%v err=%v", ok, err)
		}
		if upd.Hash != "0xabc123" || upd.Status != "confirmed" {
			t.Errorf("update = %+v", upd)
		}
	})

	t.Run("subscription ack", func(t *testing.T) {
		_, ok, err := ParseTxUpdate([]byte(`{"result":{}}`))
		if err != nil || ok {
			t.Errorf("ack should be skipped: ok=%v err=%v", ok, err)
		}
	})

	t.Run("error frame", func(t *testing.T) {
		_, _, err := ParseTxUpdate([]byte(`{"error":{"code":-32000,"message":"boom"}}`))
		if err == nil {
			t.Error("expected error frame to surface")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, _, err := ParseTxUpdate([]byte("{")); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestValidAddress(t *testing.T) {
	data, err := bech32.ConvertBits(make([]byte, 20), 8, 5, true)
	if err != nil {
		t.Fatalf("convert bits: %v", err)
	}
	addr, err := bech32.Encode("spin", data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if !ValidAddress("spin", addr) {
		t.Errorf("expected %s to be valid for prefix spin", addr)
	}
	if ValidAddress("other", addr) {
		t.Error("prefix mismatch should be invalid")
	}
	if ValidAddress("spin", "not-an-address") {
		t.Error("garbage should be invalid")
	}
}

func TestSanitizeEndpoints(t *testing.T) {
	got := sanitizeEndpoints([]string{" https://a/", "", "https://a", "https://b"})
	if len(got) != 2 || got[0] != "https://a" || got[1] != "https://b" {
		t.Errorf("sanitized = %v", got)
	}
}
