package models

import "testing"

func TestOrderCanTransition(t *testing.T) {
	allowed := []struct{ from, to OrderStatus }{
		{OrderPending, OrderActive},
		{OrderPending, OrderFilled},
		{OrderActive, OrderFilled},
		{OrderPending, OrderCancelled},
		{OrderActive, OrderCancelled},
		{OrderPending, OrderExpired},
		{OrderActive, OrderExpired},
	}
	for _, tc := range allowed {
		if !OrderCanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to OrderStatus }{
		{OrderActive, OrderPending},
		{OrderFilled, OrderActive},
		{OrderFilled, OrderCancelled},
		{OrderFilled, OrderExpired},
		{OrderCancelled, OrderActive},
		{OrderCancelled, OrderExpired},
		{OrderExpired, OrderActive},
		{OrderPending, OrderPending},
	}
	for _, tc := range denied {
		if OrderCanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestFillCanTransition(t *testing.T) {
	allowed := []struct{ from, to FillStatus }{
		{FillPending, FillProcessing},
		{FillProcessing, FillCompleted},
		{FillPending, FillCancelled},
		{FillProcessing, FillExpired},
		{FillProcessing, FillFailed},
	}
	for _, tc := range allowed {
		if !FillCanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to FillStatus }{
		{FillProcessing, FillPending},
		{FillCompleted, FillProcessing},
		{FillCompleted, FillCancelled},
		{FillCompleted, FillExpired},
		{FillCompleted, FillFailed},
		{FillFailed, FillProcessing},
		{FillCancelled, FillFailed},
		{FillExpired, FillCompleted},
	}
	for _, tc := range denied {
		if FillCanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []OrderStatus{OrderFilled, OrderCancelled, OrderExpired} {
		if !OrderTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderPending, OrderActive} {
		if OrderTerminal(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
	if !FillTerminal(FillCompleted) || FillTerminal(FillProcessing) {
		t.Error("fill terminal classification wrong")
	}
}
