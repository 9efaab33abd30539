package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_ticks_total",
		Help: "Relay reconciliation ticks executed.",
	})
	reconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_reconciled_transactions_total",
		Help: "Pending transactions reconciled, by outcome.",
	}, []string{"outcome"})
	settlementsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_settlements_submitted_total",
		Help: "Settlement transfers submitted to the ledger.",
	})
	settlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_settlement_failures_total",
		Help: "Settlement transfer submissions rejected by the ledger.",
	})
)
