package main

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"spinbridge/internal/config"
	"spinbridge/internal/db"
	"spinbridge/internal/ledger"
	"spinbridge/internal/services"
	"spinbridge/internal/store"
	"spinbridge/internal/voucher"
	"spinbridge/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()

	var repo store.Repository
	if cfg.DB.DSN != "" {
		pool, err := db.Connect(ctx, cfg.DB.DSN)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()
		pg, err := store.NewPostgres(ctx, pool)
		if err != nil {
			log.Fatalf("db schema init failed: %v", err)
		}
		repo = pg
	} else {
		log.Printf("no db dsn configured, using in-memory store")
		repo = store.NewMemory()
	}

	cli, err := ledger.NewMultiRPCClient(cfg.Ledger.RPCEndpoints, cfg.Ledger.FailoverThreshold)
	if err != nil {
		log.Fatalf("ledger client init failed: %v", err)
	}

	validator := voucher.NewValidator(policyFromConfig(cfg))
	deriver := ledger.EscrowDeriver{XPub: cfg.Ledger.EscrowXPub, Prefix: cfg.Ledger.AddressPrefix}

	orders := &services.OrderService{
		Repo:          repo,
		Validator:     validator,
		Ledger:        cli,
		Deriver:       deriver,
		EscrowAccount: cfg.Ledger.EscrowAccount,
		ChainID:       cfg.Ledger.ChainID,
		OrderTTL:      time.Duration(cfg.Orders.TTLMinutes) * time.Minute,
	}
	fills := &services.FillService{
		Repo:          repo,
		Validator:     validator,
		Ledger:        cli,
		Orders:        orders,
		EscrowAccount: cfg.Ledger.EscrowAccount,
		AddressPrefix: cfg.Ledger.AddressPrefix,
		ChainID:       cfg.Ledger.ChainID,
		FillTTL:       time.Duration(cfg.Fills.TTLMinutes) * time.Minute,
	}

	relay := &worker.Relay{
		Repo:          repo,
		Ledger:        cli,
		Orders:        orders,
		Fills:         fills,
		EscrowAccount: cfg.Ledger.EscrowAccount,
		ChainID:       cfg.Ledger.ChainID,
		Interval:      time.Duration(cfg.Relay.IntervalSeconds) * time.Second,
		WSEndpoint:    cfg.Ledger.WSEndpoint,
	}

	log.Printf("relay started (endpoints=%d interval=%s)", len(cfg.Ledger.RPCEndpoints), relay.Interval)
	relay.Run(ctx)
}

func policyFromConfig(cfg *config.Config) voucher.Policy {
	p := voucher.DefaultPolicy()
	if cfg.Voucher.OperationType != 0 {
		p.OperationType = cfg.Voucher.OperationType
	}
	if cfg.Voucher.IssuerID != 0 {
		p.IssuerID = cfg.Voucher.IssuerID
	}
	if v, err := decimal.NewFromString(cfg.Voucher.MinAmount); err == nil && cfg.Voucher.MinAmount != "" {
		p.MinAmount = v
	}
	if v, err := decimal.NewFromString(cfg.Voucher.MaxAmount); err == nil && cfg.Voucher.MaxAmount != "" {
		p.MaxAmount = v
	}
	if v, err := decimal.NewFromString(cfg.Voucher.TolerancePercent); err == nil && cfg.Voucher.TolerancePercent != "" {
		p.TolerancePercent = v
	}
	return p
}
