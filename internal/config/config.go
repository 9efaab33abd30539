package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Ledger struct {
		ChainID           string   `yaml:"chain_id"`
		RPCEndpoints      []string `yaml:"rpc_endpoints"`
		WSEndpoint        string   `yaml:"ws_endpoint"`
		EscrowAccount     string   `yaml:"escrow_account"`
		EscrowXPub        string   `yaml:"escrow_xpub"`
		AddressPrefix     string   `yaml:"address_prefix"`
		FailoverThreshold int      `yaml:"failover_threshold"`
	} `yaml:"ledger"`
	Voucher struct {
		OperationType    int    `yaml:"operation_type"`
		IssuerID         int    `yaml:"issuer_id"`
		MinAmount        string `yaml:"min_amount"`
		MaxAmount        string `yaml:"max_amount"`
		TolerancePercent string `yaml:"tolerance_percent"`
	} `yaml:"voucher"`
	Orders struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"orders"`
	Fills struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"fills"`
	Relay struct {
		IntervalSeconds int64 `yaml:"interval_seconds"`
	} `yaml:"relay"`
}

func Load(path string) (*Config, error) {
	// A .env file, when present, feeds the overrides below.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.Ledger.ChainID == "" || len(cfg.Ledger.RPCEndpoints) == 0 {
		return nil, errors.New("ledger config is incomplete")
	}
	if cfg.Ledger.EscrowAccount == "" {
		return nil, errors.New("ledger.escrow_account is required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Orders.TTLMinutes <= 0 {
		cfg.Orders.TTLMinutes = 60
	}
	if cfg.Fills.TTLMinutes <= 0 {
		cfg.Fills.TTLMinutes = 30
	}
	if cfg.Relay.IntervalSeconds <= 0 {
		cfg.Relay.IntervalSeconds = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		cfg.Ledger.ChainID = v
	}
	if v := os.Getenv("RPC_ENDPOINTS"); v != "" {
		cfg.Ledger.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("WS_ENDPOINT"); v != "" {
		cfg.Ledger.WSEndpoint = v
	}
	if v := os.Getenv("ESCROW_ACCOUNT"); v != "" {
		cfg.Ledger.EscrowAccount = v
	}
	if v := os.Getenv("ESCROW_XPUB"); v != "" {
		cfg.Ledger.EscrowXPub = v
	}
	if v := os.Getenv("ADDRESS_PREFIX"); v != "" {
		cfg.Ledger.AddressPrefix = v
	}
	if v := os.Getenv("LEDGER_FAILOVER_THRESHOLD"); v != "" {
		cfg.Ledger.FailoverThreshold = atoiOr(cfg.Ledger.FailoverThreshold, v)
	}
	if v := os.Getenv("VOUCHER_OPERATION_TYPE"); v != "" {
		cfg.Voucher.OperationType = atoiOr(cfg.Voucher.OperationType, v)
	}
	if v := os.Getenv("VOUCHER_ISSUER_ID"); v != "" {
		cfg.Voucher.IssuerID = atoiOr(cfg.Voucher.IssuerID, v)
	}
	if v := os.Getenv("VOUCHER_MIN_AMOUNT"); v != "" {
		cfg.Voucher.MinAmount = v
	}
	if v := os.Getenv("VOUCHER_MAX_AMOUNT"); v != "" {
		cfg.Voucher.MaxAmount = v
	}
	if v := os.Getenv("VOUCHER_TOLERANCE_PERCENT"); v != "" {
		cfg.Voucher.TolerancePercent = v
	}
	if v := os.Getenv("ORDER_TTL_MINUTES"); v != "" {
		cfg.Orders.TTLMinutes = atoiOr(cfg.Orders.TTLMinutes, v)
	}
	if v := os.Getenv("FILL_TTL_MINUTES"); v != "" {
		cfg.Fills.TTLMinutes = atoiOr(cfg.Fills.TTLMinutes, v)
	}
	if v := os.Getenv("RELAY_INTERVAL_SECONDS"); v != "" {
		cfg.Relay.IntervalSeconds = atoi64Or(cfg.Relay.IntervalSeconds, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
