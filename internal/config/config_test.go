package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quantfolio.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// clearEnv blanks every variable applyEnvOverrides reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "SQLITE_PATH", "ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL",
		"ALPACA_DATA_URL", "ALPACA_FEED", "LOG_LEVEL", "QUANTFOLIO_PAPER", "APCA_API_KEY_ID",
		"APCA_API_SECRET_KEY",
	} {
		t.Setenv(k, "")
	}
}

const fullConfig = `
storage:
  data_dir: "/tmp/quantfolio/data"
  sqlite_path: "/tmp/quantfolio/quantfolio.db"
server:
  host: "0.0.0.0"
  grpc_port: 9090
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
  data_url: "https://data.alpaca.markets"
logging:
  level: "debug"
  format: "json"
trading:
  paper_mode: true
  base_currency: "USD"
  settlement_days: 2
  max_orders_per_day: 20
  commission_per_share: "0.005"
  min_commission: "1"
  leverage: "2"
  status_interval: "2s"
  poll_interval: "1m"
currencies:
  - {from: "CNY", to: "USD", rate: "0.14"}
funds:
  - id: "sma-us"
    name: "SMA US"
    capital: "50000"
    backfill_days: 30
    benchmark: "SPY"
    auto_start: true
    universe:
      - {symbol: "AAPL", weight: "0.6"}
      - {symbol: "msft", weight: "0.4"}
    modules:
      - name: "sma_cross"
        parameters: {short: "10", long: "30"}
      - name: "fixed_fraction"
        parameters: {fraction: "0.5"}
  - id: "cn"
    currency: "CNY"
    capital: "100000"
    max_orders_per_day: 5
    universe:
      - {symbol: "cn:600000"}
    modules:
      - name: "sma_cross"
`

func TestLoad(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage / server / logging --
	if cfg.Storage.SQLitePath != "/tmp/quantfolio/quantfolio.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
	if got := cfg.Server.GRPCAddr(); got != "0.0.0.0:9090" {
		t.Errorf("GRPCAddr() = %q, want %q", got, "0.0.0.0:9090")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Alpaca.Feed != "iex" {
		t.Errorf("Alpaca.Feed = %q, want default %q", cfg.Alpaca.Feed, "iex")
	}

	// -- Trading --
	m := cfg.Trading.ModelConfig()
	if m.SettlementDays != 2 || !m.CommissionPerShare.Equal(decimal.RequireFromString("0.005")) || !m.Leverage.Equal(decimal.NewFromInt(2)) {
		t.Errorf("ModelConfig() = %+v", m)
	}
	status, poll, sync := cfg.Trading.Durations()
	if status != 2*time.Second || poll != time.Minute || sync != 0 {
		t.Errorf("Durations() = %v, %v, %v", status, poll, sync)
	}
	if !cfg.Trading.Cash().Equal(decimal.NewFromInt(100000)) {
		t.Errorf("Cash() = %s, want default 100000", cfg.Trading.Cash())
	}
	if r := cfg.Converter().Rate(domain.USD, domain.CNY); r.IsZero() {
		t.Error("Converter() has no USD/CNY rate")
	}

	// -- Funds --
	if len(cfg.Funds) != 2 {
		t.Fatalf("len(Funds) = %d, want 2", len(cfg.Funds))
	}
	f, err := cfg.Funds[0].ToFund()
	if err != nil {
		t.Fatalf("ToFund: %v", err)
	}
	msft := domain.Security{Ticker: "MSFT", Market: domain.MarketUS, Currency: domain.USD}
	if f.Currency != domain.USD || f.MaxOrdersPerDay != 20 || f.BackfillDays != 30 {
		t.Errorf("fund = %+v", f)
	}
	if w := f.Universe.Weight(msft); !w.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("MSFT weight = %s, want 0.4", w)
	}
	if f.Benchmark.Ticker != "SPY" {
		t.Errorf("Benchmark = %v, want SPY", f.Benchmark)
	}
	if len(f.Modules) != 2 || f.Modules[0].Name != "sma_cross" || f.Modules[1].Parameters["fraction"] != "0.5" {
		t.Errorf("Modules = %+v", f.Modules)
	}
	if !cfg.Funds[0].AutoStart {
		t.Error("AutoStart = false, want true")
	}

	cn, err := cfg.Funds[1].ToFund()
	if err != nil {
		t.Fatalf("ToFund(cn): %v", err)
	}
	sec := domain.Security{Ticker: "600000", Market: domain.MarketCN, Currency: domain.CNY}
	if !cn.Universe.Contains(sec) || cn.Name != "cn" || cn.MaxOrdersPerDay != 5 {
		t.Errorf("cn fund = %+v", cn)
	}
	if w := cn.Universe.Weight(sec); !w.Equal(decimal.NewFromInt(1)) {
		t.Errorf("default weight = %s, want 1", w)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)
	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("QUANTFOLIO_PAPER", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Storage.SQLitePath != "/env/data/quantfolio.db" {
		t.Errorf("Storage.SQLitePath = %q, want default under DATA_DIR", cfg.Storage.SQLitePath)
	}
	if cfg.Logging.Level != "warn" || !cfg.Trading.PaperMode {
		t.Errorf("Logging.Level = %q, PaperMode = %v", cfg.Logging.Level, cfg.Trading.PaperMode)
	}

	t.Setenv("APCA_API_KEY_ID", "apca-key")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "apca-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (APCA precedence)", cfg.Alpaca.APIKey, "apca-key")
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"live without credentials", "trading: {paper_mode: false}", "credentials"},
		{"bad interval", "trading: {paper_mode: true, status_interval: soon}", "status_interval"},
		{"bad cash", "trading: {paper_mode: true, simulated_cash: lots}", "simulated_cash"},
		{"bad rate", "trading: {paper_mode: true}\ncurrencies: [{from: EUR, to: USD, rate: \"-1\"}]", "currencies[0]"},
		{"duplicate fund", `
trading: {paper_mode: true}
funds:
  - {id: a, capital: "1", universe: [{symbol: AAPL}], modules: [{name: m}]}
  - {id: a, capital: "1", universe: [{symbol: AAPL}], modules: [{name: m}]}`, "duplicate id"},
		{"no capital", `
trading: {paper_mode: true}
funds:
  - {id: a, universe: [{symbol: AAPL}], modules: [{name: m}]}`, "capital"},
		{"no modules", `
trading: {paper_mode: true}
funds:
  - {id: a, capital: "1", universe: [{symbol: AAPL}]}`, "module"},
		{"unknown market", `
trading: {paper_mode: true}
funds:
  - {id: a, capital: "1", universe: [{symbol: "xx:ABC"}], modules: [{name: m}]}`, "unknown market"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestTradingAccessorsUnvalidated(t *testing.T) {
	tc := TradingConfig{
		SimulatedCash:  "lots",
		Leverage:       "2",
		SlippageBps:    "x",
		StatusInterval: "soon",
		PollInterval:   "30s",
	}
	if err := (&Config{Trading: tc}).Validate(); err == nil {
		t.Fatal("Validate() = nil, want errors for the unparsable values")
	}
	if got := tc.Cash(); !got.IsZero() {
		t.Errorf("Cash() = %s, want 0", got)
	}
	m := tc.ModelConfig()
	if !m.Leverage.Equal(decimal.NewFromInt(2)) || !m.SlippageBps.IsZero() {
		t.Errorf("ModelConfig() leverage %s slippage %s, want 2 and 0", m.Leverage, m.SlippageBps)
	}
	status, poll, _ := tc.Durations()
	if status != 0 || poll != 30*time.Second {
		t.Errorf("Durations() = %v, %v, want 0, 30s", status, poll)
	}
}

func TestParseSecurity(t *testing.T) {
	tests := []struct {
		symbol, currency string
		want             domain.Security
	}{
		{"aapl", "", domain.Security{Ticker: "AAPL", Market: domain.MarketUS, Currency: domain.USD}},
		{"US:spy", "", domain.Security{Ticker: "SPY", Market: domain.MarketUS, Currency: domain.USD}},
		{"cn:600000", "", domain.Security{Ticker: "600000", Market: domain.MarketCN, Currency: domain.CNY}},
		{"cn:600000", "usd", domain.Security{Ticker: "600000", Market: domain.MarketCN, Currency: domain.USD}},
	}
	for _, tt := range tests {
		got, err := ParseSecurity(tt.symbol, tt.currency)
		if err != nil || got != tt.want {
			t.Errorf("ParseSecurity(%q, %q) = %v, %v, want %v", tt.symbol, tt.currency, got, err, tt.want)
		}
	}
	if _, err := ParseSecurity("us:", ""); err == nil {
		t.Error("ParseSecurity(\"us:\") succeeded")
	}
}
