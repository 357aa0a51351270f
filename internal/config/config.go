// Package config loads the quantfolio YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"quantfolio/internal/broker"
	"quantfolio/internal/cash"
	"quantfolio/internal/domain"
	"quantfolio/internal/fund"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the quantfolio runtime.
type Config struct {
	Storage    Storage        `yaml:"storage"`
	Server     Server         `yaml:"server"`
	Alpaca     Alpaca         `yaml:"alpaca"`
	Logging    Logging        `yaml:"logging"`
	Trading    TradingConfig  `yaml:"trading"`
	Currencies []CurrencyRate `yaml:"currencies"`
	Funds      []FundConfig   `yaml:"funds"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// GRPCAddr returns host:port for the gRPC listener.
func (s Server) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines account-wide execution parameters.
type TradingConfig struct {
	PaperMode          bool   `yaml:"paper_mode"`
	BaseCurrency       string `yaml:"base_currency"`
	SimulatedCash      string `yaml:"simulated_cash"`
	SettlementDays     int    `yaml:"settlement_days"`
	MaxOrdersPerDay    int    `yaml:"max_orders_per_day"`
	MaxDayTrades       int    `yaml:"max_day_trades"`
	Leverage           string `yaml:"leverage"`
	CommissionPerShare string `yaml:"commission_per_share"`
	MinCommission      string `yaml:"min_commission"`
	SlippageBps        string `yaml:"slippage_bps"`
	StatusInterval     string `yaml:"status_interval"`
	PollInterval       string `yaml:"poll_interval"`
	SyncInterval       string `yaml:"sync_interval"`
}

// CurrencyRate is a static conversion rate: one unit of From buys Rate units
// of To.
type CurrencyRate struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	Rate string `yaml:"rate"`
}

// FundConfig describes one fund.
type FundConfig struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	Currency        string         `yaml:"currency"`
	Capital         string         `yaml:"capital"`
	BackfillDays    int            `yaml:"backfill_days"`
	MaxOrdersPerDay int            `yaml:"max_orders_per_day"`
	Benchmark       string         `yaml:"benchmark"`
	AutoStart       bool           `yaml:"auto_start"`
	Universe        []UniverseItem `yaml:"universe"`
	Modules         []ModuleConfig `yaml:"modules"`
}

// UniverseItem is one security of a fund universe. Symbols are written
// "AAPL" (US market) or "cn:600000".
type UniverseItem struct {
	Symbol   string `yaml:"symbol"`
	Currency string `yaml:"currency"`
	Weight   string `yaml:"weight"`
}

// ModuleConfig selects a strategy module and its parameters. Order matters:
// modules are attached to the fund in the listed order.
type ModuleConfig struct {
	Name       string            `yaml:"name"`
	Parameters map[string]string `yaml:"parameters"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_FEED"); v != "" {
		cfg.Alpaca.Feed = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QUANTFOLIO_PAPER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trading.PaperMode = b
		}
	}

	// Standard Alpaca env vars take precedence; they are the names the SDK
	// itself reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = cfg.Storage.DataDir + "/quantfolio.db"
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 50051
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Trading.BaseCurrency == "" {
		cfg.Trading.BaseCurrency = string(domain.USD)
	}
	if cfg.Trading.SettlementDays == 0 {
		cfg.Trading.SettlementDays = 1
	}
	if cfg.Trading.SimulatedCash == "" {
		cfg.Trading.SimulatedCash = "100000"
	}
	for i := range cfg.Funds {
		if cfg.Funds[i].Currency == "" {
			cfg.Funds[i].Currency = cfg.Trading.BaseCurrency
		}
		if cfg.Funds[i].Name == "" {
			cfg.Funds[i].Name = cfg.Funds[i].ID
		}
		if cfg.Funds[i].MaxOrdersPerDay == 0 {
			cfg.Funds[i].MaxOrdersPerDay = cfg.Trading.MaxOrdersPerDay
		}
	}
}

// ---------------------------------------------------------------------------
// Validation and conversion
// ---------------------------------------------------------------------------

// Validate reports every configuration problem it finds.
func (c *Config) Validate() error {
	var errs []error
	if !c.Trading.PaperMode && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		errs = append(errs, errors.New("alpaca credentials are required outside paper mode"))
	}
	for _, d := range []struct{ name, value string }{
		{"trading.status_interval", c.Trading.StatusInterval},
		{"trading.poll_interval", c.Trading.PollInterval},
		{"trading.sync_interval", c.Trading.SyncInterval},
	} {
		if _, err := parseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	for _, d := range []struct{ name, value string }{
		{"trading.simulated_cash", c.Trading.SimulatedCash},
		{"trading.leverage", c.Trading.Leverage},
		{"trading.commission_per_share", c.Trading.CommissionPerShare},
		{"trading.min_commission", c.Trading.MinCommission},
		{"trading.slippage_bps", c.Trading.SlippageBps},
	} {
		if _, err := parseDecimal(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	for i, r := range c.Currencies {
		if v, err := parseDecimal(r.Rate); err != nil || !v.IsPositive() {
			errs = append(errs, fmt.Errorf("currencies[%d]: rate %q must be a positive number", i, r.Rate))
		}
	}

	seen := make(map[string]bool)
	for i, f := range c.Funds {
		if f.ID == "" {
			errs = append(errs, fmt.Errorf("funds[%d]: id is required", i))
			continue
		}
		if seen[f.ID] {
			errs = append(errs, fmt.Errorf("funds[%d]: duplicate id %q", i, f.ID))
		}
		seen[f.ID] = true
		if _, err := f.ToFund(); err != nil {
			errs = append(errs, fmt.Errorf("funds[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ToFund converts the fund section into a fund.Config.
func (f FundConfig) ToFund() (fund.Config, error) {
	capital, err := decimal.NewFromString(f.Capital)
	if err != nil || !capital.IsPositive() {
		return fund.Config{}, fmt.Errorf("fund %s: capital %q must be a positive number", f.ID, f.Capital)
	}
	if len(f.Modules) == 0 {
		return fund.Config{}, fmt.Errorf("fund %s: at least one module is required", f.ID)
	}
	if len(f.Universe) == 0 {
		return fund.Config{}, fmt.Errorf("fund %s: universe is empty", f.ID)
	}
	if f.BackfillDays < 0 {
		return fund.Config{}, fmt.Errorf("fund %s: backfill_days must not be negative", f.ID)
	}

	out := fund.Config{
		ID:              f.ID,
		Name:            f.Name,
		Currency:        domain.Currency(strings.ToUpper(f.Currency)),
		Capital:         capital,
		Universe:        make(domain.Universe, len(f.Universe)),
		BackfillDays:    f.BackfillDays,
		MaxOrdersPerDay: f.MaxOrdersPerDay,
	}
	for _, item := range f.Universe {
		sec, err := ParseSecurity(item.Symbol, item.Currency)
		if err != nil {
			return fund.Config{}, fmt.Errorf("fund %s: %w", f.ID, err)
		}
		weight := decimal.NewFromInt(1)
		if item.Weight != "" {
			if weight, err = decimal.NewFromString(item.Weight); err != nil || weight.IsNegative() {
				return fund.Config{}, fmt.Errorf("fund %s: weight %q of %s is invalid", f.ID, item.Weight, item.Symbol)
			}
		}
		out.Universe[sec] = weight
	}
	if f.Benchmark != "" {
		sec, err := ParseSecurity(f.Benchmark, "")
		if err != nil {
			return fund.Config{}, fmt.Errorf("fund %s: benchmark: %w", f.ID, err)
		}
		out.Benchmark = sec
	}
	for _, m := range f.Modules {
		if m.Name == "" {
			return fund.Config{}, fmt.Errorf("fund %s: module without name", f.ID)
		}
		out.Modules = append(out.Modules, fund.ModuleConfig{Name: m.Name, Parameters: m.Parameters})
	}
	return out, nil
}

// ParseSecurity parses "AAPL" or "market:TICKER". An empty currency defaults
// to the market's trading currency.
func ParseSecurity(symbol, currency string) (domain.Security, error) {
	market, ticker := domain.MarketUS, symbol
	if m, t, ok := strings.Cut(symbol, ":"); ok {
		market, ticker = domain.Market(strings.ToLower(m)), t
	}
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return domain.Security{}, fmt.Errorf("empty symbol %q", symbol)
	}

	cur := domain.Currency(strings.ToUpper(currency))
	if cur == "" {
		switch market {
		case domain.MarketUS:
			cur = domain.USD
		case domain.MarketCN:
			cur = domain.CNY
		default:
			return domain.Security{}, fmt.Errorf("unknown market %q in %q", market, symbol)
		}
	}
	return domain.Security{Ticker: ticker, Market: market, Currency: cur}, nil
}

// Converter builds the static currency converter from the currencies
// section.
func (c *Config) Converter() *cash.StaticConverter {
	conv := cash.NewStaticConverter()
	for _, r := range c.Currencies {
		rate, err := decimal.NewFromString(r.Rate)
		if err != nil {
			continue
		}
		conv.SetRate(domain.Currency(strings.ToUpper(r.From)), domain.Currency(strings.ToUpper(r.To)), rate)
	}
	return conv
}

// ModelConfig returns the broker model parameters of the trading section.
// It assumes a config that passed Validate, which Load runs; a value that
// does not parse reads as zero.
func (t TradingConfig) ModelConfig() broker.ModelConfig {
	m := broker.ModelConfig{
		SettlementDays: t.SettlementDays,
		MaxDayTrades:   t.MaxDayTrades,
	}
	m.Leverage, _ = parseDecimal(t.Leverage)
	m.CommissionPerShare, _ = parseDecimal(t.CommissionPerShare)
	m.MinCommission, _ = parseDecimal(t.MinCommission)
	m.SlippageBps, _ = parseDecimal(t.SlippageBps)
	return m
}

// Durations returns the status, poll and sync intervals. Unset values are
// zero, as are invalid ones on a config that skipped Validate.
func (t TradingConfig) Durations() (status, poll, sync time.Duration) {
	status, _ = parseDuration(t.StatusInterval)
	poll, _ = parseDuration(t.PollInterval)
	sync, _ = parseDuration(t.SyncInterval)
	return status, poll, sync
}

// Cash returns the starting balance of the simulated account, or zero when
// simulated_cash does not parse. Validate reports that case.
func (t TradingConfig) Cash() decimal.Decimal {
	v, _ := parseDecimal(t.SimulatedCash)
	return v
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
