package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"arbterm/internal/og"
	"arbterm/internal/risk"
	"arbterm/internal/schema"
	"arbterm/internal/store"
	"arbterm/internal/supervisor"
	"arbterm/internal/venue/sim"
	"arbterm/internal/venue/terminal"
	"arbterm/pkg/conn"
)

const envPrefix = "ARBTERM_"

const (
	VenueTerminal = "terminal"
	VenueSim      = "sim"
)

// FileConfig mirrors the config file layout.
type FileConfig struct {
	Terminal   TerminalConfig   `yaml:"terminal" json:"terminal"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Engine     EngineConfig     `yaml:"engine" json:"engine"`
	Risk       RiskConfig       `yaml:"risk" json:"risk"`
	Registry   RegistryConfig   `yaml:"registry" json:"registry"`
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Profiling  ProfilingConfig  `yaml:"profiling" json:"profiling"`
	Positions  []PositionConfig `yaml:"positions" json:"positions"`
}

// TerminalConfig selects the venue session. Mode "sim" runs the in-process
// simulated venue instead of a terminal.
type TerminalConfig struct {
	Mode           string        `yaml:"mode" json:"mode"`
	Host           string        `yaml:"host" json:"host"`
	RequestsPort   int           `yaml:"requests_port" json:"requestsPort"`
	CallbacksPort  int           `yaml:"callbacks_port" json:"callbacksPort"`
	RequestsURL    string        `yaml:"requests_url" json:"requestsUrl"`
	CallbacksURL   string        `yaml:"callbacks_url" json:"callbacksUrl"`
	DialTimeout    Duration      `yaml:"dial_timeout" json:"dialTimeout"`
	RequestTimeout Duration      `yaml:"request_timeout" json:"requestTimeout"`
	Backoff        BackoffConfig `yaml:"backoff" json:"backoff"`
	Sim            SimConfig     `yaml:"sim" json:"sim"`
}

// BackoffConfig spaces reconnect attempts.
type BackoffConfig struct {
	Min    Duration `yaml:"min" json:"min"`
	Max    Duration `yaml:"max" json:"max"`
	Factor float64  `yaml:"factor" json:"factor"`
	Jitter float64  `yaml:"jitter" json:"jitter"`
}

// SimConfig drives the simulated venue.
type SimConfig struct {
	AutoFillMarket bool             `yaml:"auto_fill_market" json:"autoFillMarket"`
	MatchLimits    bool             `yaml:"match_limits" json:"matchLimits"`
	ReplyOrderNum  bool             `yaml:"reply_order_num" json:"replyOrderNum"`
	WalkInterval   Duration         `yaml:"walk_interval" json:"walkInterval"`
	WalkStep       Decimal          `yaml:"walk_step" json:"walkStep"`
	WalkSpread     Decimal          `yaml:"walk_spread" json:"walkSpread"`
	Seed           int64            `yaml:"seed" json:"seed"`
	Quotes         []SimQuoteConfig `yaml:"quotes" json:"quotes"`
}

// SimQuoteConfig seeds the simulated book of an instrument.
type SimQuoteConfig struct {
	Alias string  `yaml:"alias" json:"alias"`
	Bid   Decimal `yaml:"bid" json:"bid"`
	Ask   Decimal `yaml:"ask" json:"ask"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver          string   `yaml:"driver" json:"driver"`
	SQLitePath      string   `yaml:"sqlite_path" json:"sqlitePath"`
	DSN             string   `yaml:"dsn" json:"dsn"`
	Host            string   `yaml:"host" json:"host"`
	Port            int      `yaml:"port" json:"port"`
	User            string   `yaml:"user" json:"user"`
	Password        string   `yaml:"password" json:"password"`
	Database        string   `yaml:"database" json:"database"`
	SSLMode         string   `yaml:"ssl_mode" json:"sslMode"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"connMaxLifetime"`
}

// EngineConfig tunes the execution loop and the order engine.
type EngineConfig struct {
	LoopCapacity   int      `yaml:"loop_capacity" json:"loopCapacity"`
	QuoteQueueSize int      `yaml:"quote_queue_size" json:"quoteQueueSize"`
	SettleDelay    Duration `yaml:"settle_delay" json:"settleDelay"`
	TradeDedupTTL  Duration `yaml:"trade_dedup_ttl" json:"tradeDedupTtl"`
	PersistTimeout Duration `yaml:"persist_timeout" json:"persistTimeout"`
}

// RiskConfig holds the pre-trade limits. Zero disables a limit.
type RiskConfig struct {
	KillSwitch           bool     `yaml:"kill_switch" json:"killSwitch"`
	MaxOrderQty          int64    `yaml:"max_order_qty" json:"maxOrderQty"`
	MaxOrderNotional     Decimal  `yaml:"max_order_notional" json:"maxOrderNotional"`
	MaxPosition          int64    `yaml:"max_position" json:"maxPosition"`
	OrderRateLimit       int      `yaml:"order_rate_limit" json:"orderRateLimit"`
	OrderRateWindow      Duration `yaml:"order_rate_window" json:"orderRateWindow"`
	MaxPriceDeviationBps int64    `yaml:"max_price_deviation_bps" json:"maxPriceDeviationBps"`
}

// RegistryConfig lists tradable instruments and segment amend rules.
type RegistryConfig struct {
	Instruments     []InstrumentConfig `yaml:"instruments" json:"instruments"`
	NoAmendPrefixes []string           `yaml:"no_amend_prefixes" json:"noAmendPrefixes"`
	Segments        []SegmentConfig    `yaml:"segments" json:"segments"`
}

// InstrumentConfig registers one alias.
type InstrumentConfig struct {
	Alias     string `yaml:"alias" json:"alias"`
	ClassCode string `yaml:"class_code" json:"classCode"`
	SecCode   string `yaml:"sec_code" json:"secCode"`
	LotSize   int64  `yaml:"lot_size" json:"lotSize"`
}

// SegmentConfig overrides the amend rule of one class code.
type SegmentConfig struct {
	ClassCode string `yaml:"class_code" json:"classCode"`
	Amend     bool   `yaml:"amend" json:"amend"`
}

// SupervisorConfig tunes strategy supervision.
type SupervisorConfig struct {
	RestartDelay   Duration `yaml:"restart_delay" json:"restartDelay"`
	PersistTimeout Duration `yaml:"persist_timeout" json:"persistTimeout"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	Path   string `yaml:"path" json:"path"`
}

// ProfilingConfig enables continuous profiling.
type ProfilingConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	ServerAddress   string `yaml:"server_address" json:"serverAddress"`
	ApplicationName string `yaml:"application_name" json:"applicationName"`
}

// PositionConfig declares a multi-leg position tracked from start.
type PositionConfig struct {
	ID        string      `yaml:"id" json:"id"`
	Name      string      `yaml:"name" json:"name"`
	TargetQty int64       `yaml:"target_qty" json:"targetQty"`
	Legs      []LegConfig `yaml:"legs" json:"legs"`
}

// LegConfig is one leg of a configured position.
type LegConfig struct {
	Alias      string  `yaml:"alias" json:"alias"`
	QtyRatio   Decimal `yaml:"qty_ratio" json:"qtyRatio"`
	PriceRatio Decimal `yaml:"price_ratio" json:"priceRatio"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Venue          string
	Terminal       terminal.Config
	Sim            sim.Config
	SimQuotes      []schema.Quote
	Store          store.Config
	LoopCapacity   int
	QuoteQueueSize int
	Engine         og.Config
	Risk           risk.Config
	Registry       *schema.Registry
	Supervisor     supervisor.Config
	Metrics        MetricsConfig
	Profiling      ProfilingConfig
	Positions      []schema.Position
}

// Load reads a YAML or JSON config file, applies .env and ARBTERM_*
// environment overrides and resolves it. An empty path yields the paper
// trading defaults.
func Load(path string) (Loaded, error) {
	_ = godotenv.Load()

	var cfg FileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, err
		}
		if err := decode(path, data, &cfg); err != nil {
			return Loaded{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return Resolve(cfg)
}

func decode(path string, data []byte, cfg *FileConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return sonic.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// applyEnvOverrides lets deployment secrets and switches live outside the
// config file.
func applyEnvOverrides(cfg *FileConfig) {
	if v := env("TERMINAL_MODE"); v != "" {
		cfg.Terminal.Mode = v
	}
	if v := env("TERMINAL_HOST"); v != "" {
		cfg.Terminal.Host = v
	}
	if v := env("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := env("STORE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := env("STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := env("STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := env("METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := env("PROFILING_SERVER"); v != "" {
		cfg.Profiling.ServerAddress = v
	}
	if v, err := strconv.ParseBool(env("PROFILING_ENABLED")); err == nil {
		cfg.Profiling.Enabled = v
	}
	if v, err := strconv.ParseBool(env("RISK_KILL_SWITCH")); err == nil {
		cfg.Risk.KillSwitch = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

// Resolve validates cfg and builds the runtime configuration.
func Resolve(cfg FileConfig) (Loaded, error) {
	registry, err := buildRegistry(cfg.Registry)
	if err != nil {
		return Loaded{}, err
	}

	mode := strings.ToLower(cfg.Terminal.Mode)
	switch mode {
	case "":
		mode = VenueSim
	case VenueSim, VenueTerminal:
	default:
		return Loaded{}, fmt.Errorf("terminal mode is unknown: %q", cfg.Terminal.Mode)
	}

	quotes, err := resolveSimQuotes(cfg.Terminal.Sim.Quotes, registry)
	if err != nil {
		return Loaded{}, err
	}
	positions, err := resolvePositions(cfg.Positions, registry)
	if err != nil {
		return Loaded{}, err
	}

	return Loaded{
		Venue:          mode,
		Terminal:       resolveTerminal(cfg.Terminal),
		Sim:            resolveSim(cfg.Terminal.Sim, cfg.Registry.NoAmendPrefixes),
		SimQuotes:      quotes,
		Store:          resolveStore(cfg.Store),
		LoopCapacity:   cfg.Engine.LoopCapacity,
		QuoteQueueSize: cfg.Engine.QuoteQueueSize,
		Engine:         resolveEngine(cfg.Engine),
		Risk:           resolveRisk(cfg.Risk),
		Registry:       registry,
		Supervisor: supervisor.Config{
			RestartDelay:   cfg.Supervisor.RestartDelay.Std(),
			PersistTimeout: cfg.Supervisor.PersistTimeout.Std(),
		},
		Metrics:   cfg.Metrics,
		Profiling: resolveProfiling(cfg.Profiling),
		Positions: positions,
	}, nil
}

func buildRegistry(cfg RegistryConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, ins := range cfg.Instruments {
		if err := reg.AddInstrument(ins.Alias, schema.Instrument{ClassCode: ins.ClassCode, SecCode: ins.SecCode}, ins.LotSize); err != nil {
			return nil, err
		}
	}
	if cfg.NoAmendPrefixes != nil {
		reg.SetNoAmendPrefixes(cfg.NoAmendPrefixes)
	}
	for _, seg := range cfg.Segments {
		if seg.ClassCode == "" {
			return nil, fmt.Errorf("segment class code is empty")
		}
		reg.SetSegmentAmend(seg.ClassCode, seg.Amend)
	}
	return reg, nil
}

func resolveTerminal(cfg TerminalConfig) terminal.Config {
	out := terminal.DefaultConfig()
	if cfg.Host != "" {
		out.Host = cfg.Host
	}
	if cfg.RequestsPort > 0 {
		out.RequestsPort = cfg.RequestsPort
	}
	if cfg.CallbacksPort > 0 {
		out.CallbacksPort = cfg.CallbacksPort
	}
	out.RequestsURL = cfg.RequestsURL
	out.CallbacksURL = cfg.CallbacksURL
	if cfg.DialTimeout > 0 {
		out.DialTimeout = cfg.DialTimeout.Std()
	}
	if cfg.RequestTimeout > 0 {
		out.RequestTimeout = cfg.RequestTimeout.Std()
	}
	if cfg.Backoff.Min > 0 {
		out.Backoff.Min = cfg.Backoff.Min.Std()
	}
	if cfg.Backoff.Max > 0 {
		out.Backoff.Max = cfg.Backoff.Max.Std()
	}
	if cfg.Backoff.Factor > 0 {
		out.Backoff.Factor = cfg.Backoff.Factor
	}
	if cfg.Backoff.Jitter > 0 {
		out.Backoff.Jitter = cfg.Backoff.Jitter
	}
	return out
}

func resolveSim(cfg SimConfig, noAmend []string) sim.Config {
	out := sim.Config{
		NoAmendPrefixes: noAmend,
		AutoFillMarket:  cfg.AutoFillMarket,
		MatchLimits:     cfg.MatchLimits,
		ReplyOrderNum:   cfg.ReplyOrderNum,
	}
	if cfg.WalkInterval > 0 {
		out.Walk = &sim.WalkConfig{
			Interval: cfg.WalkInterval.Std(),
			Step:     cfg.WalkStep.Decimal,
			Spread:   cfg.WalkSpread.Decimal,
			Seed:     cfg.Seed,
		}
	}
	return out
}

func resolveSimQuotes(cfg []SimQuoteConfig, reg *schema.Registry) ([]schema.Quote, error) {
	out := make([]schema.Quote, 0, len(cfg))
	for _, q := range cfg {
		info, ok := reg.ByAlias(q.Alias)
		if !ok {
			return nil, fmt.Errorf("sim quote alias not registered: %s", q.Alias)
		}
		if !q.Bid.IsPositive() || q.Ask.LessThan(q.Bid.Decimal) {
			return nil, fmt.Errorf("sim quote of %s needs 0 < bid <= ask", q.Alias)
		}
		out = append(out, schema.Quote{Instrument: info.Instrument, Bid: q.Bid.Decimal, Ask: q.Ask.Decimal})
	}
	return out, nil
}

func resolveStore(cfg StoreConfig) store.Config {
	return store.Config{
		Driver:     cfg.Driver,
		SQLitePath: cfg.SQLitePath,
		Postgres: conn.Option{
			Host:            cfg.Host,
			Port:            cfg.Port,
			User:            cfg.User,
			Password:        cfg.Password,
			Database:        cfg.Database,
			SSLMode:         cfg.SSLMode,
			ConnString:      cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		},
	}
}

func resolveEngine(cfg EngineConfig) og.Config {
	out := og.DefaultConfig()
	if cfg.SettleDelay > 0 {
		out.SettleDelay = cfg.SettleDelay.Std()
	}
	if cfg.TradeDedupTTL > 0 {
		out.TradeDedupTTL = cfg.TradeDedupTTL.Std()
	}
	if cfg.PersistTimeout > 0 {
		out.PersistTimeout = cfg.PersistTimeout.Std()
	}
	return out
}

func resolveRisk(cfg RiskConfig) risk.Config {
	return risk.Config{
		KillSwitch:           cfg.KillSwitch,
		MaxOrderQty:          cfg.MaxOrderQty,
		MaxOrderNotional:     cfg.MaxOrderNotional.Decimal,
		MaxPosition:          cfg.MaxPosition,
		OrderRateLimit:       cfg.OrderRateLimit,
		OrderRateWindow:      cfg.OrderRateWindow.Std(),
		MaxPriceDeviationBps: cfg.MaxPriceDeviationBps,
	}
}

func resolveProfiling(cfg ProfilingConfig) ProfilingConfig {
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = "arbterm"
	}
	return cfg
}

func resolvePositions(cfg []PositionConfig, reg *schema.Registry) ([]schema.Position, error) {
	out := make([]schema.Position, 0, len(cfg))
	for _, p := range cfg {
		if p.ID == "" {
			return nil, fmt.Errorf("position id is empty")
		}
		if len(p.Legs) == 0 {
			return nil, fmt.Errorf("position %s has no legs", p.ID)
		}
		pos := schema.Position{ID: p.ID, Name: p.Name, TargetQty: p.TargetQty, PnL: decimal.Zero}
		for _, leg := range p.Legs {
			info, ok := reg.ByAlias(leg.Alias)
			if !ok {
				return nil, fmt.Errorf("position %s leg alias not registered: %s", p.ID, leg.Alias)
			}
			pos.Legs = append(pos.Legs, schema.Leg{
				Alias:      leg.Alias,
				Instrument: info.Instrument,
				QtyRatio:   leg.QtyRatio.Decimal,
				PriceRatio: leg.PriceRatio.Decimal,
			})
		}
		out = append(out, pos)
	}
	return out, nil
}
