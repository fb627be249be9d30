package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"hodl_index/internal/models"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultLocation is used when no timezone is configured.
const DefaultLocation = "Europe/Berlin"

var executionTimeRe = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

// Config is the full runtime configuration. It is loaded once at startup and
// never mutated afterwards.
type Config struct {
	Environment  string          `yaml:"environment" default:"production"`
	TestMode     bool            `yaml:"test_mode" default:"true"`
	Timezone     string          `yaml:"timezone" default:"Europe/Berlin"`
	Exchange     ExchangeConfig  `yaml:"exchange"`
	BaseCurrency string          `yaml:"base_currency" default:"USD" validate:"oneof=USD EUR"`
	BaseSymbol   string          `yaml:"base_symbol" default:"usd" validate:"oneof=busd usdc usdt usd eur"`
	Portfolio    PortfolioConfig `yaml:"portfolio"`
	SavingsPlans []SavingsPlan   `yaml:"savings_plans" validate:"required,min=1,dive"`
	Scheduler    SchedulerConfig `yaml:"scheduler"`
	Executor     ExecutorConfig  `yaml:"executor"`
	MarketData   MarketData      `yaml:"market_data"`
	Storage      StorageConfig   `yaml:"storage"`
	Dashboard    DashboardConfig `yaml:"dashboard"`
	Redis        RedisConfig     `yaml:"redis"`
	Log          LogConfig       `yaml:"log"`

	// Resolved at load time.
	Location *time.Location `yaml:"-"`
	Secrets  Secrets        `yaml:"-"`
	Version  string         `yaml:"-"`
}

type ExchangeConfig struct {
	Name    string `yaml:"name" default:"alpaca" validate:"oneof=alpaca paper"`
	BaseURL string `yaml:"base_url"`
	// PaperQuoteBalance seeds the paper exchange's cash balance.
	PaperQuoteBalance float64 `yaml:"paper_quote_balance" default:"10000" validate:"gte=0"`
}

type PortfolioConfig struct {
	ID                 string             `yaml:"id" default:"main" validate:"required"`
	Mode               string             `yaml:"mode" default:"cherry_pick" validate:"oneof=cherry_pick index"`
	Weighting          string             `yaml:"weighting" default:"sqrt_market_cap"`
	CherryPick         []string           `yaml:"cherry_pick"`
	CustomWeights      map[string]float64 `yaml:"custom_weights"`
	IndexTopN          int                `yaml:"index_top_n" default:"10" validate:"gt=0,lte=100"`
	IndexExclude       []string           `yaml:"index_exclude"`
	RebalanceThreshold float64            `yaml:"rebalance_threshold" default:"5" validate:"gte=0"`
	MinOrderValue      float64            `yaml:"min_order_value" default:"1" validate:"gte=0"`
	QuotePrecision     int32              `yaml:"quote_precision" default:"2" validate:"gte=0,lte=8"`
	OnMissingData      string             `yaml:"on_missing_data" default:"exclude" validate:"oneof=exclude abort"`

	// Resolved at load time.
	ModeKind      models.PortfolioMode `yaml:"-"`
	WeightingKind models.WeightingKind `yaml:"-"`
}

// SavingsPlan is one recurring buy schedule.
type SavingsPlan struct {
	ID                   string  `yaml:"id" validate:"required"`
	Cost                 float64 `yaml:"cost" validate:"gt=0,lte=10000"`
	Interval             string  `yaml:"interval" default:"weekly"`
	Weekday              string  `yaml:"weekday"`
	Days                 []int   `yaml:"days"`
	EveryNDays           int     `yaml:"every_n_days"`
	StartDate            string  `yaml:"start_date"`
	ExecutionTime        string  `yaml:"execution_time" default:"12:00"`
	AutomaticExecution   bool    `yaml:"automatic_execution" default:"true"`
	RebalanceOnExecution bool    `yaml:"rebalance_on_execution"`

	// Resolved at load time.
	Schedule models.Interval `yaml:"-"`
	Hour     int             `yaml:"-"`
	Minute   int             `yaml:"-"`
	Anchor   time.Time       `yaml:"-"` // zero when start_date is unset
}

// UnmarshalYAML applies the field defaults before decoding, so an explicit
// `automatic_execution: false` survives.
func (p *SavingsPlan) UnmarshalYAML(value *yaml.Node) error {
	type plain SavingsPlan
	var raw plain
	if err := defaults.Set(&raw); err != nil {
		return err
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*p = SavingsPlan(raw)
	return nil
}

// Budget returns the plan cost as a decimal.
func (p SavingsPlan) Budget() decimal.Decimal {
	return decimal.NewFromFloat(p.Cost)
}

type SchedulerConfig struct {
	Tick            time.Duration `yaml:"tick" default:"60s"`
	Tolerance       time.Duration `yaml:"tolerance" default:"5m"`
	CatchUpMissed   bool          `yaml:"catch_up_missed"`
	ConfirmationTTL time.Duration `yaml:"confirmation_ttl" default:"1h"`
	LockTTL         time.Duration `yaml:"lock_ttl" default:"30m"`
	HeartbeatHours  int           `yaml:"heartbeat_hours" default:"24" validate:"gte=0"`
}

type ExecutorConfig struct {
	MaxRetries       int           `yaml:"max_retries" default:"3" validate:"gte=0,lte=20"`
	BackoffMin       time.Duration `yaml:"backoff_min" default:"1s"`
	BackoffMax       time.Duration `yaml:"backoff_max" default:"30s"`
	CallTimeout      time.Duration `yaml:"call_timeout" default:"15s"`
	FillPollInterval time.Duration `yaml:"fill_poll_interval" default:"1s"`
	FillPollAttempts int           `yaml:"fill_poll_attempts" default:"10" validate:"gte=1"`
}

type MarketData struct {
	CoinGeckoURL  string        `yaml:"coingecko_url" default:"https://api.coingecko.com/api/v3"`
	CacheTTL      time.Duration `yaml:"cache_ttl" default:"5m"`
	Timeout       time.Duration `yaml:"timeout" default:"10s"`
	RatePerMinute float64       `yaml:"rate_per_minute" default:"10" validate:"gt=0"`
}

type StorageConfig struct {
	StateFile  string `yaml:"state_file" default:"data/schedule_state.json"`
	JournalDir string `yaml:"journal_dir" default:"data/journal"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled" default:"true"`
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8050" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"2m"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host" default:"localhost"`
	Port    int    `yaml:"port" default:"6379"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix" default:"hodl_index"`
}

type LogConfig struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" default:"console" validate:"oneof=console json"`
	File       string `yaml:"file" default:"hodl_index.log"`
	MaxSizeMB  int64  `yaml:"max_size_mb" default:"10" validate:"gt=0"`
	MaxBackups int    `yaml:"max_backups" default:"3" validate:"gte=0"`
}

var validate = validator.New()

// Load reads the YAML file at path, applies defaults and environment
// overrides, loads secrets from the environment (and .env when present) and
// validates the result. Every returned error wraps models.ErrConfig.
func Load(path string) (*Config, error) {
	// Load .env variables into the process environment
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, using system environment variables")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config: %v", models.ErrConfig, err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}

	cfg.Secrets = LoadSecrets()
	if err := cfg.Secrets.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document without touching secrets.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", models.ErrConfig, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", models.ErrConfig, err)
	}
	applyEnvOverrides(&c)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field constraints and cross-field combinations and resolves
// the derived fields (location, interval variants, weighting kind).
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s' (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("%w: %s", models.ErrConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", models.ErrConfig, err)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("%w: timezone %q: %v", models.ErrConfig, c.Timezone, err)
	}
	c.Location = loc

	if err := c.Portfolio.resolve(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.SavingsPlans))
	for i := range c.SavingsPlans {
		p := &c.SavingsPlans[i]
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate savings plan id %q", models.ErrConfig, p.ID)
		}
		seen[p.ID] = true
		if err := p.resolve(loc); err != nil {
			return err
		}
	}

	for _, p := range c.SavingsPlans {
		if p.RebalanceOnExecution && c.Portfolio.MinOrderValue > c.Portfolio.RebalanceThreshold {
			return fmt.Errorf("%w: plan %s rebalances but portfolio.min_order_value (%g) exceeds portfolio.rebalance_threshold (%g)",
				models.ErrConfig, p.ID, c.Portfolio.MinOrderValue, c.Portfolio.RebalanceThreshold)
		}
	}

	if c.Scheduler.Tick <= 0 || c.Scheduler.Tolerance < c.Scheduler.Tick {
		return fmt.Errorf("%w: scheduler.tolerance (%s) must be at least one tick (%s)", models.ErrConfig, c.Scheduler.Tolerance, c.Scheduler.Tick)
	}
	if c.Executor.BackoffMin <= 0 || c.Executor.BackoffMax < c.Executor.BackoffMin {
		return fmt.Errorf("%w: executor backoff bounds invalid", models.ErrConfig)
	}
	return nil
}

func (pc *PortfolioConfig) resolve() error {
	pc.ModeKind = models.PortfolioMode(pc.Mode)

	kind, err := models.ParseWeightingKind(pc.Weighting)
	if err != nil {
		return err
	}
	pc.WeightingKind = kind

	for i, s := range pc.CherryPick {
		pc.CherryPick[i] = models.NormalizeSymbol(s)
	}
	for i, s := range pc.IndexExclude {
		pc.IndexExclude[i] = models.NormalizeSymbol(s)
	}

	if pc.ModeKind == models.ModeCherryPick && len(pc.CherryPick) == 0 {
		return fmt.Errorf("%w: portfolio.cherry_pick must list at least one symbol", models.ErrConfig)
	}

	if kind != models.WeightCustom {
		return nil
	}
	if pc.ModeKind != models.ModeCherryPick {
		return fmt.Errorf("%w: custom weighting requires cherry_pick mode", models.ErrConfig)
	}
	if len(pc.CustomWeights) == 0 {
		return fmt.Errorf("%w: custom weighting requires portfolio.custom_weights", models.ErrConfig)
	}

	picked := make(map[string]bool, len(pc.CherryPick))
	for _, s := range pc.CherryPick {
		picked[s] = true
	}
	normalized := make(map[string]float64, len(pc.CustomWeights))
	sum := 0.0
	for s, w := range pc.CustomWeights {
		sym := models.NormalizeSymbol(s)
		if !picked[sym] {
			return fmt.Errorf("%w: custom weight for %q which is not in cherry_pick", models.ErrConfig, sym)
		}
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: custom weight for %q must be positive", models.ErrConfig, sym)
		}
		normalized[sym] = w
		sum += w
	}
	// Weights are normalized later, but a sum far from 1 is almost always a typo.
	if math.Abs(sum-1) > 0.01 {
		return fmt.Errorf("%w: custom weights sum to %.4f, expected 1", models.ErrConfig, sum)
	}
	pc.CustomWeights = normalized
	return nil
}

func (p *SavingsPlan) resolve(loc *time.Location) error {
	if !executionTimeRe.MatchString(p.ExecutionTime) {
		return fmt.Errorf("%w: plan %s: execution_time %q is not HH:MM", models.ErrConfig, p.ID, p.ExecutionTime)
	}
	if _, err := fmt.Sscanf(p.ExecutionTime, "%d:%d", &p.Hour, &p.Minute); err != nil {
		return fmt.Errorf("%w: plan %s: execution_time: %v", models.ErrConfig, p.ID, err)
	}

	kind, err := models.ParseIntervalKind(p.Interval)
	if err != nil {
		return fmt.Errorf("plan %s: %w", p.ID, err)
	}
	iv := models.Interval{Kind: kind}

	if p.StartDate != "" {
		d, err := time.ParseInLocation("2006-01-02", p.StartDate, loc)
		if err != nil {
			return fmt.Errorf("%w: plan %s: start_date: %v", models.ErrConfig, p.ID, err)
		}
		p.Anchor = d
	}

	switch kind {
	case models.Weekly, models.Biweekly:
		iv.Weekday = time.Monday
		if !p.Anchor.IsZero() {
			iv.Weekday = p.Anchor.Weekday()
		}
		if p.Weekday != "" {
			wd, err := parseWeekday(p.Weekday)
			if err != nil {
				return fmt.Errorf("plan %s: %w", p.ID, err)
			}
			iv.Weekday = wd
		}
	case models.DaysOfMonth:
		days := append([]int(nil), p.Days...)
		sort.Ints(days)
		iv.Days = days
	case models.EveryNDays:
		iv.N = p.EveryNDays
	}
	if err := iv.Validate(); err != nil {
		return fmt.Errorf("plan %s: %w", p.ID, err)
	}
	p.Schedule = iv
	return nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", models.ErrConfig, s)
}

// Plan returns the savings plan with the given id.
func (c *Config) Plan(id string) (SavingsPlan, bool) {
	for _, p := range c.SavingsPlans {
		if p.ID == id {
			return p, true
		}
	}
	return SavingsPlan{}, false
}

// Markdown renders the non-secret configuration for the chat interface.
func (c *Config) Markdown() string {
	type view struct {
		Environment  string          `yaml:"environment"`
		TestMode     bool            `yaml:"test_mode"`
		Timezone     string          `yaml:"timezone"`
		Exchange     string          `yaml:"exchange"`
		BaseCurrency string          `yaml:"base_currency"`
		BaseSymbol   string          `yaml:"base_symbol"`
		Portfolio    PortfolioConfig `yaml:"portfolio"`
		SavingsPlans []SavingsPlan   `yaml:"savings_plans"`
	}
	out, err := yaml.Marshal(view{
		Environment:  c.Environment,
		TestMode:     c.TestMode,
		Timezone:     c.Timezone,
		Exchange:     c.Exchange.Name,
		BaseCurrency: c.BaseCurrency,
		BaseSymbol:   c.BaseSymbol,
		Portfolio:    c.Portfolio,
		SavingsPlans: c.SavingsPlans,
	})
	if err != nil {
		return fmt.Sprintf("config render failed: %v", err)
	}
	return "```\n" + string(out) + "```"
}
