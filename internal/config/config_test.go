package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hodl_index/internal/models"
)

const minimalYAML = `
portfolio:
  cherry_pick: [BTC, eth]
savings_plans:
  - id: weekly
    cost: 50
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Timezone != DefaultLocation {
		t.Errorf("Expected timezone %s, got %s", DefaultLocation, cfg.Timezone)
	}
	if cfg.Location == nil || cfg.Location.String() != DefaultLocation {
		t.Errorf("Expected resolved location %s, got %v", DefaultLocation, cfg.Location)
	}
	if cfg.Scheduler.Tick != 60*time.Second {
		t.Errorf("Expected tick 60s, got %s", cfg.Scheduler.Tick)
	}
	if cfg.Scheduler.Tolerance != 5*time.Minute {
		t.Errorf("Expected tolerance 5m, got %s", cfg.Scheduler.Tolerance)
	}
	if cfg.Scheduler.CatchUpMissed {
		t.Error("Expected catch_up_missed to default to false")
	}
	if cfg.Executor.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries 3, got %d", cfg.Executor.MaxRetries)
	}
	if cfg.Portfolio.WeightingKind != models.WeightSqrtMarketCap {
		t.Errorf("Expected sqrt_market_cap weighting, got %s", cfg.Portfolio.WeightingKind)
	}
	if got := cfg.Portfolio.CherryPick; got[0] != "btc" || got[1] != "eth" {
		t.Errorf("Expected normalized symbols, got %v", got)
	}

	p := cfg.SavingsPlans[0]
	if p.Schedule.Kind != models.Weekly || p.Schedule.Weekday != time.Monday {
		t.Errorf("Expected weekly on Monday, got %s", p.Schedule)
	}
	if p.Hour != 12 || p.Minute != 0 {
		t.Errorf("Expected 12:00, got %02d:%02d", p.Hour, p.Minute)
	}
	if !p.AutomaticExecution {
		t.Error("Expected automatic_execution to default to true")
	}
}

func TestParse_Intervals(t *testing.T) {
	doc := `
timezone: UTC
portfolio:
  cherry_pick: [btc]
savings_plans:
  - {id: a, cost: 10, interval: daily, execution_time: "08:15"}
  - {id: b, cost: 10, interval: biweekly, start_date: "2024-01-05"}
  - {id: c, cost: 10, interval: days, days: [15, 1]}
  - {id: d, cost: 10, interval: every_n_days, every_n_days: 3}
  - {id: e, cost: 10, interval: weekly, weekday: fri}
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	plans := cfg.SavingsPlans

	if plans[0].Schedule.Kind != models.Daily || plans[0].Hour != 8 || plans[0].Minute != 15 {
		t.Errorf("plan a: got %s at %02d:%02d", plans[0].Schedule, plans[0].Hour, plans[0].Minute)
	}
	// 2024-01-05 was a Friday.
	if plans[1].Schedule.Weekday != time.Friday {
		t.Errorf("plan b: expected weekday from start_date, got %s", plans[1].Schedule.Weekday)
	}
	if plans[1].Anchor.IsZero() {
		t.Error("plan b: expected anchor to be set")
	}
	if d := plans[2].Schedule.Days; len(d) != 2 || d[0] != 1 || d[1] != 15 {
		t.Errorf("plan c: expected sorted days [1 15], got %v", d)
	}
	if plans[3].Schedule.N != 3 {
		t.Errorf("plan d: expected N=3, got %d", plans[3].Schedule.N)
	}
	if plans[4].Schedule.Weekday != time.Friday {
		t.Errorf("plan e: expected Friday, got %s", plans[4].Schedule.Weekday)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"no plans": `
portfolio: {cherry_pick: [btc]}
`,
		"day out of range": `
portfolio: {cherry_pick: [btc]}
savings_plans: [{id: a, cost: 10, interval: days, days: [0, 32]}]
`,
		"every_n too small": `
portfolio: {cherry_pick: [btc]}
savings_plans: [{id: a, cost: 10, interval: every_n_days, every_n_days: 1}]
`,
		"bad execution time": `
portfolio: {cherry_pick: [btc]}
savings_plans: [{id: a, cost: 10, execution_time: "25:00"}]
`,
		"custom weights outside cherry pick": `
portfolio:
  cherry_pick: [btc]
  weighting: custom
  custom_weights: {btc: 0.5, doge: 0.5}
savings_plans: [{id: a, cost: 10}]
`,
		"custom weights do not sum to one": `
portfolio:
  cherry_pick: [btc, eth]
  weighting: custom
  custom_weights: {btc: 0.5, eth: 0.3}
savings_plans: [{id: a, cost: 10}]
`,
		"custom weighting in index mode": `
portfolio:
  mode: index
  weighting: custom
  custom_weights: {btc: 1}
savings_plans: [{id: a, cost: 10}]
`,
		"unknown weighting": `
portfolio: {cherry_pick: [btc], weighting: golden_ratio}
savings_plans: [{id: a, cost: 10}]
`,
		"duplicate plan id": `
portfolio: {cherry_pick: [btc]}
savings_plans: [{id: a, cost: 10}, {id: a, cost: 20}]
`,
		"min order above rebalance threshold": `
portfolio: {cherry_pick: [btc, eth], rebalance_threshold: 1, min_order_value: 5}
savings_plans: [{id: a, cost: 10, rebalance_on_execution: true}]
`,
		"zero cost": `
portfolio: {cherry_pick: [btc]}
savings_plans: [{id: a, cost: 0}]
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, models.ErrConfig) {
				t.Errorf("Expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestParse_MinOrderAboveThresholdWithoutRebalance(t *testing.T) {
	doc := `
portfolio: {cherry_pick: [btc, eth], rebalance_threshold: 1, min_order_value: 5}
savings_plans: [{id: a, cost: 10}]
`
	if _, err := Parse([]byte(doc)); err != nil {
		t.Fatalf("Savings-only plans ignore the threshold, got %v", err)
	}
}

func TestParse_CustomWeightsNormalized(t *testing.T) {
	doc := `
portfolio:
  cherry_pick: [BTC, ETH]
  weighting: custom
  custom_weights: {BTC: 0.6, ETH: 0.4}
savings_plans: [{id: a, cost: 10}]
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Portfolio.CustomWeights["btc"] != 0.6 || cfg.Portfolio.CustomWeights["eth"] != 0.4 {
		t.Errorf("Expected lower-cased weight keys, got %v", cfg.Portfolio.CustomWeights)
	}
}

func TestLoad_Secrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := minimalYAML + "\nexchange: {name: alpaca}\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("APCA_API_KEY_ID", "")
	t.Setenv("APCA_API_SECRET_KEY", "")
	if _, err := Load(path); !errors.Is(err, models.ErrConfig) {
		t.Fatalf("Expected ErrConfig for missing alpaca keys, got %v", err)
	}

	t.Setenv("APCA_API_KEY_ID", "test_key")
	t.Setenv("APCA_API_SECRET_KEY", "test_secret")
	t.Setenv("TELEGRAM_BOT_TOKEN", "test_token")
	t.Setenv("TELEGRAM_CHAT_ID", "123456")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Secrets.TelegramChatID != 123456 || !cfg.Secrets.TelegramEnabled() {
		t.Errorf("Expected telegram enabled for chat 123456, got %+v", cfg.Secrets.TelegramChatID)
	}
}

func TestLoad_ManualPlanNeedsTelegram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
exchange: {name: paper}
portfolio: {cherry_pick: [btc]}
savings_plans: [{id: a, cost: 10, automatic_execution: false}]
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "TELEGRAM_BOT_TOKEN") {
		t.Errorf("Expected missing telegram error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HODL_LOG_LEVEL", "debug")
	t.Setenv("HODL_TEST_MODE", "false")
	t.Setenv("HODL_MIN_ORDER_VALUE", "not-a-number")

	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.TestMode {
		t.Error("Expected test mode disabled by env")
	}
	if cfg.Portfolio.MinOrderValue != 1 {
		t.Errorf("Expected invalid override to keep default 1, got %f", cfg.Portfolio.MinOrderValue)
	}
}

func TestMask(t *testing.T) {
	if got := Mask("abc"); got != "***" {
		t.Errorf("Expected ***, got %s", got)
	}
	if got := Mask("supersecret1234"); got != "***1234" {
		t.Errorf("Expected ***1234, got %s", got)
	}
}
