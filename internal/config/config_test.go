package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Strategy
	if cfg.Server.Port != 9090 || s.TicksPerPeriod != 1200 || s.MaxUsage != 0.8 || s.RetryAttempts != 5 {
		t.Fatalf("defaults not applied: port=%d strategy=%+v", cfg.Server.Port, s)
	}
	if s.SleepTime != 100*time.Millisecond || s.PortfolioCurrency != "CAD" {
		t.Fatalf("sleep=%v currency=%s", s.SleepTime, s.PortfolioCurrency)
	}
	if s.Basket.ETF != "JOY_C" || s.Basket.Weights["SAD"] != 1 || len(s.Basket.Weights) != 4 {
		t.Fatalf("basket=%+v", s.Basket)
	}
	p, ok := s.Tender("joy_u")
	if !ok || p.SellThreshold != 200 || p.ClosePercentage != 1 {
		t.Fatalf("tender params=%+v ok=%v", p, ok)
	}
	if cfg.Venue.BreakerFailures != 5 || cfg.Venue.Timeout != 5*time.Second {
		t.Fatalf("venue=%+v", cfg.Venue)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
strategy:
  ticks_per_period: 600
  portfolio_currency: usd
  tenders:
    ritc:
      buy_threshold: 50
      sell_threshold: 75
      close_percentage: 0.5
  enabled:
    cross_etf: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Strategy
	if s.TicksPerPeriod != 600 || s.PortfolioCurrency != "USD" {
		t.Fatalf("strategy=%+v", s)
	}
	if s.Enabled.CrossETF || !s.Enabled.Tender {
		t.Fatalf("toggles=%+v", s.Enabled)
	}
	p, ok := s.Tender("RITC")
	if !ok || p.BuyThreshold != 50 || p.SellThreshold != 75 || p.ClosePercentage != 0.5 {
		t.Fatalf("RITC=%+v ok=%v", p, ok)
	}
	if _, ok := s.Tender("NOPE"); ok {
		t.Fatal("unknown ticker should not be found")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RIT_API_KEY", "ABC")
	t.Setenv("ETFARB_STRATEGY_MAX_USAGE", "0.5")
	t.Setenv("SLEEP_TIME_MS", "250")
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Venue.APIKey != "ABC" || cfg.Strategy.MaxUsage != 0.5 || cfg.Strategy.SleepTime != 250*time.Millisecond {
		t.Fatalf("key=%q usage=%v sleep=%v", cfg.Venue.APIKey, cfg.Strategy.MaxUsage, cfg.Strategy.SleepTime)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*StrategyConfig)
	}{
		{"usage above one", func(s *StrategyConfig) { s.MaxUsage = 1.5 }},
		{"end before period", func(s *StrategyConfig) { s.EndTradeBefore = s.TicksPerPeriod }},
		{"no retries", func(s *StrategyConfig) { s.RetryAttempts = 0 }},
		{"close percentage", func(s *StrategyConfig) { s.Tenders["SAD"] = TenderParams{ClosePercentage: 2} }},
		{"basket weight", func(s *StrategyConfig) { s.Basket.Weights = map[string]float64{"SAD": 0} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := cfg.Strategy
			s.Tenders = map[string]TenderParams{}
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}
