package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/etfarb/pkg/secrets"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Console   ConsoleConfig   `mapstructure:"console"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type VenueConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
	// OrdersPerSecond is used until the venue reports its own limit.
	OrdersPerSecond int `mapstructure:"orders_per_second"`
	SafetyMargin    int `mapstructure:"safety_margin"`
}

type ConsoleConfig struct {
	URL        string        `mapstructure:"url"`
	SigningKey string        `mapstructure:"signing_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	Operator   string        `mapstructure:"operator"`
}

type SimulatorConfig struct {
	Seed         int64         `mapstructure:"seed"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// StrategyConfig is read once at startup and handed to the trading loop by
// value.
type StrategyConfig struct {
	PortfolioCurrency     string        `mapstructure:"portfolio_currency"`
	FXTickers             []string      `mapstructure:"fx_tickers"`
	ConvertFee            float64       `mapstructure:"convert_fee"`
	FeeCurrency           string        `mapstructure:"fee_currency"`
	TransactionFee        float64       `mapstructure:"transaction_fee"`
	RebateFee             float64       `mapstructure:"rebate_fee"`
	SlippageTolerance     float64       `mapstructure:"slippage_tolerance"`
	TicksPerPeriod        int           `mapstructure:"ticks_per_period"`
	EndTradeBefore        int           `mapstructure:"end_trade_before"`
	ConversionCutoff      int           `mapstructure:"conversion_cutoff"`
	ArbitrageOrderSize    float64       `mapstructure:"arbitrage_order_size"`
	ETFArbitrageOrderSize float64       `mapstructure:"etf_arbitrage_order_size"`
	ConversionOrderSize   float64       `mapstructure:"conversion_order_size"`
	SleepTime             time.Duration `mapstructure:"sleep_time"`
	MaxUsage              float64       `mapstructure:"max_usage"`
	RetryAttempts         int           `mapstructure:"retry_attempts"`
	HedgeDeadband         float64       `mapstructure:"hedge_deadband"`
	SelectByThreshold     bool          `mapstructure:"select_by_threshold"`

	Enabled    Toggles                 `mapstructure:"enabled"`
	Basket     BasketConfig            `mapstructure:"basket"`
	CrossETF   CrossETFConfig          `mapstructure:"cross_etf"`
	Conversion ConversionConfig        `mapstructure:"conversion"`
	Tenders    map[string]TenderParams `mapstructure:"tenders"`
}

type Toggles struct {
	Tender     bool `mapstructure:"tender"`
	Conversion bool `mapstructure:"conversion"`
	CrossETF   bool `mapstructure:"cross_etf"`
	RiskExit   bool `mapstructure:"risk_exit"`
}

type BasketConfig struct {
	ETF     string             `mapstructure:"etf"`
	Weights map[string]float64 `mapstructure:"weights"`
}

type CrossETFConfig struct {
	Home            string  `mapstructure:"home"`
	Foreign         string  `mapstructure:"foreign"`
	LongMultiplier  float64 `mapstructure:"long_multiplier"`
	ShortMultiplier float64 `mapstructure:"short_multiplier"`
	LongThreshold   float64 `mapstructure:"long_threshold"`
	ShortThreshold  float64 `mapstructure:"short_threshold"`
	TakeProfit      float64 `mapstructure:"take_profit"`
	StopLoss        float64 `mapstructure:"stop_loss"`
}

type ConversionConfig struct {
	CreateThreshold float64 `mapstructure:"create_threshold"`
	RedeemThreshold float64 `mapstructure:"redeem_threshold"`
	Tolerance       float64 `mapstructure:"tolerance"`
	PriceShift      float64 `mapstructure:"price_shift"`
}

// TenderParams are the per-instrument tender and risk exit settings.
type TenderParams struct {
	BuyThreshold    float64 `mapstructure:"buy_threshold"`
	SellThreshold   float64 `mapstructure:"sell_threshold"`
	ClosePercentage float64 `mapstructure:"close_percentage"`
	TakeProfit      float64 `mapstructure:"take_profit"`
	StopLoss        float64 `mapstructure:"stop_loss"`
}

// Tender returns the parameters for ticker. Unknown tickers get thresholds
// no tender can beat.
func (s StrategyConfig) Tender(ticker string) (TenderParams, bool) {
	p, ok := s.Tenders[strings.ToUpper(ticker)]
	if !ok {
		return TenderParams{BuyThreshold: maxThreshold, SellThreshold: maxThreshold, ClosePercentage: 1}, false
	}
	return p, true
}

const maxThreshold = 1e18

func (s StrategyConfig) Validate() error {
	switch {
	case s.TicksPerPeriod <= 0:
		return fmt.Errorf("ticks_per_period must be positive")
	case s.EndTradeBefore < 0 || s.EndTradeBefore >= s.TicksPerPeriod:
		return fmt.Errorf("end_trade_before must be in [0, ticks_per_period)")
	case s.MaxUsage <= 0 || s.MaxUsage > 1:
		return fmt.Errorf("max_usage must be in (0, 1]")
	case s.RetryAttempts <= 0:
		return fmt.Errorf("retry_attempts must be positive")
	case s.SleepTime <= 0:
		return fmt.Errorf("sleep_time must be positive")
	}
	for t, p := range s.Tenders {
		if p.ClosePercentage < 0 || p.ClosePercentage > 1 {
			return fmt.Errorf("tenders.%s.close_percentage must be in [0, 1]", t)
		}
	}
	for t, w := range s.Basket.Weights {
		if w <= 0 {
			return fmt.Errorf("basket weight for %s must be positive", t)
		}
	}
	return nil
}

func Load(configPath string) (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/etfarb")
	}

	v.SetEnvPrefix("ETFARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	normalize(&config.Strategy)

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Strategy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy config: %w", err)
	}
	return &config, nil
}

// viper lower-cases map keys; tickers are upper case everywhere else.
func normalize(s *StrategyConfig) {
	tenders := make(map[string]TenderParams, len(s.Tenders))
	for t, p := range s.Tenders {
		tenders[strings.ToUpper(t)] = p
	}
	s.Tenders = tenders

	weights := make(map[string]float64, len(s.Basket.Weights))
	for t, w := range s.Basket.Weights {
		weights[strings.ToUpper(t)] = w
	}
	s.Basket.Weights = weights

	for i, t := range s.FXTickers {
		s.FXTickers[i] = strings.ToUpper(t)
	}
	s.PortfolioCurrency = strings.ToUpper(s.PortfolioCurrency)
	s.FeeCurrency = strings.ToUpper(s.FeeCurrency)
	s.Basket.ETF = strings.ToUpper(s.Basket.ETF)
	s.CrossETF.Home = strings.ToUpper(s.CrossETF.Home)
	s.CrossETF.Foreign = strings.ToUpper(s.CrossETF.Foreign)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("venue.base_url", "http://localhost:9999/v1")
	v.SetDefault("venue.timeout", 5*time.Second)
	v.SetDefault("venue.requests_per_second", 50)
	v.SetDefault("venue.burst", 10)
	v.SetDefault("venue.breaker_failures", 5)
	v.SetDefault("venue.breaker_timeout", 2*time.Second)
	v.SetDefault("venue.orders_per_second", 10)
	v.SetDefault("venue.safety_margin", 1)

	v.SetDefault("console.url", "ws://localhost:8080/api/console")
	v.SetDefault("console.token_ttl", 12*time.Hour)
	v.SetDefault("console.operator", "operator")

	v.SetDefault("simulator.seed", 1)
	v.SetDefault("simulator.tick_interval", 250*time.Millisecond)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	names := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.venue_api_key", names.VenueAPIKey)
	v.SetDefault("gcp.secret_names.console_signing_key", names.ConsoleSigningKey)

	setStrategyDefaults(v)
}

func setStrategyDefaults(v *viper.Viper) {
	v.SetDefault("strategy.portfolio_currency", "CAD")
	v.SetDefault("strategy.fx_tickers", []string{"USD"})
	v.SetDefault("strategy.convert_fee", 0.0375)
	v.SetDefault("strategy.fee_currency", "CAD")
	v.SetDefault("strategy.transaction_fee", 0.02)
	v.SetDefault("strategy.rebate_fee", 0.01)
	v.SetDefault("strategy.slippage_tolerance", 0.02)
	v.SetDefault("strategy.ticks_per_period", 1200)
	v.SetDefault("strategy.end_trade_before", 10)
	v.SetDefault("strategy.conversion_cutoff", 50)
	v.SetDefault("strategy.arbitrage_order_size", 100)
	v.SetDefault("strategy.etf_arbitrage_order_size", 100)
	v.SetDefault("strategy.conversion_order_size", 100)
	v.SetDefault("strategy.sleep_time", 100*time.Millisecond)
	v.SetDefault("strategy.max_usage", 0.8)
	v.SetDefault("strategy.retry_attempts", 5)
	v.SetDefault("strategy.hedge_deadband", 1000)
	v.SetDefault("strategy.select_by_threshold", true)

	v.SetDefault("strategy.enabled.tender", true)
	v.SetDefault("strategy.enabled.conversion", true)
	v.SetDefault("strategy.enabled.cross_etf", true)
	v.SetDefault("strategy.enabled.risk_exit", true)

	v.SetDefault("strategy.basket.etf", "JOY_C")
	v.SetDefault("strategy.basket.weights", map[string]float64{"SAD": 1, "CRY": 1, "ANGER": 1, "FEAR": 1})

	v.SetDefault("strategy.cross_etf.home", "JOY_C")
	v.SetDefault("strategy.cross_etf.foreign", "JOY_U")
	v.SetDefault("strategy.cross_etf.long_multiplier", 5)
	v.SetDefault("strategy.cross_etf.short_multiplier", 5)
	v.SetDefault("strategy.cross_etf.long_threshold", 20)
	v.SetDefault("strategy.cross_etf.short_threshold", 20)
	v.SetDefault("strategy.cross_etf.take_profit", 0.1)
	v.SetDefault("strategy.cross_etf.stop_loss", 0.1)

	v.SetDefault("strategy.conversion.create_threshold", 0.05)
	v.SetDefault("strategy.conversion.redeem_threshold", 0.05)
	v.SetDefault("strategy.conversion.tolerance", 3)
	v.SetDefault("strategy.conversion.price_shift", 0)

	tenders := map[string]interface{}{}
	for _, t := range []string{"SAD", "CRY", "ANGER", "FEAR", "JOY_C", "JOY_U"} {
		tenders[t] = map[string]interface{}{
			"buy_threshold":    200.0,
			"sell_threshold":   200.0,
			"close_percentage": 1.0,
			"take_profit":      0.02,
			"stop_loss":        0.02,
		}
	}
	v.SetDefault("strategy.tenders", tenders)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("RIT_API_KEY"); apiKey != "" {
		config.Venue.APIKey = apiKey
	}
	if url := os.Getenv("RIT_BASE_URL"); url != "" {
		config.Venue.BaseURL = url
	}
	if key := os.Getenv("CONSOLE_SIGNING_KEY"); key != "" {
		config.Console.SigningKey = key
	}
	if sleep := os.Getenv("SLEEP_TIME_MS"); sleep != "" {
		if ms, err := strconv.Atoi(sleep); err == nil && ms > 0 {
			config.Strategy.SleepTime = time.Duration(ms) * time.Millisecond
		}
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	if config.Venue.APIKey == "" {
		config.Venue.APIKey = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.VenueAPIKey, "")
	}
	if config.Console.SigningKey == "" {
		config.Console.SigningKey = secretManager.GetSecretWithDefault(ctx, config.GCP.SecretNames.ConsoleSigningKey, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
