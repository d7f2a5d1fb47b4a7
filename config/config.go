// Package config loads engine configuration from a YAML file or CLI flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/arbit/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	defaultThresholdPct     = "0.3"
	defaultMaxNotional      = "1000"
	defaultSlippageCoeffPct = "0.05"
	defaultTakerFeePct      = "0.1"
	defaultFillTimeout      = 10 * time.Second
	defaultQuoteMaxAge      = 5 * time.Second
	defaultTickerPoll       = 500 * time.Millisecond
	defaultOrderPoll        = 200 * time.Millisecond
	defaultRiskLimit        = 3
	defaultRiskCoolDown     = 10 * time.Minute
	defaultWALDir           = "./wal/executions"
)

// Venue is one configured exchange.
type Venue struct {
	Name string
	// TakerFeePct taker fee rate in percent.
	TakerFeePct decimal.Decimal
	// APIKeyEnv/APISecretEnv names of the environment variables holding credentials.
	APIKeyEnv    string
	APISecretEnv string
}

// Config holds everything the engine needs for one trading pair.
type Config struct {
	Pair   domain.Pair
	Venues []Venue
	// ThresholdPct minimal net profit in percent for an opportunity to trade.
	ThresholdPct decimal.Decimal
	// MaxNotional per-trade cap in quote currency.
	MaxNotional decimal.Decimal
	// SlippageCoeffPct coefficient of the linear slippage estimate.
	SlippageCoeffPct decimal.Decimal
	FillTimeout      time.Duration
	QuoteMaxAge      time.Duration
	// TickerPollInterval for venues without a streaming endpoint.
	TickerPollInterval time.Duration
	OrderPollInterval  time.Duration
	RiskFailureLimit   int
	RiskCoolDown       time.Duration
	// Simulate runs the engine against live quotes with simulated order execution.
	Simulate   bool
	WebhookURL string
	WALDir     string
	// OpsAddr listen address of the operator HTTP server; empty disables it.
	OpsAddr string
}

// TakerFees returns the venue→fee map consumed by detector and executor.
func (c Config) TakerFees() map[string]decimal.Decimal {
	fees := make(map[string]decimal.Decimal, len(c.Venues))
	for _, v := range c.Venues {
		fees[v.Name] = v.TakerFeePct
	}
	return fees
}

type venueTmp struct {
	Name         string `yaml:"name"`
	TakerFeePct  string `yaml:"taker_fee_pct,omitempty"`
	APIKeyEnv    string `yaml:"api_key_env,omitempty"`
	APISecretEnv string `yaml:"api_secret_env,omitempty"`
}

type configTmp struct {
	Pair               string        `yaml:"pair"`
	Venues             []venueTmp    `yaml:"venues"`
	ThresholdPct       string        `yaml:"threshold_pct,omitempty"`
	MaxNotional        string        `yaml:"max_notional,omitempty"`
	SlippageCoeffPct   string        `yaml:"slippage_coeff_pct,omitempty"`
	FillTimeout        time.Duration `yaml:"fill_timeout,omitempty"`
	QuoteMaxAge        time.Duration `yaml:"quote_max_age,omitempty"`
	TickerPollInterval time.Duration `yaml:"ticker_poll_interval,omitempty"`
	OrderPollInterval  time.Duration `yaml:"order_poll_interval,omitempty"`
	RiskFailureLimit   int           `yaml:"risk_failure_limit,omitempty"`
	RiskCoolDown       time.Duration `yaml:"risk_cooldown,omitempty"`
	Simulate           *bool         `yaml:"simulate,omitempty"`
	WebhookURL         string        `yaml:"webhook_url,omitempty"`
	WALDir             string        `yaml:"wal_dir,omitempty"`
	OpsAddr            string        `yaml:"ops_addr,omitempty"`
}

// Get parses --config when provided, CLI flags otherwise.
func Get() (Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	pairFlag := flag.String("pair", "BTC_USDT", "trade pair, example: BTC_USDT")
	venuesFlag := flag.String("venues", "binance,bybit", "comma-separated venue list")
	thresholdFlag := flag.String("threshold", defaultThresholdPct, "minimal net profit percent to trade")
	notionalFlag := flag.String("maxnotional", defaultMaxNotional, "per-trade cap in quote currency")
	simulateFlag := flag.Bool("simulate", true, "simulate order execution (dry run)")
	opsAddrFlag := flag.String("opsaddr", "", "operator http listen address, empty disables")
	flag.Parse()

	if *configPath != "" {
		return getYaml(*configPath)
	}

	pair, err := pairFromString(*pairFlag)
	if err != nil {
		return Config{}, fmt.Errorf("invalid --pair provided, --pair=%s", *pairFlag)
	}
	threshold, err := decimal.NewFromString(*thresholdFlag)
	if err != nil {
		return Config{}, fmt.Errorf("invalid --threshold provided: %w", err)
	}
	notional, err := decimal.NewFromString(*notionalFlag)
	if err != nil {
		return Config{}, fmt.Errorf("invalid --maxnotional provided: %w", err)
	}

	defaultFee, _ := decimal.NewFromString(defaultTakerFeePct)
	var venues []Venue
	for _, name := range strings.Split(*venuesFlag, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		venues = append(venues, Venue{
			Name:         name,
			TakerFeePct:  defaultFee,
			APIKeyEnv:    strings.ToUpper(name) + "_API_KEY",
			APISecretEnv: strings.ToUpper(name) + "_API_SECRET",
		})
	}

	config := Config{
		Pair:               pair,
		Venues:             venues,
		ThresholdPct:       threshold,
		MaxNotional:        notional,
		SlippageCoeffPct:   mustDecimal(defaultSlippageCoeffPct),
		FillTimeout:        defaultFillTimeout,
		QuoteMaxAge:        defaultQuoteMaxAge,
		TickerPollInterval: defaultTickerPoll,
		OrderPollInterval:  defaultOrderPoll,
		RiskFailureLimit:   defaultRiskLimit,
		RiskCoolDown:       defaultRiskCoolDown,
		Simulate:           *simulateFlag,
		WALDir:             defaultWALDir,
		OpsAddr:            *opsAddrFlag,
	}

	return config, config.validate()
}

func getYaml(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp configTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, err
	}
	return fromTmp(tmp)
}

func fromTmp(tmp configTmp) (Config, error) {
	pair, err := pairFromString(tmp.Pair)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'pair' param in yaml config: %s, error: %w", tmp.Pair, err)
	}

	threshold, err := decimalOrDefault(tmp.ThresholdPct, defaultThresholdPct)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'threshold_pct' param in yaml config: %w", err)
	}
	notional, err := decimalOrDefault(tmp.MaxNotional, defaultMaxNotional)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'max_notional' param in yaml config: %w", err)
	}
	slippage, err := decimalOrDefault(tmp.SlippageCoeffPct, defaultSlippageCoeffPct)
	if err != nil {
		return Config{}, fmt.Errorf("incorrect 'slippage_coeff_pct' param in yaml config: %w", err)
	}

	venues := make([]Venue, 0, len(tmp.Venues))
	for _, v := range tmp.Venues {
		fee, err := decimalOrDefault(v.TakerFeePct, defaultTakerFeePct)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'taker_fee_pct' for venue %s: %w", v.Name, err)
		}
		keyEnv := v.APIKeyEnv
		if keyEnv == "" {
			keyEnv = strings.ToUpper(v.Name) + "_API_KEY"
		}
		secretEnv := v.APISecretEnv
		if secretEnv == "" {
			secretEnv = strings.ToUpper(v.Name) + "_API_SECRET"
		}
		venues = append(venues, Venue{
			Name:         v.Name,
			TakerFeePct:  fee,
			APIKeyEnv:    keyEnv,
			APISecretEnv: secretEnv,
		})
	}

	simulate := true
	if tmp.Simulate != nil {
		simulate = *tmp.Simulate
	}

	config := Config{
		Pair:               pair,
		Venues:             venues,
		ThresholdPct:       threshold,
		MaxNotional:        notional,
		SlippageCoeffPct:   slippage,
		FillTimeout:        durationOrDefault(tmp.FillTimeout, defaultFillTimeout),
		QuoteMaxAge:        durationOrDefault(tmp.QuoteMaxAge, defaultQuoteMaxAge),
		TickerPollInterval: durationOrDefault(tmp.TickerPollInterval, defaultTickerPoll),
		OrderPollInterval:  durationOrDefault(tmp.OrderPollInterval, defaultOrderPoll),
		RiskFailureLimit:   tmp.RiskFailureLimit,
		RiskCoolDown:       durationOrDefault(tmp.RiskCoolDown, defaultRiskCoolDown),
		Simulate:           simulate,
		WebhookURL:         tmp.WebhookURL,
		WALDir:             tmp.WALDir,
		OpsAddr:            tmp.OpsAddr,
	}
	if config.RiskFailureLimit <= 0 {
		config.RiskFailureLimit = defaultRiskLimit
	}
	if config.WALDir == "" {
		config.WALDir = defaultWALDir
	}

	return config, config.validate()
}

func (c Config) validate() error {
	if len(c.Venues) < 2 {
		return fmt.Errorf("at least 2 venues required, got %d", len(c.Venues))
	}
	seen := make(map[string]struct{}, len(c.Venues))
	for _, v := range c.Venues {
		if _, ok := seen[v.Name]; ok {
			return fmt.Errorf("duplicate venue %q", v.Name)
		}
		seen[v.Name] = struct{}{}
		if v.TakerFeePct.IsNegative() {
			return fmt.Errorf("negative taker fee for venue %q", v.Name)
		}
	}
	if c.ThresholdPct.IsNegative() {
		return fmt.Errorf("threshold_pct must be non-negative, got %s", c.ThresholdPct.String())
	}
	if !c.MaxNotional.IsPositive() {
		return fmt.Errorf("max_notional must be positive, got %s", c.MaxNotional.String())
	}
	if c.FillTimeout <= 0 {
		return fmt.Errorf("fill_timeout must be positive")
	}
	if c.QuoteMaxAge <= 0 {
		return fmt.Errorf("quote_max_age must be positive")
	}
	return nil
}

func pairFromString(pairStr string) (domain.Pair, error) {
	elements := strings.Split(pairStr, "_")
	if len(elements) != 2 || elements[0] == "" || elements[1] == "" {
		return domain.Pair{}, fmt.Errorf("invalid pair param")
	}
	return domain.Pair{Base: elements[0], Quote: elements[1]}, nil
}

func decimalOrDefault(value, fallback string) (decimal.Decimal, error) {
	if value == "" {
		value = fallback
	}
	return decimal.NewFromString(value)
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func mustDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}
