package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it applies defaults to every field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./leadflow.yaml, ~/.leadflow/config.yaml. When none
// exists the built-in defaults are returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"leadflow.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".leadflow", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// ApplyEnv overrides connection and secret settings from LEADFLOW_* environment
// variables, e.g. LEADFLOW_DATABASE_DSN or LEADFLOW_SERVER_WEBHOOK_SECRET.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("database.driver"); s != "" {
		cfg.Database.Driver = s
	}
	if s := v.GetString("database.dsn"); s != "" {
		cfg.Database.DSN = s
	}
	if p := v.GetInt("server.port"); p > 0 {
		cfg.Server.Port = p
	}
	if s := v.GetString("server.webhook_secret"); s != "" {
		cfg.Server.WebhookSecret = s
	}
	if s := v.GetString("server.ops_tokens"); s != "" {
		cfg.Server.OpsTokens = strings.Split(s, ",")
	}
	if s := v.GetString("log.level"); s != "" {
		cfg.Log.Level = s
	}
	if s := v.GetString("log.format"); s != "" {
		cfg.Log.Format = s
	}
}

// Duration parses s, returning def when s is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// applyDefaults fills every zero-valued setting with its default.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.WebhookTolerance == "" {
		cfg.Server.WebhookTolerance = "5m"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite3" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Database.DSN = filepath.Join(home, ".leadflow", "leadflow.db")
		}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	o := &cfg.Orchestration
	if o.EvaluatorTimeout == "" {
		o.EvaluatorTimeout = "30s"
	}
	if o.MemoryTimeout == "" {
		o.MemoryTimeout = "5s"
	}
	if o.MaxDriveSteps <= 0 {
		o.MaxDriveSteps = 20
	}
	if o.QuoteDeclineConfidence == 0 {
		o.QuoteDeclineConfidence = 0.8
	}
	if o.MinMarginPercent == 0 {
		o.MinMarginPercent = 25
	}
	if o.Simulation.ScoreThreshold == 0 {
		o.Simulation.ScoreThreshold = 50
	}
	if o.Simulation.LeadMargin == 0 {
		o.Simulation.LeadMargin = 20
	}
	if o.Simulation.TravelSpeedKmh == 0 {
		o.Simulation.TravelSpeedKmh = 40
	}
	if o.Simulation.TravelCostPerKm == 0 {
		o.Simulation.TravelCostPerKm = 0.8
	}
	if o.CrewLock.MinScore == 0 {
		o.CrewLock.MinScore = o.Simulation.ScoreThreshold
	}
	if o.CrewLock.MinMarginPercent == 0 {
		o.CrewLock.MinMarginPercent = o.MinMarginPercent
	}
	if o.Schedule.HorizonDays <= 0 {
		o.Schedule.HorizonDays = 7
	}
	if o.Schedule.FirstWindowHour == 0 {
		o.Schedule.FirstWindowHour = 8
	}
	if o.Schedule.WindowHours <= 0 {
		o.Schedule.WindowHours = 4
	}
	if o.Schedule.WindowsPerDay <= 0 {
		o.Schedule.WindowsPerDay = 2
	}
	if o.Schedule.Timezone == "" {
		o.Schedule.Timezone = "UTC"
	}

	p := &cfg.Pricing
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.Spread == 0 {
		p.Spread = 0.10
	}
	if p.LaborRatePerHour == 0 {
		p.LaborRatePerHour = 35
	}
	if p.FrequencyDiscount == nil {
		p.FrequencyDiscount = map[string]float64{
			"one_time": 0,
			"monthly":  0.05,
			"biweekly": 0.10,
			"weekly":   0.15,
		}
	}
	if len(p.Services) == 0 {
		p.Services = defaultServices()
	}

	sb := &cfg.Sandbox
	if sb.CenterLat == 0 && sb.CenterLng == 0 {
		sb.CenterLat, sb.CenterLng = 30.2672, -97.7431
	}
	if sb.DefaultLot == 0 {
		sb.DefaultLot = 8000
	}

	pay := &cfg.Payment
	if pay.ConfidenceThreshold == 0 {
		pay.ConfidenceThreshold = 0.70
	}
	if pay.HighValueCents == 0 {
		pay.HighValueCents = 200000
	}
	if pay.Retry.MaxAttempts <= 0 {
		pay.Retry.MaxAttempts = 3
	}
	if pay.Retry.BaseDelay == "" {
		pay.Retry.BaseDelay = "5s"
	}
	if pay.Retry.Multiplier == 0 {
		pay.Retry.Multiplier = 2
	}
	if pay.Retry.MaxDelay == "" {
		pay.Retry.MaxDelay = "5m"
	}
	if pay.Retry.PollInterval == "" {
		pay.Retry.PollInterval = "2s"
	}
}

func defaultServices() map[string]ServicePrice {
	return map[string]ServicePrice{
		"lawn_mowing": {
			Base: 45, PerThousandSqft: 4, LaborHours: 1,
			Skills: []string{"mowing"}, Equipment: []string{"mower"},
		},
		"hedge_trimming": {
			Base: 60, PerThousandSqft: 2, LaborHours: 1.5,
			Skills: []string{"trimming"}, Equipment: []string{"trimmer"},
		},
		"leaf_cleanup": {
			Base: 80, PerThousandSqft: 6, LaborHours: 2,
			Skills: []string{"cleanup"}, Equipment: []string{"blower"},
		},
		"weeding": {
			Base: 50, PerThousandSqft: 3, LaborHours: 1.5,
			Skills: []string{"weeding"},
		},
	}
}

// LoadWithEnv loads the config at path (or the default locations when path is
// empty) and applies LEADFLOW_* environment overrides on top.
func LoadWithEnv(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path != "" {
		cfg, err = Load(path)
	} else {
		cfg, err = LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	return cfg, nil
}
