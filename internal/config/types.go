package config

// Config is the top-level configuration parsed from leadflow YAML.
type Config struct {
	Server        Server        `yaml:"server"`
	Database      Database      `yaml:"database"`
	Log           Log           `yaml:"log"`
	Orchestration Orchestration `yaml:"orchestration"`
	Pricing       Pricing       `yaml:"pricing"`
	Payment       Payment       `yaml:"payment"`
	Sandbox       Sandbox       `yaml:"sandbox"`
}

// Server configures the HTTP surface.
type Server struct {
	Port             int      `yaml:"port"`
	WebhookSecret    string   `yaml:"webhook_secret"`
	WebhookTolerance string   `yaml:"webhook_tolerance"`
	OpsTokens        []string `yaml:"ops_tokens"`
}

// Database selects the SQL driver ("sqlite3" or "pgx") and its DSN.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Log configures the zerolog output.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Orchestration holds the stage engine's thresholds and timeouts.
type Orchestration struct {
	EvaluatorTimeout       string     `yaml:"evaluator_timeout"`
	MemoryTimeout          string     `yaml:"memory_timeout"`
	MaxDriveSteps          int        `yaml:"max_drive_steps"`
	QuoteDeclineConfidence float64    `yaml:"quote_decline_confidence"`
	MinMarginPercent       float64    `yaml:"min_margin_percent"`
	Simulation             Simulation `yaml:"simulation"`
	CrewLock               CrewLock   `yaml:"crew_lock"`
	Schedule               Schedule   `yaml:"schedule"`
}

// Simulation configures crew scoring.
type Simulation struct {
	ScoreThreshold  float64 `yaml:"score_threshold"`
	LeadMargin      float64 `yaml:"lead_margin"`
	TravelSpeedKmh  float64 `yaml:"travel_speed_kmh"`
	TravelCostPerKm float64 `yaml:"travel_cost_per_km"`
}

// CrewLock configures the auto-lock gate.
type CrewLock struct {
	MinScore         float64 `yaml:"min_score"`
	MinMarginPercent float64 `yaml:"min_margin_percent"`
}

// Schedule configures the proposed time windows.
type Schedule struct {
	HorizonDays     int    `yaml:"horizon_days"`
	FirstWindowHour int    `yaml:"first_window_hour"`
	WindowHours     int    `yaml:"window_hours"`
	WindowsPerDay   int    `yaml:"windows_per_day"`
	Timezone        string `yaml:"timezone"`
}

// Pricing is the service catalog used by the quote, feasibility and margin stages.
type Pricing struct {
	Currency          string                  `yaml:"currency"`
	Spread            float64                 `yaml:"spread"`
	LaborRatePerHour  float64                 `yaml:"labor_rate_per_hour"`
	FrequencyDiscount map[string]float64      `yaml:"frequency_discount"`
	Services          map[string]ServicePrice `yaml:"services"`
}

// ServicePrice describes one sellable service.
type ServicePrice struct {
	Base            float64  `yaml:"base"`
	PerThousandSqft float64  `yaml:"per_thousand_sqft"`
	LaborHours      float64  `yaml:"labor_hours"`
	Skills          []string `yaml:"skills"`
	Equipment       []string `yaml:"equipment"`
}

// Payment configures the decision agent and the retry policy.
type Payment struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	HighValueCents      int64   `yaml:"high_value_cents"`
	Retry               Retry   `yaml:"retry"`
}

// Retry configures exponential backoff for failed captures.
type Retry struct {
	MaxAttempts  int     `yaml:"max_attempts"`
	BaseDelay    string  `yaml:"base_delay"`
	Multiplier   float64 `yaml:"multiplier"`
	MaxDelay     string  `yaml:"max_delay"`
	PollInterval string  `yaml:"poll_interval"`
}

// Sandbox configures the built-in adapters used in place of external
// systems.
type Sandbox struct {
	CrewsFile    string  `yaml:"crews_file"`
	TemplatesDir string  `yaml:"templates_dir"`
	CenterLat    float64 `yaml:"center_lat"`
	CenterLng    float64 `yaml:"center_lng"`
	DefaultLot   float64 `yaml:"default_lot_sqft"`
}
