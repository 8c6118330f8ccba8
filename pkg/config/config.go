package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"execution-core/pkg/crypto"
	"execution-core/pkg/logger"
)

// Config is the full settings tree shared by the brain and gateway binaries.
type Config struct {
	Symbols  []string       `yaml:"symbols" default:"[\"EURUSD\"]" validate:"min=1,dive,required"`
	Log      logger.Config  `yaml:"log"`
	DB       DBConfig       `yaml:"db"`
	Risk     RiskConfig     `yaml:"risk"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Shadow   ShadowConfig   `yaml:"shadow"`
	Launcher LauncherConfig `yaml:"launcher"`
	Worker   WorkerConfig   `yaml:"worker"`
	Feed     FeedConfig     `yaml:"feed"`
	API      APIConfig      `yaml:"api"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
}

type DBConfig struct {
	Path string `yaml:"path" default:"./data/execution.db" validate:"required"`
}

// RiskConfig holds the three-layer risk limits. Percent values are in
// percent units (3 means 3%).
type RiskConfig struct {
	MaxConsecutiveLosses int                `yaml:"max_consecutive_losses" default:"3" validate:"gte=1"`
	MaxLossAmount        float64            `yaml:"max_loss_amount" default:"500" validate:"gt=0"`
	MaxLossPercentage    float64            `yaml:"max_loss_percentage" default:"2" validate:"gt=0,lte=100"`
	CooldownSeconds      int                `yaml:"cooldown_seconds" default:"300" validate:"gte=1"`
	DrawdownWarningPct   float64            `yaml:"drawdown_warning_pct" default:"3" validate:"gt=0,lt=100"`
	DrawdownCriticalPct  float64            `yaml:"drawdown_critical_pct" default:"5" validate:"gt=0,lt=100"`
	DrawdownHaltPct      float64            `yaml:"drawdown_halt_pct" default:"7" validate:"gt=0,lt=100"`
	MaxTotalExposurePct  float64            `yaml:"max_total_exposure_pct" default:"150" validate:"gt=0"`
	MaxSinglePositionPct float64            `yaml:"max_single_position_pct" default:"50" validate:"gt=0"`
	PolicyEpoch          int                `yaml:"risk_policy_epoch" default:"1" validate:"gte=1"`
	DefaultContractSize  float64            `yaml:"default_contract_size" default:"1" validate:"gt=0"`
	ContractSizes        map[string]float64 `yaml:"contract_sizes"`
	EventHistory         int                `yaml:"event_history" default:"4096" validate:"gte=16"`
}

type ProtocolConfig struct {
	GatewayURL               string        `yaml:"gateway_url" default:"ws://127.0.0.1:7700/ws" validate:"required,url"`
	SignatureSecret          string        `yaml:"signature_secret" validate:"required"`
	SignatureTTLSeconds      int           `yaml:"signature_ttl_seconds" default:"5" validate:"gte=1,lte=60"`
	MaxClockSkew             time.Duration `yaml:"max_clock_skew" default:"1s"`
	RequestTimeout           time.Duration `yaml:"request_timeout" default:"5s" validate:"gt=0"`
	MaxRetries               int           `yaml:"max_retries" default:"3" validate:"gte=0,lte=10"`
	HeartbeatInterval        time.Duration `yaml:"heartbeat_interval" default:"1s" validate:"gt=0"`
	HeartbeatMissedThreshold int           `yaml:"heartbeat_missed_threshold" default:"3" validate:"gte=1"`
	ReconnectMaxBackoff      time.Duration `yaml:"reconnect_max_backoff" default:"30s" validate:"gt=0"`
	LinkDownHaltAfter        time.Duration `yaml:"link_down_halt_after" default:"30s" validate:"gt=0"`
}

type GatewayConfig struct {
	ListenAddr         string        `yaml:"listen_addr" default:":7700" validate:"required"`
	IdempotencyTTL     time.Duration `yaml:"idempotency_ttl" default:"30s" validate:"gt=0"`
	IdempotencyStore   string        `yaml:"idempotency_store" default:"memory" validate:"oneof=memory redis"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second" default:"50" validate:"gt=0"`
	RateLimitBurst     int           `yaml:"rate_limit_burst" default:"100" validate:"gte=1"`
	BrokerTimeout      time.Duration `yaml:"broker_timeout" default:"3s" validate:"gt=0"`
	PaperBalance       float64       `yaml:"paper_balance" default:"10000" validate:"gt=0"`
	Currency           string        `yaml:"currency" default:"USD" validate:"len=3"`
}

type ShadowConfig struct {
	Mode               string        `yaml:"mode" default:"shadow" validate:"oneof=shadow live canary"`
	PSIAlertThreshold  float64       `yaml:"psi_alert_threshold" default:"0.1" validate:"gt=0"`
	PSIDriftThreshold  float64       `yaml:"psi_drift_threshold" default:"0.25" validate:"gt=0"`
	PSIBins            int           `yaml:"psi_bins" default:"10" validate:"gte=2,lte=100"`
	PSIWindow          int           `yaml:"psi_window" default:"500" validate:"gte=10"`
	ReferenceSize      int           `yaml:"reference_size" default:"1000" validate:"gte=10"`
	DriftCheckInterval time.Duration `yaml:"drift_check_interval" default:"30s" validate:"gt=0"`
	ParityLogPath      string        `yaml:"parity_log_path" default:"./data/parity.jsonl"`
	Baseline           string        `yaml:"baseline" default:"ma_cross" validate:"oneof=ma_cross momentum rsi"`
	Challenger         string        `yaml:"challenger" default:"momentum" validate:"omitempty,oneof=ma_cross momentum rsi"`
	// EngineParams overrides engine parameters by engine name, e.g. ma_cross.fast_period.
	EngineParams map[string]map[string]float64 `yaml:"engine_params"`
}

type LauncherConfig struct {
	DecisionRecordPath     string        `yaml:"decision_record_path"`
	MinConfidence          float64       `yaml:"min_confidence" default:"0.6" validate:"gte=0,lte=1"`
	CanaryPositionFraction float64       `yaml:"canary_position_fraction" default:"0.1" validate:"gt=0,lte=1"`
	CanaryRampStep         float64       `yaml:"canary_ramp_step" default:"0.1" validate:"gte=0,lte=1"`
	CanaryRampEvery        int           `yaml:"canary_ramp_every" default:"20" validate:"gte=1"`
	MaxLatencyP99Ms        float64       `yaml:"max_latency_p99_ms" default:"250" validate:"gt=0"`
	MinLatencySamples      int           `yaml:"min_latency_samples" default:"20" validate:"gte=1"`
	GuardianInterval       time.Duration `yaml:"guardian_interval" default:"1s" validate:"gt=0"`
}

type WorkerConfig struct {
	BaseVolume          float64       `yaml:"base_volume" default:"0.1" validate:"gt=0"`
	VolumeStep          float64       `yaml:"volume_step" default:"0.01" validate:"gt=0"`
	AccountPollInterval time.Duration `yaml:"account_poll_interval" default:"5s" validate:"gt=0"`
	TickBuffer          int           `yaml:"tick_buffer" default:"256" validate:"gte=1"`
	JournalPath         string        `yaml:"journal_path" default:"./data/orders.journal"`
}

type FeedConfig struct {
	Source     string        `yaml:"source" default:"mock" validate:"oneof=mock kafka"`
	Interval   time.Duration `yaml:"interval" default:"1s" validate:"gt=0"`
	StartPrice float64       `yaml:"start_price" default:"1.085" validate:"gt=0"`
	Spread     float64       `yaml:"spread" default:"0.0001" validate:"gte=0"`
}

type APIConfig struct {
	Port                 string `yaml:"port" default:"8080"`
	JWTSecret            string `yaml:"jwt_secret" default:"dev-secret"`
	OperatorUser         string `yaml:"operator_user" default:"operator"`
	OperatorPasswordHash string `yaml:"operator_password_hash"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TicksTopic  string   `yaml:"ticks_topic" default:"market.ticks"`
	EventsTopic string   `yaml:"events_topic"`
	GroupID     string   `yaml:"group_id" default:"execution-core"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

var validate = validator.New()

// Load builds the configuration: defaults, then the optional YAML file,
// then environment overrides (optionally from .env). An empty path falls
// back to CONFIG_PATH.
func Load(path string) (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	secret, err := crypto.Reveal(cfg.Protocol.SignatureSecret, "MASTER_KEY")
	if err != nil {
		return nil, fmt.Errorf("config: signature secret: %w", err)
	}
	cfg.Protocol.SignatureSecret = secret

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field ordering.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	r := c.Risk
	if !(r.DrawdownWarningPct < r.DrawdownCriticalPct && r.DrawdownCriticalPct < r.DrawdownHaltPct) {
		return errors.New("config: drawdown thresholds must satisfy warning < critical < halt")
	}
	if c.Shadow.PSIAlertThreshold >= c.Shadow.PSIDriftThreshold {
		return errors.New("config: psi_alert_threshold must be below psi_drift_threshold")
	}
	if r.MaxSinglePositionPct > r.MaxTotalExposurePct {
		return errors.New("config: max_single_position_pct exceeds max_total_exposure_pct")
	}
	if c.Gateway.IdempotencyStore == "redis" && c.Redis.Addr == "" {
		return errors.New("config: redis idempotency store requires redis.addr")
	}
	if c.Feed.Source == "kafka" && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: kafka feed requires kafka.brokers")
	}
	return nil
}

// SignatureTTL returns the configured token lifetime.
func (p ProtocolConfig) SignatureTTL() time.Duration {
	return time.Duration(p.SignatureTTLSeconds) * time.Second
}

// ContractSize returns the notional multiplier for one lot of symbol.
func (r RiskConfig) ContractSize(symbol string) float64 {
	if v, ok := r.ContractSizes[symbol]; ok && v > 0 {
		return v
	}
	return r.DefaultContractSize
}

func applyEnv(c *Config) {
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Symbols = splitAndTrim(v)
	}
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.DB.Path = getEnv("DB_PATH", c.DB.Path)

	c.Risk.MaxConsecutiveLosses = getEnvInt("MAX_CONSECUTIVE_LOSSES", c.Risk.MaxConsecutiveLosses)
	c.Risk.MaxLossAmount = getEnvFloat("MAX_LOSS_AMOUNT", c.Risk.MaxLossAmount)
	c.Risk.MaxLossPercentage = getEnvFloat("MAX_LOSS_PERCENTAGE", c.Risk.MaxLossPercentage)
	c.Risk.CooldownSeconds = getEnvInt("COOLDOWN_SECONDS", c.Risk.CooldownSeconds)
	c.Risk.DrawdownWarningPct = getEnvFloat("DRAWDOWN_WARNING_PCT", c.Risk.DrawdownWarningPct)
	c.Risk.DrawdownCriticalPct = getEnvFloat("DRAWDOWN_CRITICAL_PCT", c.Risk.DrawdownCriticalPct)
	c.Risk.DrawdownHaltPct = getEnvFloat("DRAWDOWN_HALT_PCT", c.Risk.DrawdownHaltPct)
	c.Risk.MaxTotalExposurePct = getEnvFloat("MAX_TOTAL_EXPOSURE_PCT", c.Risk.MaxTotalExposurePct)
	c.Risk.MaxSinglePositionPct = getEnvFloat("MAX_SINGLE_POSITION_PCT", c.Risk.MaxSinglePositionPct)
	c.Risk.PolicyEpoch = getEnvInt("RISK_POLICY_EPOCH", c.Risk.PolicyEpoch)

	c.Protocol.GatewayURL = getEnv("GATEWAY_URL", c.Protocol.GatewayURL)
	c.Protocol.SignatureSecret = getEnv("SIGNATURE_SECRET", c.Protocol.SignatureSecret)
	c.Protocol.SignatureTTLSeconds = getEnvInt("SIGNATURE_TTL_SECONDS", c.Protocol.SignatureTTLSeconds)

	c.Gateway.ListenAddr = getEnv("GATEWAY_LISTEN_ADDR", c.Gateway.ListenAddr)
	c.Gateway.IdempotencyStore = getEnv("IDEMPOTENCY_STORE", c.Gateway.IdempotencyStore)

	c.Shadow.Mode = strings.ToLower(getEnv("EXECUTION_MODE", c.Shadow.Mode))
	c.Shadow.PSIAlertThreshold = getEnvFloat("PSI_ALERT_THRESHOLD", c.Shadow.PSIAlertThreshold)
	c.Shadow.PSIDriftThreshold = getEnvFloat("PSI_DRIFT_THRESHOLD", c.Shadow.PSIDriftThreshold)

	c.Launcher.DecisionRecordPath = getEnv("DECISION_RECORD_PATH", c.Launcher.DecisionRecordPath)
	c.Launcher.MinConfidence = getEnvFloat("MIN_CONFIDENCE", c.Launcher.MinConfidence)
	c.Launcher.CanaryPositionFraction = getEnvFloat("CANARY_POSITION_FRACTION", c.Launcher.CanaryPositionFraction)

	c.Feed.Source = getEnv("FEED_SOURCE", c.Feed.Source)
	c.API.Port = getEnv("PORT", c.API.Port)
	c.API.JWTSecret = getEnv("JWT_SECRET", c.API.JWTSecret)
	c.API.OperatorPasswordHash = getEnv("OPERATOR_PASSWORD_HASH", c.API.OperatorPasswordHash)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitAndTrim(v)
	}
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
