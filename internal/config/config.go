// Package config defines service configuration structures and loading hooks.
//
// Keys are flat snake_case names shared by the YAML file and the OCUF_
// environment variables.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/okian/ocufatigue/internal/domain/scoring"
	"github.com/okian/ocufatigue/internal/domain/session"
	"github.com/okian/ocufatigue/internal/domain/validate"
	"github.com/okian/ocufatigue/pkg/breaker"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects the log encoding: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// Pipeline parameters.
	WindowDurationS       float64 `koanf:"window_duration_s"`
	CalibrationDurationS  float64 `koanf:"calibration_duration_s"`
	MinCalibrationWindows int     `koanf:"min_calibration_windows_per_feature"`
	CusumSlackK           float64 `koanf:"cusum_slack_k"`
	CusumAlarmThresholdH  float64 `koanf:"cusum_alarm_threshold_h"`
	MaxSessionDurationS   float64 `koanf:"max_session_duration_s"`
	VarianceEpsilon       float64 `koanf:"variance_epsilon"`
	ScoreModelReference   string  `koanf:"score_model_reference"`

	// Validation bounds.
	MaxFixationMS float64 `koanf:"max_fixation_ms"`
	MinPupilMM    float64 `koanf:"min_pupil_mm"`
	MaxPupilMM    float64 `koanf:"max_pupil_mm"`
	// PixelsPerMM converts pupil_area_px into a diameter when the sensor
	// reports contour area only. Zero disables the conversion.
	PixelsPerMM float64 `koanf:"pixels_per_mm"`

	// Runtime sizing.
	WorkerCount       int     `koanf:"worker_count"`
	QueueSize         int     `koanf:"queue_size"`
	MailboxSize       int     `koanf:"mailbox_size"`
	MaxSessions       int     `koanf:"max_sessions"`
	TombstoneTTLS     float64 `koanf:"tombstone_ttl_s"`
	AutoStartSessions bool    `koanf:"auto_start_sessions"`
	DedupeSize        int     `koanf:"dedupe_size"`

	// Scoring guard rails.
	ScoringTimeoutMS   int     `koanf:"scoring_timeout_ms"`
	BreakerMaxFailures int     `koanf:"breaker_max_failures"`
	BreakerResetS      float64 `koanf:"breaker_reset_s"`

	// Persistence.
	StoreDriver string `koanf:"store_driver"`
	SQLitePath  string `koanf:"sqlite_path"`

	// Kafka ingestion and score output. Empty brokers disable Kafka.
	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaGroupID string   `koanf:"kafka_group_id"`
	IngestTopic  string   `koanf:"ingest_topic"`
	ScoreTopic   string   `koanf:"score_topic"`

	// MQTT ingestion. Empty broker disables MQTT.
	MQTTBroker   string `koanf:"mqtt_broker"`
	MQTTTopic    string `koanf:"mqtt_topic"`
	MQTTClientID string `koanf:"mqtt_client_id"`

	// Path is the YAML file the config was loaded from, if any.
	Path string `koanf:"-"`
}

// New creates a Config with defaults.
func New() *Config {
	def := session.DefaultConfig()
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		Addr:                  ":9080",
		WindowDurationS:       def.Window.Seconds(),
		CalibrationDurationS:  def.Calibration.Seconds(),
		MinCalibrationWindows: def.MinCalibrationWindows,
		CusumSlackK:           def.CusumSlack,
		CusumAlarmThresholdH:  def.CusumThreshold,
		MaxSessionDurationS:   def.MaxDuration.Seconds(),
		VarianceEpsilon:       def.VarianceEpsilon,
		ScoreModelReference:   "builtin:zscore-v1",
		MaxFixationMS:         5000,
		MinPupilMM:            1.5,
		MaxPupilMM:            9.0,
		WorkerCount:           runtime.NumCPU(),
		QueueSize:             1024,
		MailboxSize:           256,
		MaxSessions:           10_000,
		TombstoneTTLS:         3600,
		AutoStartSessions:     true,
		DedupeSize:            50_000,
		ScoringTimeoutMS:      2000,
		BreakerMaxFailures:    5,
		BreakerResetS:         30,
		StoreDriver:           "memory",
		SQLitePath:            "data/ocufatigue.db",
		KafkaGroupID:          "ocufatigue",
		IngestTopic:           "ocular.events",
		ScoreTopic:            "ocular.scores",
		MQTTTopic:             "ocular/+/events",
		MQTTClientID:          "ocufatigue",
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("addr must not be empty: %w", ErrInvalidConfig)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("log_format must be text or json, got %q: %w", c.LogFormat, ErrInvalidConfig)
	case c.MinPupilMM <= 0 || c.MaxPupilMM <= c.MinPupilMM:
		return fmt.Errorf("pupil range [%v, %v] is empty: %w", c.MinPupilMM, c.MaxPupilMM, ErrInvalidConfig)
	case c.MaxFixationMS <= 0:
		return fmt.Errorf("max_fixation_ms must be positive: %w", ErrInvalidConfig)
	case c.PixelsPerMM < 0:
		return fmt.Errorf("pixels_per_mm must not be negative: %w", ErrInvalidConfig)
	case c.WorkerCount < 1:
		return fmt.Errorf("worker_count must be positive: %w", ErrInvalidConfig)
	case c.QueueSize < 1 || c.MailboxSize < 1:
		return fmt.Errorf("queue_size and mailbox_size must be positive: %w", ErrInvalidConfig)
	case c.MaxSessions < 1:
		return fmt.Errorf("max_sessions must be positive: %w", ErrInvalidConfig)
	case c.TombstoneTTLS < 0:
		return fmt.Errorf("tombstone_ttl_s must not be negative: %w", ErrInvalidConfig)
	case c.StoreDriver != "memory" && c.StoreDriver != "sqlite":
		return fmt.Errorf("store_driver must be memory or sqlite, got %q: %w", c.StoreDriver, ErrInvalidConfig)
	case c.ScoreModelReference == "":
		return fmt.Errorf("score_model_reference must not be empty: %w", ErrInvalidConfig)
	}
	if err := c.Session().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Session returns the pipeline parameters.
func (c *Config) Session() session.Config {
	return session.Config{
		Window:                seconds(c.WindowDurationS),
		Calibration:           seconds(c.CalibrationDurationS),
		MinCalibrationWindows: c.MinCalibrationWindows,
		MaxDuration:           seconds(c.MaxSessionDurationS),
		CusumSlack:            c.CusumSlackK,
		CusumThreshold:        c.CusumAlarmThresholdH,
		VarianceEpsilon:       c.VarianceEpsilon,
	}
}

// Validator builds the event validator for the configured bounds.
func (c *Config) Validator() *validate.Validator {
	return validate.New(
		validate.WithMaxFixationMS(c.MaxFixationMS),
		validate.WithPupilRange(c.MinPupilMM, c.MaxPupilMM),
	)
}

// Scorer resolves the configured model and wraps it with the scoring
// timeout. A nil b leaves the model unguarded.
func (c *Config) Scorer(b *breaker.Breaker) (*scoring.ModelScorer, error) {
	m, err := scoring.Resolve(c.ScoreModelReference)
	if err != nil {
		return nil, fmt.Errorf("%w: score_model_reference: %w", ErrInvalidConfig, err)
	}
	opts := []scoring.Option{scoring.WithTimeout(c.ScoringTimeout())}
	if b != nil {
		opts = append(opts, scoring.WithBreaker(b))
	}
	return scoring.NewModelScorer(m, opts...), nil
}

// ScoringTimeout bounds a single model call.
func (c *Config) ScoringTimeout() time.Duration {
	return time.Duration(c.ScoringTimeoutMS) * time.Millisecond
}

// BreakerReset is how long the scoring breaker stays open.
func (c *Config) BreakerReset() time.Duration { return seconds(c.BreakerResetS) }

// TombstoneTTL is how long terminated session ids stay reserved.
func (c *Config) TombstoneTTL() time.Duration { return seconds(c.TombstoneTTLS) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
