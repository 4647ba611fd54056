package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/ocufatigue/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.Path, convey.ShouldEqual, "")
				convey.So(cfg.KafkaBrokers, convey.ShouldBeEmpty)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("OCUF_ADDR", ":8080")
			_ = os.Setenv("OCUF_WINDOW_DURATION_S", "30")
			_ = os.Setenv("OCUF_MIN_CALIBRATION_WINDOWS_PER_FEATURE", "4")
			_ = os.Setenv("OCUF_AUTO_START_SESSIONS", "false")
			_ = os.Setenv("OCUF_KAFKA_BROKERS", "k1:9092, k2:9092")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.WindowDurationS, convey.ShouldEqual, 30.0)
				convey.So(cfg.MinCalibrationWindows, convey.ShouldEqual, 4)
				convey.So(cfg.AutoStartSessions, convey.ShouldBeFalse)
				convey.So(cfg.KafkaBrokers, convey.ShouldResemble, []string{"k1:9092", "k2:9092"})
			})
		})

		convey.Convey("When loading config with a YAML file", func() {
			path := writeConfig(t, `
# pipeline
window_duration_s: 30
calibration_duration_s: 120
cusum_alarm_threshold_h: 5
score_model_reference: "file:/models/forest.yaml"
store_driver: sqlite
kafka_brokers:
  - k1:9092
`)
			_ = os.Setenv("OCUF_CONFIG", path)
			_ = os.Setenv("OCUF_CUSUM_ALARM_THRESHOLD_H", "6") // env wins over the file

			cfg, err := config.Load(ctx)

			convey.Convey("Then file values are layered under env", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Path, convey.ShouldEqual, path)
				convey.So(cfg.WindowDurationS, convey.ShouldEqual, 30.0)
				convey.So(cfg.CalibrationDurationS, convey.ShouldEqual, 120.0)
				convey.So(cfg.CusumAlarmThresholdH, convey.ShouldEqual, 6.0)
				convey.So(cfg.ScoreModelReference, convey.ShouldEqual, "file:/models/forest.yaml")
				convey.So(cfg.StoreDriver, convey.ShouldEqual, "sqlite")
				convey.So(cfg.KafkaBrokers, convey.ShouldResemble, []string{"k1:9092"})
				convey.So(cfg.MaxSessionDurationS, convey.ShouldEqual, 7200.0) // from defaults
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			_ = os.Setenv("OCUF_CONFIG", writeConfig(t, `invalid: yaml: content: [`))
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			_ = os.Setenv("OCUF_CONFIG", "/non/existent/file.yaml")
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with empty addr", func() {
			_ = os.Setenv("OCUF_ADDR", "")
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a validation error", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(err.Error(), convey.ShouldContainSubstring, "addr must not be empty")
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When loading config with invalid numeric environment variables", func() {
			_ = os.Setenv("OCUF_QUEUE_SIZE", "invalid")
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}

// Helper functions.

func clearConfigEnvVars() {
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				if name := kv[:i]; len(name) > len(config.EnvPrefix) && name[:len(config.EnvPrefix)] == config.EnvPrefix {
					_ = os.Unsetenv(name)
				}
				break
			}
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ocufatigue.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
