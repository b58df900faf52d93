package internal

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestMain logs at debug level so SQL from sessions shows up in -v output.
// ORMA_TEST_LOG_LEVEL overrides the level.
func TestMain(m *testing.M) {
	level := zapcore.DebugLevel
	if raw := os.Getenv("ORMA_TEST_LOG_LEVEL"); raw != "" {
		parsed, err := zapcore.ParseLevel(raw)
		if err != nil {
			panic(err)
		}
		level = parsed
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stdout"}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	restore := zap.ReplaceGlobals(logger)

	code := m.Run()
	restore()
	_ = logger.Sync()
	os.Exit(code)
}
