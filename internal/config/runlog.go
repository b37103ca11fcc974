package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RunLogLayout names per-run log files by their start time.
const RunLogLayout = "2006-01-02T15-04-05"

// NewRunLogger returns a logger that writes to base and, when PerRunFile is
// set, also to <Dir>/<start>.log. The returned close func syncs and closes the
// file; it is safe to call when no file was opened.
func NewRunLogger(base *zap.Logger, cfg LogConfig, start time.Time) (*zap.Logger, func() error, error) {
	if base == nil {
		base = zap.L()
	}
	if !cfg.PerRunFile {
		return base, func() error { return nil }, nil
	}

	dir := cfg.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, eris.Wrap(err, "config: create log dir")
	}

	path := filepath.Join(dir, start.Format(RunLogLayout)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "config: open run log %s", path)
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if l, perr := zapcore.ParseLevel(cfg.Level); perr == nil {
			level = l
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level)

	logger := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})).With(zap.String("run_log", path))

	closeFn := func() error {
		_ = logger.Sync()
		return f.Close()
	}
	return logger, closeFn, nil
}
