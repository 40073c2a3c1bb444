package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON production logger tagged with the service name.
func New(service, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service)), nil
}

// Fields is the shared vocabulary of log keys across the order services.
type Fields struct {
	OrderID    int64
	EventID    string
	Step       string
	Status     string
	DurationMS int64
}

func (f Fields) Zap() []zap.Field {
	out := make([]zap.Field, 0, 5)
	if f.OrderID != 0 {
		out = append(out, zap.Int64("order_id", f.OrderID))
	}
	if f.EventID != "" {
		out = append(out, zap.String("event_id", f.EventID))
	}
	if f.Step != "" {
		out = append(out, zap.String("step", f.Step))
	}
	if f.Status != "" {
		out = append(out, zap.String("status", f.Status))
	}
	if f.DurationMS != 0 {
		out = append(out, zap.Int64("duration_ms", f.DurationMS))
	}
	return out
}

func Since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
