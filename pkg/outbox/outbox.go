package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nazeru/storefront-orders/pkg/contracts"
)

type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// NewRecord encodes evt for insertion in the same transaction as the state
// change it describes.
func NewRecord(topic, key string, evt contracts.Event) (Record, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return Record{}, err
	}
	return Record{EventID: evt.EventID, Topic: topic, Key: key, Payload: data, CreatedAt: evt.CreatedAt}, nil
}

type Source interface {
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
}

type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}

// Relay moves committed outbox records to a publisher, oldest first.
type Relay struct {
	Source    Source
	Publisher Publisher
	Batch     int
	Interval  time.Duration
	Logger    *zap.Logger

	// OnSent, when set, is called after every flush that sent something.
	OnSent func(n int)
}

// Flush publishes one batch and returns how many records were sent. It stops
// at the first publish error so ordering per key is preserved.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	limit := r.Batch
	if limit <= 0 {
		limit = 100
	}
	recs, err := r.Source.FetchPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rec := range recs {
		if err := r.Publisher.Publish(ctx, rec); err != nil {
			return sent, err
		}
		if err := r.Source.MarkSent(ctx, rec.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if n > 0 && r.OnSent != nil {
				r.OnSent(n)
			}
			if err != nil {
				logger.Warn("outbox relay flush failed", zap.Int("sent", n), zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("outbox relay flushed", zap.Int("sent", n))
			}
		}
	}
}
