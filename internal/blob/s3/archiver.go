package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

const (
	defaultPrefix        = "events"
	defaultBatchSize     = 500
	defaultFlushInterval = time.Minute
	finalFlushTimeout    = 30 * time.Second
)

// ArchiverConfig tunes an EventArchiver.
type ArchiverConfig struct {
	// Prefix is the key prefix, "events" by default.
	Prefix string
	// BatchSize flushes once this many events are buffered.
	BatchSize int
	// FlushInterval flushes a non-empty buffer at least this often.
	FlushInterval time.Duration
}

// EventArchiver is a bus consumer that buffers events and uploads them as
// JSONL objects keyed by hour:
//
//	{prefix}/YYYY/MM/DD/HH/{uuid}.jsonl
//
// Buffers larger than MinPartSize go through PutMultipart.
type EventArchiver struct {
	writer domain.BlobWriter
	cfg    ArchiverConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buf     bytes.Buffer
	count   int
	flushed uint64
}

// NewEventArchiver creates an EventArchiver.
func NewEventArchiver(
	writer domain.BlobWriter,
	cfg ArchiverConfig,
	logger *slog.Logger,
) *EventArchiver {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &EventArchiver{
		writer: writer,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "event_archiver")),
		now:    time.Now,
	}
}

// Handle is an eventbus handler. It appends evt to the buffer and uploads
// the batch once it is full.
func (a *EventArchiver) Handle(ctx context.Context, evt domain.Event) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("s3blob: marshal %s event: %w", evt.Type, err)
	}

	a.mu.Lock()
	a.buf.Write(line)
	a.buf.WriteByte('\n')
	a.count++
	full := a.count >= a.cfg.BatchSize
	a.mu.Unlock()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Run flushes on FlushInterval until ctx is cancelled, then uploads whatever
// is left.
func (a *EventArchiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			defer cancel()
			if err := a.Flush(flushCtx); err != nil {
				a.logger.Error("event_archiver: final flush failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.logger.Warn("event_archiver: flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Flush uploads the buffered events. On failure the batch is kept and
// retried on the next flush.
func (a *EventArchiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 {
		return nil
	}

	key := a.objectKey(a.now())
	data := a.buf.Bytes()

	var err error
	if int64(len(data)) > MinPartSize {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(data), domain.ContentTypeJSONL, MinPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(data), domain.ContentTypeJSONL)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive %d events: %w", a.count, err)
	}

	a.logger.Debug("event_archiver: uploaded batch",
		slog.String("key", key),
		slog.Int("events", a.count),
		slog.Int("bytes", len(data)),
	)
	a.flushed += uint64(a.count)
	a.buf.Reset()
	a.count = 0
	return nil
}

// Archived returns the number of events uploaded so far.
func (a *EventArchiver) Archived() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushed
}

func (a *EventArchiver) objectKey(t time.Time) string {
	t = t.UTC()
	return path.Join(
		a.cfg.Prefix,
		t.Format("2006"), t.Format("01"), t.Format("02"), t.Format("15"),
		uuid.NewString()+".jsonl",
	)
}
