package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/trace"
)

// Default sink tuning.
const (
	defaultQueueSize     = 512
	defaultRetention     = 24 * time.Hour
	defaultPruneInterval = time.Hour
)

// Logger is the logging surface the sink needs.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// SinkConfig tunes the asynchronous writer.
type SinkConfig struct {
	// QueueSize bounds the in-memory record buffer. When full, new
	// records are dropped; tracing never blocks the engine.
	QueueSize int

	// Retention is how long events are kept before pruning.
	Retention time.Duration

	// PruneInterval spaces out retention sweeps.
	PruneInterval time.Duration
}

// Sink adapts a Repository to trace.Sink with a buffered background
// writer, so database latency never reaches the protocol hot path.
type Sink struct {
	repo   Repository
	logger Logger

	queue     chan trace.Record
	retention time.Duration
	pruneEach time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ trace.Sink = (*Sink)(nil)

// NewSink creates the sink and starts its writer goroutine.
func NewSink(repo Repository, logger Logger, cfg SinkConfig) *Sink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		repo:      repo,
		logger:    logger,
		queue:     make(chan trace.Record, cfg.QueueSize),
		retention: cfg.Retention,
		pruneEach: cfg.PruneInterval,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Trace implements trace.Sink. It never blocks: when the queue is full
// the record is dropped.
func (s *Sink) Trace(rec trace.Record) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel during shutdown
	}()

	select {
	case s.queue <- rec:
	default:
		// Queue full; the InfluxDB sink still sees the record.
	}
}

// Close stops the writer after draining queued records.
func (s *Sink) Close() error {
	s.once.Do(func() {
		s.cancel()
		close(s.queue)
		<-s.done
	})
	return nil
}

// run drains the queue and sweeps expired rows.
func (s *Sink) run(ctx context.Context) {
	defer close(s.done)

	pruneTicker := time.NewTicker(s.pruneEach)
	defer pruneTicker.Stop()

	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				return
			}
			s.write(rec)
		case <-pruneTicker.C:
			s.prune(ctx)
		case <-ctx.Done():
			// Drain whatever is already queued, then exit.
			for {
				select {
				case rec, ok := <-s.queue:
					if !ok {
						return
					}
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(rec trace.Record) {
	ev := Event{
		Device:    rec.Device,
		Direction: rec.Direction,
		Transport: rec.Transport,
		Method:    rec.Method,
		Namespace: rec.Namespace,
		Payload:   rec.Payload,
		CreatedAt: rec.Timestamp,
	}
	if err := s.repo.Insert(context.Background(), &ev); err != nil {
		s.logger.Warn("protocol event write failed", "error", err)
	}
}

func (s *Sink) prune(ctx context.Context) {
	n, err := s.repo.Prune(ctx, time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Warn("protocol event prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("protocol events pruned", "rows", n)
	}
}
