// Package analytics persists per-request pipeline records off the hot path.
// The pipeline emits one RequestLog per processed message; emission must
// never block or fail a user request, so the GORM-backed sink buffers
// records on a channel and writes them from a single background goroutine.
// Records are dropped (and counted) when the buffer is full.
package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
	"github.com/tbourn/go-agent-backend/internal/repo"
)

var (
	// sinkEmitted counts records accepted into the buffer.
	sinkEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analytics_records_emitted_total",
		Help: "Total number of analytics records accepted for persistence.",
	})

	// sinkDropped counts records lost to a full buffer or a write error.
	sinkDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_records_dropped_total",
		Help: "Total number of analytics records dropped.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(sinkEmitted, sinkDropped)
}

// Sink accepts pipeline analytics records. Implementations must be
// non-blocking and safe for concurrent use.
type Sink interface {
	Emit(rec domain.RequestLog)
	Close(ctx context.Context) error
}

// DBSink writes records to the request_logs table asynchronously.
type DBSink struct {
	db   *gorm.DB
	ch   chan domain.RequestLog
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDBSink starts the writer goroutine. buffer <= 0 selects a default.
func NewDBSink(db *gorm.DB, buffer int) *DBSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &DBSink{
		db:   db,
		ch:   make(chan domain.RequestLog, buffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit queues one record. When the buffer is full the record is dropped and
// counted; the caller is never blocked. Emit after Close is a no-op; the
// HTTP server must be stopped before the sink is closed.
func (s *DBSink) Emit(rec domain.RequestLog) {
	if s.closed.Load() {
		sinkDropped.WithLabelValues("closed").Inc()
		return
	}
	select {
	case s.ch <- rec:
		sinkEmitted.Inc()
	default:
		sinkDropped.WithLabelValues("buffer_full").Inc()
	}
}

func (s *DBSink) run() {
	defer close(s.done)
	for rec := range s.ch {
		// Each write gets its own deadline so one slow insert cannot wedge
		// the writer forever.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := repo.CreateRequestLog(ctx, s.db, &rec)
		cancel()
		if err != nil {
			sinkDropped.WithLabelValues("write_error").Inc()
			log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("analytics write failed")
		}
	}
}

// Close stops accepting records and drains the buffer. It returns early with
// the context error if draining outlives ctx.
func (s *DBSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
