package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/metrics"
)

// Sink consumes batches of messages. Implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Message) error
	Close(ctx context.Context) error
}

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 256).
//   - MaxBatch: flush once this many messages queue (default 20).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 1s).
//   - SinkTimeout: per-sink timeout while flushing (default 15s).
type Config struct {
	BufferSize   int
	MaxBatch     int
	MaxBatchWait time.Duration
	SinkTimeout  time.Duration
	Logger       *zap.Logger
	// Now stamps messages; defaults to time.Now.
	Now func() time.Time
}

const (
	defaultBufferSize   = 256
	defaultMaxBatch     = 20
	defaultMaxBatchWait = time.Second
	defaultSinkTimeout  = 15 * time.Second
	dropLogInterval     = 5 * time.Second
)

// Hub fans messages out to sinks on a background goroutine. It implements
// crawler.Notifier and never blocks callers; a full buffer drops messages.
type Hub struct {
	cfg         Config
	sinks       []Sink
	messages    chan Message
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLog     *rate.Sometimes
	dropped     atomic.Int64
	closed      atomic.Bool

	mu     sync.RWMutex
	runID  string
	target string
	stage  string

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub over sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		messages:    make(chan Message, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLog:     &rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// SetContext labels subsequent messages with the run, target and stage.
func (h *Hub) SetContext(runID, target, stage string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.runID, h.target, h.stage = runID, target, stage
	h.mu.Unlock()
}

// Notify enqueues a text message.
func (h *Hub) Notify(text string) {
	h.emit(Message{Text: text})
}

// NotifyWithImage enqueues a screenshot with a caption.
func (h *Hub) NotifyWithImage(image []byte, caption string) {
	h.emit(Message{Text: caption, Image: image})
}

func (h *Hub) emit(msg Message) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := msg.Validate(); err != nil {
		h.logger.Debug("discarding notification", zap.Error(err))
		return
	}
	h.mu.RLock()
	msg.RunID, msg.Target, msg.Stage = h.runID, h.target, h.stage
	h.mu.RUnlock()
	msg.At = h.cfg.Now().UTC()
	select {
	case h.messages <- msg:
	default:
		h.dropped.Add(1)
		metrics.ObserveNotificationDropped()
		h.dropLog.Do(func() {
			h.logger.Warn("notifications dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Close drains queued messages, flushes and closes the sinks, and waits for
// the background goroutine. It is safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify hub close wait: %w", ctx.Err())
	}
}

// run batches queued messages. A batch goes out when it reaches MaxBatch or
// MaxBatchWait after its first message, whichever comes first.
func (h *Hub) run() {
	defer close(h.doneCh)
	var (
		pending []Message
		due     <-chan time.Time
	)
	send := func() {
		if len(pending) > 0 {
			h.flush(pending)
			pending = nil
		}
		due = nil
	}
	for {
		select {
		case msg := <-h.messages:
			pending = append(pending, msg)
			if len(pending) >= h.cfg.MaxBatch {
				send()
			} else if due == nil {
				due = time.After(h.cfg.MaxBatchWait)
			}
		case <-due:
			send()
		case <-h.stopCh:
			// Emit refuses new messages once closed, so the queue only shrinks.
			for len(h.messages) > 0 {
				pending = append(pending, <-h.messages)
				if len(pending) >= h.cfg.MaxBatch {
					send()
				}
			}
			send()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Message) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("notify sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("notify sink close failed", zap.Error(err))
		}
	}
}
