package notify

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultQueueSize = 64
	defaultRate      = 2.0
	sendTimeout      = 15 * time.Second
)

type message struct {
	title string
	body  string
}

// Dispatcher decouples callers from delivery: Notify enqueues and returns at
// once, a single worker delivers under a token-bucket rate limit. When the
// queue is full the notification is dropped and logged.
type Dispatcher struct {
	sender  Notifier
	logger  *slog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
	queue  chan message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher starts the delivery worker. ratePerSec <= 0 and queueSize <= 0
// take the defaults.
func NewDispatcher(sender Notifier, logger *slog.Logger, ratePerSec float64, queueSize int) *Dispatcher {
	if ratePerSec <= 0 {
		ratePerSec = defaultRate
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender:  sender,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		queue:   make(chan message, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify queues a notification without blocking.
func (d *Dispatcher) Notify(title, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- message{title: title, body: body}:
	default:
		d.logger.Warn("notification queue full, dropping", "title", title)
	}
}

// Close stops intake and drains queued notifications until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		if err := d.limiter.Wait(d.ctx); err != nil {
			return
		}
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in notification sender", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	ctx, cancel := context.WithTimeout(d.ctx, sendTimeout)
	defer cancel()
	if err := d.sender.Send(ctx, msg.title, msg.body); err != nil {
		d.logger.Warn("send notification", "title", msg.title, "err", err)
	}
}
