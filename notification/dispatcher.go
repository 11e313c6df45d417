package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"escrowflow/logging"
	"escrowflow/metrics"
)

// Dispatcher hands a notification to the delivery pipeline. Implementations must
// not block the caller on network I/O.
type Dispatcher interface {
	Dispatch(n Notification)
}

// Delivery is a single channel/recipient unit of work.
type Delivery struct {
	NotificationID string  `json:"notification_id"`
	Type           Type    `json:"type"`
	Channel        Channel `json:"channel"`
	Recipient      string  `json:"recipient"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
}

// Sender delivers over one channel. Delivery is best effort.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, d Delivery) error

func (f SenderFunc) Send(ctx context.Context, d Delivery) error { return f(ctx, d) }

// DispatchOptions tunes AsyncDispatcher.
type DispatchOptions struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	RatePerSecond  float64
	Logger         *slog.Logger
	Metrics        *metrics.Escrow
}

// AsyncDispatcher fans notifications out to per-channel senders through a bounded
// queue drained by worker goroutines. A full queue drops the delivery and logs it.
type AsyncDispatcher struct {
	queue       chan Delivery
	senders     map[Channel]Sender
	limiters    map[Channel]*rate.Limiter
	workers     int
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Escrow

	mu     sync.RWMutex
	closed bool
}

func NewAsyncDispatcher(senders map[Channel]Sender, opts DispatchOptions) *AsyncDispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &AsyncDispatcher{
		queue:       make(chan Delivery, opts.QueueSize),
		senders:     make(map[Channel]Sender, len(senders)),
		limiters:    make(map[Channel]*rate.Limiter, len(senders)),
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.InitialBackoff,
		logger:      opts.Logger.With("component", "dispatcher"),
		metrics:     opts.Metrics,
	}
	for ch, s := range senders {
		if s == nil {
			continue
		}
		d.senders[ch] = s
		if opts.RatePerSecond > 0 {
			burst := int(opts.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
			d.limiters[ch] = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
		}
	}
	return d
}

// Dispatch enqueues one delivery per channel and recipient and returns immediately.
func (d *AsyncDispatcher) Dispatch(n Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.RecordDrop("closed")
		d.logger.Warn("dispatcher closed, notification dropped", "notification", n.ID)
		return
	}
	for _, ch := range ChannelsFor(n.Type) {
		if _, ok := d.senders[ch]; !ok {
			d.metrics.RecordDrop("no_sender")
			continue
		}
		for _, recipient := range n.Recipients {
			delivery := Delivery{
				NotificationID: n.ID,
				Type:           n.Type,
				Channel:        ch,
				Recipient:      recipient,
				Title:          n.Title,
				Body:           n.Message,
			}
			select {
			case d.queue <- delivery:
			default:
				d.metrics.RecordDrop("queue_full")
				d.logger.Warn("dispatch queue full, delivery dropped",
					"notification", n.ID, "channel", string(ch), logging.MaskField("recipient", recipient))
			}
		}
	}
}

// Run drains the queue with the configured number of workers until ctx is cancelled.
// Deliveries still queued at shutdown are dropped.
func (d *AsyncDispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	<-ctx.Done()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	wg.Wait()
	return nil
}

func (d *AsyncDispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery := <-d.queue:
			d.deliver(ctx, delivery)
		}
	}
}

func (d *AsyncDispatcher) deliver(ctx context.Context, delivery Delivery) {
	sender := d.senders[delivery.Channel]
	if limiter := d.limiters[delivery.Channel]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.backoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return sender.Send(ctx, delivery)
	}, retry, func(err error, wait time.Duration) {
		d.metrics.RecordDelivery(string(delivery.Channel), "retry")
		d.logger.Debug("delivery failed, retrying",
			"notification", delivery.NotificationID,
			"channel", string(delivery.Channel),
			"attempt", attempt,
			"wait", wait.String(),
			"error", err.Error())
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		d.metrics.RecordDelivery(string(delivery.Channel), "failed")
		d.logger.Error("delivery failed",
			"notification", delivery.NotificationID,
			"channel", string(delivery.Channel),
			logging.MaskField("recipient", delivery.Recipient),
			"attempts", attempt,
			"error", err.Error())
		return
	}
	d.metrics.RecordDelivery(string(delivery.Channel), "delivered")
}
