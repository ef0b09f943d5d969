// Package broadcast batches routed events per connection and hands them to
// the transport at a bounded rate.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tickstream/internal/metrics"
	"tickstream/pkg/types"
)

// Transport pushes one batch to one connection. Any error means the
// connection is gone; the broadcaster never retries.
type Transport interface {
	Send(ctx context.Context, batch *types.DeliveryBatch) error
}

// FailureFunc is told about a connection whose transport failed. It runs on
// its own goroutine.
type FailureFunc func(connectionID string, err error)

// Config controls batching and rate limiting.
type Config struct {
	BatchWindow  time.Duration
	MaxBatchSize int
	QueueSize    int
	FlushRate    float64
	FlushBurst   int
	SendTimeout  time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchWindow:  100 * time.Millisecond,
		MaxBatchSize: 50,
		QueueSize:    256,
		FlushRate:    10,
		FlushBurst:   5,
		SendTimeout:  5 * time.Second,
	}
}

// Broadcaster owns one outbox per active connection.
type Broadcaster struct {
	cfg       Config
	transport Transport
	limiter   *RateLimiter
	onFailure FailureFunc
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	outboxes map[string]*outbox
	stopped  bool
}

// outbox is the per-connection queue plus its single flush goroutine.
// FUNCTIONAL DISCOVERY: One goroutine per connection owns the pending batch,
// so per-connection FIFO order holds without any lock on the batch.
type outbox struct {
	connectionID string
	queue        chan *types.Event
	drainCh      chan chan error
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	backlog      atomic.Int64
}

// New creates a broadcaster. onFailure may be nil.
func New(cfg Config, transport Transport, onFailure FailureFunc, logger *zap.Logger, m *metrics.Metrics) (*Broadcaster, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	defaults := DefaultConfig()
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaults.BatchWindow
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		cfg:       cfg,
		transport: transport,
		limiter:   NewRateLimiter(cfg.FlushRate, cfg.FlushBurst),
		onFailure: onFailure,
		logger:    logger,
		metrics:   m,
		outboxes:  make(map[string]*outbox),
	}
	m.SetBacklogSource(b.Backlogs)
	return b, nil
}

// Open starts an outbox for a connection that just became active.
func (b *Broadcaster) Open(connectionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrBroadcasterStopped
	}
	if _, exists := b.outboxes[connectionID]; exists {
		return ErrOutboxExists
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{
		connectionID: connectionID,
		queue:        make(chan *types.Event, b.cfg.QueueSize),
		drainCh:      make(chan chan error),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	b.outboxes[connectionID] = o
	go b.run(o)
	return nil
}

// Enqueue hands deliveries to their outboxes without blocking. Events for a
// connection without an outbox, or whose queue is full, are dropped and counted.
func (b *Broadcaster) Enqueue(deliveries []types.Delivery) {
	if len(deliveries) == 0 {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, d := range deliveries {
		o := b.outboxes[d.ConnectionID]
		if o == nil {
			b.metrics.AddDropped(metrics.DropClosed, 1)
			continue
		}
		select {
		case o.queue <- d.Event:
			o.backlog.Add(1)
		default:
			b.metrics.AddDropped(metrics.DropQueueFull, 1)
		}
	}
}

func (b *Broadcaster) detach(connectionID string) *outbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := b.outboxes[connectionID]
	delete(b.outboxes, connectionID)
	return o
}

// detachOutbox removes o only if it is still the registered outbox.
func (b *Broadcaster) detachOutbox(o *outbox) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outboxes[o.connectionID] == o {
		delete(b.outboxes, o.connectionID)
	}
}

// Drain flushes whatever the connection has pending once more, ignoring the
// rate limit, then stops its outbox. It returns the final flush error.
func (b *Broadcaster) Drain(ctx context.Context, connectionID string) error {
	o := b.detach(connectionID)
	if o == nil {
		return ErrOutboxNotFound
	}
	defer b.limiter.Remove(connectionID)

	reply := make(chan error, 1)
	select {
	case o.drainCh <- reply:
	case <-o.done:
		return nil
	case <-ctx.Done():
		o.cancel()
		return ctx.Err()
	}
	select {
	case err := <-reply:
		<-o.done
		return err
	case <-ctx.Done():
		o.cancel()
		return ctx.Err()
	}
}

// Close stops a connection's outbox and discards anything pending.
func (b *Broadcaster) Close(connectionID string) {
	o := b.detach(connectionID)
	if o == nil {
		return
	}
	o.cancel()
	<-o.done
	b.limiter.Remove(connectionID)
}

// Stop drains every outbox and refuses new ones.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	ids := make([]string, 0, len(b.outboxes))
	for id := range b.outboxes {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := b.Drain(ctx, id); err != nil && !errors.Is(err, ErrOutboxNotFound) {
				b.logger.Debug("final flush failed during stop", zap.String("connection_id", id), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
	return ctx.Err()
}

// Backlog returns events queued or batched for a connection but not yet sent.
func (b *Broadcaster) Backlog(connectionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if o := b.outboxes[connectionID]; o != nil {
		return int(o.backlog.Load())
	}
	return 0
}

// Backlogs returns the backlog of every open outbox.
func (b *Broadcaster) Backlogs() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.outboxes))
	for id, o := range b.outboxes {
		out[id] = int(o.backlog.Load())
	}
	return out
}

// Len returns the number of open outboxes.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.outboxes)
}

func (b *Broadcaster) run(o *outbox) {
	defer close(o.done)

	var (
		batch       []*types.Event
		windowStart time.Time
	)
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	// flush sends the pending batch if a token is available. It returns false
	// once the transport has failed.
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		if !b.limiter.Allow(o.connectionID) {
			// TECHNICAL DISCOVERY: Retry exactly when the next token lands
			// instead of polling.
			resetTimer(timer, max(b.limiter.Delay(o.connectionID), time.Millisecond))
			return true
		}
		stopTimer(timer)
		sent := batch
		batch = nil
		err := b.send(o.connectionID, sent, windowStart)
		o.backlog.Add(-int64(len(sent)))
		if err != nil {
			b.metrics.AddDropped(metrics.DropClosed, len(sent))
			return false
		}
		return true
	}

	fail := func() {
		b.detachOutbox(o)
		b.limiter.Remove(o.connectionID)
		dropped := len(batch) + len(o.queue)
		b.metrics.AddDropped(metrics.DropClosed, dropped)
		o.backlog.Store(0)
	}

	for {
		select {
		case <-o.ctx.Done():
			b.metrics.AddDropped(metrics.DropClosed, len(batch)+len(o.queue))
			o.backlog.Store(0)
			return

		case reply := <-o.drainCh:
			reply <- b.drainAll(o, batch, windowStart)
			return

		case ev := <-o.queue:
			if len(batch) >= b.cfg.MaxBatchSize {
				// Throttled with a full batch: excess is dropped.
				o.backlog.Add(-1)
				b.metrics.AddDropped(metrics.DropRateLimited, 1)
				continue
			}
			if len(batch) == 0 {
				windowStart = time.Now()
				resetTimer(timer, b.cfg.BatchWindow)
			}
			batch = append(batch, ev)
			if len(batch) >= b.cfg.MaxBatchSize && !flush() {
				fail()
				return
			}

		case <-timer.C:
			if !flush() {
				fail()
				return
			}
		}
	}
}

// drainAll sends the pending batch plus everything still queued, in
// MaxBatchSize chunks, without consulting the limiter.
func (b *Broadcaster) drainAll(o *outbox, batch []*types.Event, windowStart time.Time) error {
	for {
		select {
		case ev := <-o.queue:
			batch = append(batch, ev)
			continue
		default:
		}
		break
	}
	defer o.backlog.Store(0)

	if len(batch) > 0 && windowStart.IsZero() {
		windowStart = time.Now()
	}
	for len(batch) > 0 {
		n := min(len(batch), b.cfg.MaxBatchSize)
		if err := b.sendOnce(o.connectionID, batch[:n], windowStart); err != nil {
			b.metrics.AddDropped(metrics.DropClosed, len(batch))
			return err
		}
		batch = batch[n:]
		windowStart = time.Now()
	}
	return nil
}

// send pushes a batch and reports a failure to the owner.
func (b *Broadcaster) send(connectionID string, events []*types.Event, windowStart time.Time) error {
	err := b.sendOnce(connectionID, events, windowStart)
	if err != nil && b.onFailure != nil {
		go b.onFailure(connectionID, err)
	}
	return err
}

func (b *Broadcaster) sendOnce(connectionID string, events []*types.Event, windowStart time.Time) error {
	batch := &types.DeliveryBatch{
		ConnectionID: connectionID,
		Events:       events,
		WindowStart:  windowStart,
		WindowEnd:    time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
	defer cancel()

	if err := b.transport.Send(ctx, batch); err != nil {
		b.metrics.IncTransportFailure()
		b.logger.Warn("transport send failed",
			zap.String("connection_id", connectionID),
			zap.Int("events", len(events)),
			zap.Error(err))
		return &types.TransportFailure{ConnectionID: connectionID, Err: err}
	}
	b.metrics.ObserveFlush(len(events))
	return nil
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
