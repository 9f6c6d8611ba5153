// Package throttle delays and coalesces outbound domain events per
// subscription key so that bursts of the same event type reach subscribers
// as a single, most recent update.
//
// Every key is owned by one goroutine. Publish, Flush, Clear and History
// are commands sent to that goroutine, so a key never has more than one
// scheduled flush.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/conneroisu/livegate/internal/config"
	"github.com/conneroisu/livegate/internal/logging"
)

// ErrClosed is returned by operations on a closed Distributor.
var ErrClosed = errors.New("distributor closed")

// Event is one outbound domain event.
type Event struct {
	Key         string      `json:"key"`
	Type        string      `json:"type"`
	Priority    Priority    `json:"priority,omitempty"`
	Payload     interface{} `json:"payload,omitempty"`
	PublishedAt time.Time   `json:"published_at"`
}

// Subscriber receives flushed events. Deliver is called from the key's
// owning goroutine and must not block.
type Subscriber interface {
	Deliver(ev Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ev Event)

func (f SubscriberFunc) Deliver(ev Event) { f(ev) }

// Stats are cumulative distributor counters.
type Stats struct {
	Published  int64 `json:"published"`
	Delivered  int64 `json:"delivered"`
	Coalesced  int64 `json:"coalesced"`
	Immediate  int64 `json:"immediate"`
	Dropped    int64 `json:"dropped"`
	ActiveKeys int   `json:"active_keys"`
}

type opKind int

const (
	opPublish opKind = iota
	opFlush
	opClear
	opHistory
)

type command struct {
	op    opKind
	event Event
	done  chan []Event
}

// Distributor fans throttled events out to per-key subscribers.
type Distributor struct {
	policy atomic.Pointer[policy]
	logger logging.Logger

	mu     sync.Mutex
	keys   map[string]*keyWorker
	closed bool
	wg     sync.WaitGroup
	subSeq atomic.Uint64

	published *xsync.Counter
	delivered *xsync.Counter
	coalesced *xsync.Counter
	immediate *xsync.Counter
	dropped   *xsync.Counter
}

// NewDistributor creates a distributor using cfg for delays and rules.
func NewDistributor(cfg config.ThrottleConfig, logger logging.Logger) (*Distributor, error) {
	p, err := newPolicy(cfg)
	if err != nil {
		return nil, err
	}
	d := &Distributor{
		logger:    logging.OrNop(logger).WithComponent("throttle"),
		keys:      make(map[string]*keyWorker),
		published: xsync.NewCounter(),
		delivered: xsync.NewCounter(),
		coalesced: xsync.NewCounter(),
		immediate: xsync.NewCounter(),
		dropped:   xsync.NewCounter(),
	}
	d.policy.Store(p)
	return d, nil
}

// SetConfig replaces delays and rules. Timers already armed keep their
// deadline; the history size applies to keys created afterwards.
func (d *Distributor) SetConfig(cfg config.ThrottleConfig) error {
	p, err := newPolicy(cfg)
	if err != nil {
		return err
	}
	d.policy.Store(p)
	return nil
}

// Subscribe attaches sub to key and returns a function that detaches it.
// When the last subscriber of a key detaches, pending events of that key
// are dropped and its goroutine exits.
func (d *Distributor) Subscribe(key string, sub Subscriber) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	w, ok := d.keys[key]
	if !ok {
		w = d.startWorker(key)
		d.keys[key] = w
	}
	id := "sub_" + strconv.FormatUint(d.subSeq.Add(1), 10)
	w.addSubscriber(id, sub)

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(key, w, id) })
	}, nil
}

func (d *Distributor) unsubscribe(key string, w *keyWorker, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if w.removeSubscriber(id) > 0 {
		return
	}
	if d.keys[key] == w {
		delete(d.keys, key)
	}
	w.stop()
}

// Publish hands ev to the owner of ev.Key. Events for keys without
// subscribers are counted as dropped.
func (d *Distributor) Publish(ctx context.Context, ev Event) error {
	if ev.Key == "" || ev.Type == "" {
		return fmt.Errorf("event key and type are required")
	}
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	w := d.keys[ev.Key]
	d.mu.Unlock()

	d.published.Inc()
	if w == nil {
		d.dropped.Inc()
		return nil
	}

	if err := w.send(ctx, command{op: opPublish, event: ev}); err != nil {
		if errors.Is(err, errWorkerStopped) {
			d.dropped.Inc()
			return nil
		}
		return err
	}
	return nil
}

// Flush emits the pending events of key now.
func (d *Distributor) Flush(ctx context.Context, key string) error {
	_, err := d.call(ctx, key, opFlush)
	return err
}

// Clear drops the pending events of key and cancels its timer.
func (d *Distributor) Clear(ctx context.Context, key string) error {
	_, err := d.call(ctx, key, opClear)
	return err
}

// History returns the most recent events published to key, oldest first.
func (d *Distributor) History(ctx context.Context, key string) ([]Event, error) {
	return d.call(ctx, key, opHistory)
}

func (d *Distributor) call(ctx context.Context, key string, op opKind) ([]Event, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	w := d.keys[key]
	d.mu.Unlock()
	if w == nil {
		return nil, nil
	}

	done := make(chan []Event, 1)
	if err := w.send(ctx, command{op: op, done: done}); err != nil {
		if errors.Is(err, errWorkerStopped) {
			return nil, nil
		}
		return nil, err
	}
	select {
	case events := <-done:
		return events, nil
	case <-w.quit:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Keys returns the subscribed keys.
func (d *Distributor) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.keys))
	for k := range d.keys {
		out = append(out, k)
	}
	return out
}

// Stats returns the cumulative counters.
func (d *Distributor) Stats() Stats {
	d.mu.Lock()
	active := len(d.keys)
	d.mu.Unlock()

	return Stats{
		Published:  d.published.Value(),
		Delivered:  d.delivered.Value(),
		Coalesced:  d.coalesced.Value(),
		Immediate:  d.immediate.Value(),
		Dropped:    d.dropped.Value(),
		ActiveKeys: active,
	}
}

// Close stops every key goroutine. Pending events are discarded.
func (d *Distributor) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for key, w := range d.keys {
		w.stop()
		delete(d.keys, key)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

var errWorkerStopped = errors.New("key worker stopped")

// keyWorker owns the queue, timer, and history of one key.
type keyWorker struct {
	key  string
	d    *Distributor
	cmds chan command
	quit chan struct{}

	stopOnce sync.Once

	subMu sync.RWMutex
	subs  map[string]Subscriber

	// Owned by run.
	pending  []Event
	lastEmit map[string]time.Time
	history  *ring
	timer    *time.Timer
	deadline time.Time
}

func (d *Distributor) startWorker(key string) *keyWorker {
	w := &keyWorker{
		key:      key,
		d:        d,
		cmds:     make(chan command, 64),
		quit:     make(chan struct{}),
		subs:     make(map[string]Subscriber),
		lastEmit: make(map[string]time.Time),
		history:  newRing(d.policy.Load().historySize),
	}
	d.wg.Add(1)
	go w.run()
	return w
}

func (w *keyWorker) addSubscriber(id string, sub Subscriber) {
	w.subMu.Lock()
	w.subs[id] = sub
	w.subMu.Unlock()
}

func (w *keyWorker) removeSubscriber(id string) int {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	delete(w.subs, id)
	return len(w.subs)
}

func (w *keyWorker) stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

func (w *keyWorker) send(ctx context.Context, c command) error {
	select {
	case w.cmds <- c:
		return nil
	case <-w.quit:
		return errWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *keyWorker) run() {
	defer w.d.wg.Done()
	defer w.stopTimer()

	for {
		var timerC <-chan time.Time
		if w.timer != nil {
			timerC = w.timer.C
		}

		select {
		case <-w.quit:
			w.d.dropped.Add(int64(len(w.pending)))
			return
		case c := <-w.cmds:
			w.handle(c)
		case <-timerC:
			w.timer = nil
			w.flush()
		}
	}
}

func (w *keyWorker) handle(c command) {
	switch c.op {
	case opPublish:
		w.publish(c.event)
	case opFlush:
		w.flush()
	case opClear:
		if n := len(w.pending); n > 0 {
			w.d.dropped.Add(int64(n))
		}
		w.pending = nil
		w.stopTimer()
	case opHistory:
		c.done <- w.history.snapshot()
		return
	}
	if c.done != nil {
		c.done <- nil
	}
}

func (w *keyWorker) publish(ev Event) {
	p := w.d.policy.Load()
	rule := p.resolve(ev.Type, ev.Priority)
	ev.Priority = rule.Priority
	w.history.push(ev)

	now := time.Now()
	if rule.Priority == PriorityCritical {
		w.d.immediate.Inc()
		w.emit(ev, now)
		return
	}

	maxDelay := p.maxDelay[rule.Priority]
	w.pending = append(w.pending, ev)

	if last, ok := w.lastEmit[ev.Type]; ok {
		elapsed := now.Sub(last)
		if (rule.MinInterval > 0 && elapsed >= rule.MinInterval) || elapsed >= maxDelay {
			w.d.immediate.Inc()
			w.flush()
			return
		}
	}

	deadline := now.Add(maxDelay)
	if w.timer == nil || deadline.Before(w.deadline) {
		w.stopTimer()
		w.timer = time.NewTimer(maxDelay)
		w.deadline = deadline
	}
}

// flush emits the most recent pending event of each type, in the order the
// types first appeared in the queue.
func (w *keyWorker) flush() {
	w.stopTimer()
	if len(w.pending) == 0 {
		return
	}

	latest := make(map[string]int, len(w.pending))
	var order []string
	for i, ev := range w.pending {
		if _, seen := latest[ev.Type]; !seen {
			order = append(order, ev.Type)
		}
		latest[ev.Type] = i
	}

	pending := w.pending
	w.pending = nil
	w.d.coalesced.Add(int64(len(pending) - len(order)))

	now := time.Now()
	for _, t := range order {
		w.emit(pending[latest[t]], now)
	}
}

func (w *keyWorker) emit(ev Event, now time.Time) {
	w.lastEmit[ev.Type] = now

	w.subMu.RLock()
	subs := make([]Subscriber, 0, len(w.subs))
	for _, s := range w.subs {
		subs = append(subs, s)
	}
	w.subMu.RUnlock()

	w.d.delivered.Inc()
	for _, s := range subs {
		w.deliver(s, ev)
	}
}

func (w *keyWorker) deliver(s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			w.d.logger.Error(context.Background(), fmt.Errorf("subscriber panic: %v", r),
				"Subscriber failed", "key", w.key, "event_type", ev.Type)
		}
	}()
	s.Deliver(ev)
}

func (w *keyWorker) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.deadline = time.Time{}
}
