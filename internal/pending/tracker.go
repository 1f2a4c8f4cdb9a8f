// Package pending tracks relay connections that asked to control a target
// but have not yet seen that target come to the foreground.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HsiangNianian/tabrelay/internal/clock"
	"github.com/HsiangNianian/tabrelay/internal/events"
)

const (
	DefaultTimeout = 5 * time.Second

	// ReasonInactive is the close reason sent to an expired connection.
	ReasonInactive = "target selection timed out: selected tab did not become active"

	notifyTimeout = 5 * time.Second
)

// Conn is a client connection the tracker may close. Implementations are
// used as map keys and must be comparable.
type Conn interface {
	CloseWithReason(reason string) error
}

// Notifier tells the foreground target that a selection expired.
type Notifier interface {
	NotifySelectionTimeout(ctx context.Context, targetID string) error
}

type Option func(*Tracker)

func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

type entry struct {
	targetID string
	timer    *clock.Timer
}

// Tracker holds one pending selection per connection. An entry is
// confirmed when its target becomes the foreground target; otherwise a
// timer starts on the first foreground change to some other target and
// the connection is closed when it fires.
type Tracker struct {
	clock    clock.Clock
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	entries    map[Conn]*entry
	confirmed  map[Conn]string
	foreground string
	sub        *events.Subscription
}

func New(clk clock.Clock, notifier Notifier, opts ...Option) *Tracker {
	t := &Tracker{
		clock:     clk,
		notifier:  notifier,
		timeout:   DefaultTimeout,
		entries:   make(map[Conn]*entry),
		confirmed: make(map[Conn]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Listen feeds foreground changes from bus into the tracker until Stop.
func (t *Tracker) Listen(bus *events.Bus) {
	sub := bus.Subscribe(events.TopicForeground, func(_ context.Context, evt events.Event) error {
		t.OnForeground(evt.TargetID)
		return nil
	})
	t.mu.Lock()
	t.sub.Unsubscribe()
	t.sub = sub
	t.mu.Unlock()
}

// Stop unsubscribes from the bus and cancels every timer.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sub.Unsubscribe()
	t.sub = nil
	for conn, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, conn)
	}
}

// Track records that conn selected targetID. A previous selection by the
// same connection is replaced. Selecting the current foreground target
// confirms at once; Track reports whether it did.
func (t *Tracker) Track(conn Conn, targetID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[conn]; ok && old.timer != nil {
		old.timer.Stop()
	}
	delete(t.entries, conn)
	delete(t.confirmed, conn)
	if targetID != "" && targetID == t.foreground {
		t.confirmed[conn] = targetID
		return true
	}
	t.entries[conn] = &entry{targetID: targetID}
	t.logger.Debug("pending: selection tracked", "target_id", targetID)
	return false
}

// Foreground returns the last known foreground target.
func (t *Tracker) Foreground() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.foreground
}

// OnForeground confirms entries waiting for targetID and starts the
// expiry timer of every other entry that has none.
func (t *Tracker) OnForeground(targetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.foreground = targetID

	for conn, e := range t.entries {
		if e.targetID == targetID {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(t.entries, conn)
			t.confirmed[conn] = targetID
			t.logger.Debug("pending: selection confirmed", "target_id", targetID)
			continue
		}
		if e.timer == nil {
			e.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(conn, e) })
		}
	}
}

// Remove forgets conn, typically because it closed.
func (t *Tracker) Remove(conn Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[conn]; ok && e.timer != nil {
		e.timer.Stop()
	}
	delete(t.entries, conn)
	delete(t.confirmed, conn)
}

// Pending reports whether conn has an unconfirmed selection.
func (t *Tracker) Pending(conn Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[conn]
	return ok
}

// Confirmed returns the target conn controls, if its selection was
// confirmed.
func (t *Tracker) Confirmed(conn Conn) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.confirmed[conn]
	return id, ok
}

// Len returns the number of pending entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) expire(conn Conn, e *entry) {
	t.mu.Lock()
	if t.entries[conn] != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, conn)
	foreground := t.foreground
	t.mu.Unlock()

	t.logger.Info("pending: selection expired", "target_id", e.targetID, "foreground", foreground)
	if err := conn.CloseWithReason(ReasonInactive); err != nil {
		t.logger.Debug("pending: close failed", "error", err)
	}
	if t.notifier == nil || foreground == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := t.notifier.NotifySelectionTimeout(ctx, foreground); err != nil {
		t.logger.Warn("pending: notify foreground failed", "target_id", foreground, "error", err)
	}
}
