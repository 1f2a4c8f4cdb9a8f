package browser

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/tabrelay/internal/clock"
	"github.com/HsiangNianian/tabrelay/internal/events"
	"github.com/HsiangNianian/tabrelay/internal/pending"
	"github.com/HsiangNianian/tabrelay/internal/session"
)

func newTestChrome(t *testing.T) (*Chrome, *events.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(events.WithLogger(logger))
	t.Cleanup(bus.Close)
	return New("http://127.0.0.1:9", bus, logger), bus
}

func TestOperationsBeforeStart(t *testing.T) {
	c, _ := newTestChrome(t)
	ctx := context.Background()

	_, err := c.ListTargets(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = c.CreateTarget(ctx, "https://example.com")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, c.ActivateTarget(ctx, "A"), ErrNotStarted)
	assert.ErrorIs(t, c.NavigateTarget(ctx, "A", "https://example.com"), ErrNotStarted)
	_, err = c.CaptureVisible(ctx, "A")
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = c.Attach(ctx, "A", session.DefaultProtocolVersion)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NotPanics(t, c.Close)
}

func TestPagesKeepsOnlyPageTargets(t *testing.T) {
	got := pages([]*target.Info{
		{TargetID: "1", Type: "page", Title: "Docs", URL: "https://docs.example"},
		{TargetID: "2", Type: "service_worker", URL: "https://docs.example/sw.js"},
		nil,
		{TargetID: "3", Type: "page", URL: "chrome://newtab"},
		{TargetID: "4", Type: "iframe", URL: "https://ads.example"},
	})
	assert.Equal(t, []session.TargetInfo{
		{ID: "1", Type: "page", Title: "Docs", URL: "https://docs.example"},
		{ID: "3", Type: "page", URL: "chrome://newtab"},
	}, got)
}

func TestTargetDestroyedIsPublished(t *testing.T) {
	c, bus := newTestChrome(t)
	closed := make(chan events.Event, 1)
	sub := bus.Subscribe(events.TopicTargetClosed, func(_ context.Context, evt events.Event) error {
		closed <- evt
		return nil
	})
	defer sub.Unsubscribe()

	c.onBrowserEvent(&target.EventTargetCreated{})
	c.onBrowserEvent(&target.EventTargetDestroyed{TargetID: "42"})

	select {
	case evt := <-closed:
		assert.Equal(t, "42", evt.TargetID)
		assert.Equal(t, "*target.EventTargetDestroyed", evt.Name)
	case <-time.After(time.Second):
		t.Fatal("no target closed event")
	}
}

func TestPublishUsesTargetTopic(t *testing.T) {
	c, bus := newTestChrome(t)
	got := make(chan events.Event, 1)
	sub := bus.Subscribe(events.TargetTopic("7"), func(_ context.Context, evt events.Event) error {
		got <- evt
		return nil
	})
	defer sub.Unsubscribe()

	c.publish("7", &target.EventTargetInfoChanged{})
	select {
	case evt := <-got:
		require.Equal(t, "7", evt.TargetID)
		assert.Equal(t, "*target.EventTargetInfoChanged", evt.Name)
	case <-time.After(time.Second):
		t.Fatal("no target event")
	}
}

type nopConn struct{}

func (*nopConn) CloseWithReason(string) error { return nil }

func TestForegroundBindingConfirmsSelection(t *testing.T) {
	c, bus := newTestChrome(t)
	tracker := pending.New(clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), nil,
		pending.WithLogger(c.logger))
	tracker.Listen(bus)
	t.Cleanup(tracker.Stop)

	conn := &nopConn{}
	require.False(t, tracker.Track(conn, "A"))

	c.onTargetEvent("A", &runtime.EventBindingCalled{Name: "somethingElse"})
	c.onTargetEvent("A", &runtime.EventConsoleAPICalled{})
	require.True(t, tracker.Pending(conn))

	c.onTargetEvent("A", &runtime.EventBindingCalled{Name: foregroundBinding})
	require.Eventually(t, func() bool {
		id, ok := tracker.Confirmed(conn)
		return ok && id == "A"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "A", tracker.Foreground())
}

func TestShouldWatch(t *testing.T) {
	tests := map[string]struct {
		info *target.Info
		want bool
	}{
		"nil":            {nil, false},
		"page":           {&target.Info{TargetID: "1", Type: "page", URL: "https://a.example"}, true},
		"privileged":     {&target.Info{TargetID: "2", Type: "page", URL: "chrome://settings"}, false},
		"service worker": {&target.Info{TargetID: "3", Type: "service_worker", URL: "https://a.example/sw.js"}, false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldWatch(tt.info))
		})
	}
}

func TestFailedWatchIsForgotten(t *testing.T) {
	c, _ := newTestChrome(t)
	c.onBrowserEvent(&target.EventTargetCreated{
		TargetInfo: &target.Info{TargetID: "7", Type: "page", URL: "https://a.example"},
	})
	// Not started, so the install fails and the target can be retried.
	require.Eventually(t, func() bool {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		return !c.watched["7"]
	}, time.Second, 5*time.Millisecond)
}
