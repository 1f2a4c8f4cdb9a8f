package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/tabrelay/internal/events"
	"github.com/HsiangNianian/tabrelay/internal/store"
)

type fakeBrowser struct {
	mu          sync.Mutex
	targets     []TargetInfo
	nextID      int
	attaches    []string
	detaches    []string
	activated   []string
	navigated   map[string]string
	scripts     []Script
	notified    map[string]string
	runErr      error
	activateErr error
}

func newFakeBrowser(targets ...TargetInfo) *fakeBrowser {
	return &fakeBrowser{
		targets:   targets,
		navigated: make(map[string]string),
		notified:  make(map[string]string),
	}
}

func (f *fakeBrowser) CreateTarget(_ context.Context, url string) (TargetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	info := TargetInfo{ID: fmt.Sprintf("new-%d", f.nextID), Type: "page", URL: url}
	f.targets = append(f.targets, info)
	return info, nil
}

func (f *fakeBrowser) NavigateTarget(_ context.Context, id, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated[id] = url
	return nil
}

func (f *fakeBrowser) ActivateTarget(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		return f.activateErr
	}
	f.activated = append(f.activated, id)
	return nil
}

func (f *fakeBrowser) GetTarget(_ context.Context, id string) (TargetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.targets {
		if t.ID == id {
			return t, nil
		}
	}
	return TargetInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (f *fakeBrowser) ListTargets(context.Context) ([]TargetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TargetInfo(nil), f.targets...), nil
}

func (f *fakeBrowser) CaptureVisible(context.Context, string) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (f *fakeBrowser) Notify(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified[id] = message
	return nil
}

func (f *fakeBrowser) Attach(_ context.Context, id, version string) (Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if version != DefaultProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol %s", version)
	}
	f.attaches = append(f.attaches, id)
	return &fakeAttachment{browser: f, id: id}, nil
}

func (f *fakeBrowser) attachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attaches)
}

type fakeAttachment struct {
	browser *fakeBrowser
	id      string
}

func (a *fakeAttachment) TargetID() string { return a.id }

func (a *fakeAttachment) Run(_ context.Context, script Script) (json.RawMessage, error) {
	a.browser.mu.Lock()
	defer a.browser.mu.Unlock()
	if a.browser.runErr != nil {
		return nil, a.browser.runErr
	}
	a.browser.scripts = append(a.browser.scripts, script)
	return json.RawMessage(`{"ok":true}`), nil
}

func (a *fakeAttachment) AccessibilityTree(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`[{"nodeId":"1","role":{"value":"RootWebArea"}}]`), nil
}

func (a *fakeAttachment) Detach(context.Context) error {
	a.browser.mu.Lock()
	defer a.browser.mu.Unlock()
	a.browser.detaches = append(a.browser.detaches, a.id)
	return errors.New("detach always fails here")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, b *fakeBrowser, opts ...Option) (*Controller, *events.Bus) {
	t.Helper()
	bus := events.NewBus(events.WithLogger(discardLogger()))
	t.Cleanup(bus.Close)
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	c := New(b, bus, opts...)
	t.Cleanup(c.Close)
	return c, bus
}

func pages() []TargetInfo {
	return []TargetInfo{
		{ID: "A", Type: "page", URL: "https://a.example"},
		{ID: "B", Type: "page", URL: "https://b.example"},
		{ID: "C", Type: "page", URL: "https://c.example"},
		{ID: "S", Type: "page", URL: "chrome://settings"},
		{ID: "D", Type: "page", URL: "devtools://devtools/bundled/inspector.html"},
	}
}

func TestListTargetsExcludesPrivileged(t *testing.T) {
	c, _ := newTestController(t, newFakeBrowser(pages()...))

	res, err := c.ListTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Targets, 3)
	for _, target := range res.Targets {
		assert.False(t, IsPrivileged(target.URL), target.URL)
	}
	assert.Empty(t, res.ActiveTargetID)
}

func TestActionsRequireBoundTarget(t *testing.T) {
	c, _ := newTestController(t, newFakeBrowser(pages()...))
	ctx := context.Background()

	_, err := c.Click(ctx, "#go")
	assert.ErrorIs(t, err, ErrNoTargetBound)
	_, err = c.Type(ctx, "#q", "x")
	assert.ErrorIs(t, err, ErrNoTargetBound)
	_, err = c.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrNoTargetBound)
	_, err = c.Screenshot(ctx)
	assert.ErrorIs(t, err, ErrNoTargetBound)
}

func TestNavigateCreatesThenReusesTarget(t *testing.T) {
	b := newFakeBrowser()
	c, _ := newTestController(t, b)
	ctx := context.Background()

	first, err := c.Navigate(ctx, "https://one.example")
	require.NoError(t, err)
	assert.Equal(t, "new-1", first.TargetID)
	assert.Equal(t, "new-1", c.ActiveTarget())

	second, err := c.Navigate(ctx, "https://two.example")
	require.NoError(t, err)
	assert.Equal(t, first.TargetID, second.TargetID)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Len(t, b.targets, 1)
	assert.Equal(t, "https://two.example", b.navigated["new-1"])
	assert.Equal(t, []string{"new-1"}, b.activated)
}

func TestNavigateRejectsEmptyURL(t *testing.T) {
	c, _ := newTestController(t, newFakeBrowser())
	_, err := c.Navigate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestSelectTarget(t *testing.T) {
	b := newFakeBrowser(pages()...)
	c, _ := newTestController(t, b)
	ctx := context.Background()

	res, err := c.SelectTarget(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "B", res.TargetID)
	assert.Equal(t, "B", c.ActiveTarget())

	_, err = c.SelectTarget(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.SelectTarget(ctx, "S")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "B", c.ActiveTarget())

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"B"}, b.activated)
}

func TestEnsureAttachedIsIdempotent(t *testing.T) {
	b := newFakeBrowser(pages()...)
	c, _ := newTestController(t, b)
	ctx := context.Background()

	_, err := c.SelectTarget(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, c.EnsureAttached(ctx))
	require.NoError(t, c.EnsureAttached(ctx))
	_, err = c.Click(ctx, "#go")
	require.NoError(t, err)

	assert.Equal(t, 1, b.attachCount())
	assert.Equal(t, "A", c.AttachedTarget())
}

func TestRebindDetachesPreviousSession(t *testing.T) {
	b := newFakeBrowser(pages()...)
	c, bus := newTestController(t, b)
	ctx := context.Background()

	_, err := c.SelectTarget(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, c.EnsureAttached(ctx))
	require.Equal(t, 1, bus.SubscriberCount(events.TargetTopic("A")))

	_, err = c.SelectTarget(ctx, "B")
	require.NoError(t, err)

	assert.Empty(t, c.AttachedTarget())
	assert.Equal(t, 0, bus.SubscriberCount(events.TargetTopic("A")))
	b.mu.Lock()
	assert.Equal(t, []string{"A"}, b.detaches)
	b.mu.Unlock()

	require.NoError(t, c.EnsureAttached(ctx))
	assert.Equal(t, "B", c.AttachedTarget())
	assert.Equal(t, 2, b.attachCount())
}

func TestNoEventsFromPreviousTargetAfterRebind(t *testing.T) {
	var mu sync.Mutex
	var got []events.Event
	record := func(evt events.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt)
	}
	received := func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}

	c, bus := newTestController(t, newFakeBrowser(pages()...), WithEventHandler(record))
	ctx := context.Background()

	_, err := c.SelectTarget(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, c.EnsureAttached(ctx))
	require.NoError(t, bus.Emit(events.TargetTopic("A"), events.Event{TargetID: "A", Name: "before"}))
	require.Eventually(t, func() bool { return len(received()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.SelectTarget(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, c.EnsureAttached(ctx))

	require.NoError(t, bus.Emit(events.TargetTopic("A"), events.Event{TargetID: "A", Name: "stale"}))
	require.NoError(t, bus.Emit(events.TargetTopic("B"), events.Event{TargetID: "B", Name: "fresh"}))
	require.Eventually(t, func() bool { return len(received()) == 2 }, time.Second, 5*time.Millisecond)

	for _, evt := range received()[1:] {
		assert.Equal(t, "B", evt.TargetID)
	}
}

func TestTypeSendsStructuredArguments(t *testing.T) {
	b := newFakeBrowser(pages()...)
	c, _ := newTestController(t, b)
	ctx := context.Background()

	_, err := c.SelectTarget(ctx, "A")
	require.NoError(t, err)
	res, err := c.Type(ctx, "input[name='q']", "it's a test")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.scripts, 1)
	assert.Equal(t, []any{"input[name='q']", "it's a test"}, b.scripts[0].Args)
	assert.NotContains(t, b.scripts[0].Function, "it's a test")
}

func TestActionFailureWrapsErrAction(t *testing.T) {
	b := newFakeBrowser(pages()...)
	b.runErr = errors.New("Element not found: #missing")
	c, _ := newTestController(t, b)
	ctx := context.Background()

	_, err := c.SelectTarget(ctx, "A")
	require.NoError(t, err)
	_, err = c.Click(ctx, "#missing")
	require.ErrorIs(t, err, ErrAction)
	assert.Contains(t, err.Error(), "Element not found: #missing")
}

func TestSnapshotAndScreenshot(t *testing.T) {
	c, _ := newTestController(t, newFakeBrowser(pages()...))
	ctx := context.Background()

	_, err := c.SelectTarget(ctx, "C")
	require.NoError(t, err)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(snap.Nodes), "RootWebArea")

	shot, err := c.Screenshot(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(shot.DataURL, "data:image/png;base64,"))
}

func TestTargetClosedResetsBinding(t *testing.T) {
	closed := make(chan string, 1)
	b := newFakeBrowser(pages()...)
	c, bus := newTestController(t, b, WithTargetClosedHandler(func(id string) { closed <- id }))
	ctx := context.Background()

	_, err := c.SelectTarget(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, c.EnsureAttached(ctx))

	require.NoError(t, bus.Emit(events.TopicTargetClosed, events.Event{TargetID: "B"}))
	require.NoError(t, bus.Emit(events.TopicTargetClosed, events.Event{TargetID: "A"}))

	select {
	case id := <-closed:
		assert.Equal(t, "A", id)
	case <-time.After(time.Second):
		t.Fatal("target closed handler not called")
	}
	assert.Empty(t, c.ActiveTarget())
	assert.Empty(t, c.AttachedTarget())
}

func TestBindingPersistsAndRestores(t *testing.T) {
	st := store.NewMemoryStore()
	b := newFakeBrowser(pages()...)
	c, _ := newTestController(t, b, WithStore(st))
	ctx := context.Background()

	_, err := c.SelectTarget(ctx, "B")
	require.NoError(t, err)
	saved, err := st.GetSetting(ctx, store.KeyBoundTarget)
	require.NoError(t, err)
	assert.Equal(t, "B", saved)

	restored, _ := newTestController(t, b, WithStore(st))
	restored.Restore(ctx)
	assert.Equal(t, "B", restored.ActiveTarget())

	c.Reset(ctx)
	saved, err = st.GetSetting(ctx, store.KeyBoundTarget)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestForegroundPublishedOnSelect(t *testing.T) {
	c, bus := newTestController(t, newFakeBrowser(pages()...))
	fg := make(chan string, 1)
	sub := bus.Subscribe(events.TopicForeground, func(_ context.Context, evt events.Event) error {
		fg <- evt.TargetID
		return nil
	})
	defer sub.Unsubscribe()

	_, err := c.SelectTarget(context.Background(), "C")
	require.NoError(t, err)
	select {
	case id := <-fg:
		assert.Equal(t, "C", id)
	case <-time.After(time.Second):
		t.Fatal("no foreground event")
	}
}

func TestNotifySelectionTimeout(t *testing.T) {
	b := newFakeBrowser(pages()...)
	c, _ := newTestController(t, b)

	require.NoError(t, c.NotifySelectionTimeout(context.Background(), "A"))
	require.NoError(t, c.NotifySelectionTimeout(context.Background(), ""))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Contains(t, b.notified["A"], "selection timed out")
	assert.Len(t, b.notified, 1)
}

func TestSelectTargetKeepsBindingWhenActivateFails(t *testing.T) {
	st := store.NewMemoryStore()
	b := newFakeBrowser(pages()...)
	c, _ := newTestController(t, b, WithStore(st))
	ctx := context.Background()

	_, err := c.SelectTarget(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, c.EnsureAttached(ctx))

	b.mu.Lock()
	b.activateErr = errors.New("window gone")
	b.mu.Unlock()

	_, err = c.SelectTarget(ctx, "B")
	require.ErrorIs(t, err, ErrAction)
	assert.Equal(t, "A", c.ActiveTarget())
	assert.Equal(t, "A", c.AttachedTarget())

	saved, err := st.GetSetting(ctx, store.KeyBoundTarget)
	require.NoError(t, err)
	assert.Equal(t, "A", saved)
}

func TestRestorePublishesForeground(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.SetSetting(context.Background(), store.KeyBoundTarget, "B"))
	c, bus := newTestController(t, newFakeBrowser(pages()...), WithStore(st))
	fg := make(chan string, 1)
	sub := bus.Subscribe(events.TopicForeground, func(_ context.Context, evt events.Event) error {
		fg <- evt.TargetID
		return nil
	})
	defer sub.Unsubscribe()

	c.Restore(context.Background())
	select {
	case id := <-fg:
		assert.Equal(t, "B", id)
	case <-time.After(time.Second):
		t.Fatal("no foreground event")
	}
}
