// Package browser drives the user's running Chrome through its remote
// debugging endpoint.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/HsiangNianian/tabrelay/internal/events"
	"github.com/HsiangNianian/tabrelay/internal/session"
)

// ErrNotStarted is returned by every operation before Start.
var ErrNotStarted = errors.New("browser not started")

var _ session.Browser = (*Chrome)(nil)

const (
	foregroundBinding = "tabrelayForeground"
	watchTimeout      = 10 * time.Second
)

// foregroundScript reports a page as foreground whenever it becomes visible
// or its window takes focus, and once at install if it already is.
const foregroundScript = `(() => {
  if (window.__tabrelayWatching || typeof window.` + foregroundBinding + ` !== 'function') return;
  window.__tabrelayWatching = true;
  const report = () => {
    if (document.visibilityState === 'visible') window.` + foregroundBinding + `('');
  };
  document.addEventListener('visibilitychange', report);
  window.addEventListener('focus', report);
  if (document.visibilityState === 'visible' && document.hasFocus()) report();
})()`

// Chrome implements session.Browser with chromedp. Each target gets one
// chromedp tab context for the life of the target. Tab contexts are never
// cancelled while the target is open, because cancelling one closes the
// tab; detaching only stops the event listener.
type Chrome struct {
	debuggerURL string
	bus         *events.Bus
	logger      *slog.Logger

	mu           sync.Mutex
	browserCtx   context.Context
	listenCancel context.CancelFunc
	tabs         map[string]*tab

	// watchMu is separate from mu because onBrowserEvent runs on the
	// browser event loop, which Start waits on while holding mu.
	watchMu sync.Mutex
	watched map[string]bool
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func New(debuggerURL string, bus *events.Bus, logger *slog.Logger) *Chrome {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chrome{
		debuggerURL: debuggerURL,
		bus:         bus,
		logger:      logger,
		tabs:        make(map[string]*tab),
		watched:     make(map[string]bool),
	}
}

// Start connects to Chrome and begins forwarding target lifecycle events
// to the bus.
func (c *Chrome) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCtx != nil {
		return nil
	}

	// The allocator and browser contexts live as long as the process.
	// Cancelling the first browser context would close the user's browser.
	allocCtx, _ := chromedp.NewRemoteAllocator(context.Background(), c.debuggerURL)
	browserCtx, _ := chromedp.NewContext(allocCtx)
	if _, err := chromedp.Targets(browserCtx); err != nil {
		return fmt.Errorf("connect to chrome at %s: %w", c.debuggerURL, err)
	}

	listenCtx, listenCancel := context.WithCancel(browserCtx)
	chromedp.ListenBrowser(listenCtx, c.onBrowserEvent)

	exec := cdp.WithExecutor(ctx, chromedp.FromContext(browserCtx).Browser)
	if err := target.SetDiscoverTargets(true).Do(exec); err != nil {
		listenCancel()
		return fmt.Errorf("discover targets: %w", err)
	}
	_, product, _, _, _, err := cdpbrowser.GetVersion().Do(exec)
	if err == nil {
		c.logger.Info("chrome connected", "debugger_url", c.debuggerURL, "product", product)
	}

	c.browserCtx = browserCtx
	c.listenCancel = listenCancel
	return nil
}

// Close stops event forwarding. Open tabs and the browser are left
// untouched.
func (c *Chrome) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listenCancel != nil {
		c.listenCancel()
		c.listenCancel = nil
	}
}

func (c *Chrome) CreateTarget(ctx context.Context, url string) (session.TargetInfo, error) {
	exec, err := c.browserExec(ctx)
	if err != nil {
		return session.TargetInfo{}, err
	}
	id, err := target.CreateTarget(url).Do(exec)
	if err != nil {
		return session.TargetInfo{}, err
	}
	return session.TargetInfo{ID: string(id), Type: "page", URL: url}, nil
}

func (c *Chrome) NavigateTarget(ctx context.Context, targetID, url string) error {
	return c.runOn(ctx, targetID, chromedp.Navigate(url))
}

// ActivateTarget focuses the tab and restores its window if minimized.
func (c *Chrome) ActivateTarget(ctx context.Context, targetID string) error {
	exec, err := c.browserExec(ctx)
	if err != nil {
		return err
	}
	id := target.ID(targetID)
	if err := target.ActivateTarget(id).Do(exec); err != nil {
		return err
	}
	windowID, bounds, err := cdpbrowser.GetWindowForTarget().WithTargetID(id).Do(exec)
	if err != nil {
		c.logger.Debug("get window for target failed", "target_id", targetID, "error", err)
		return nil
	}
	if bounds != nil && bounds.WindowState == cdpbrowser.WindowStateMinimized {
		restore := &cdpbrowser.Bounds{WindowState: cdpbrowser.WindowStateNormal}
		if err := cdpbrowser.SetWindowBounds(windowID, restore).Do(exec); err != nil {
			return fmt.Errorf("restore window: %w", err)
		}
	}
	return nil
}

func (c *Chrome) GetTarget(ctx context.Context, targetID string) (session.TargetInfo, error) {
	all, err := c.ListTargets(ctx)
	if err != nil {
		return session.TargetInfo{}, err
	}
	for _, t := range all {
		if t.ID == targetID {
			return t, nil
		}
	}
	return session.TargetInfo{}, fmt.Errorf("%w: %s", session.ErrNotFound, targetID)
}

func (c *Chrome) ListTargets(ctx context.Context) ([]session.TargetInfo, error) {
	exec, err := c.browserExec(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := target.GetTargets().Do(exec)
	if err != nil {
		return nil, err
	}
	return pages(infos), nil
}

func (c *Chrome) CaptureVisible(ctx context.Context, targetID string) ([]byte, error) {
	var png []byte
	if err := c.runOn(ctx, targetID, chromedp.CaptureScreenshot(&png)); err != nil {
		return nil, err
	}
	return png, nil
}

func (c *Chrome) Notify(ctx context.Context, targetID, message string) error {
	expr, err := session.NotifyScript(message).Expression()
	if err != nil {
		return err
	}
	return c.runOn(ctx, targetID, chromedp.Evaluate(expr, nil))
}

// Attach starts forwarding the target's protocol events to the bus topic
// events.TargetTopic(targetID).
func (c *Chrome) Attach(ctx context.Context, targetID, protocolVersion string) (session.Attachment, error) {
	exec, err := c.browserExec(ctx)
	if err != nil {
		return nil, err
	}
	version, _, _, _, _, err := cdpbrowser.GetVersion().Do(exec)
	if err != nil {
		return nil, err
	}
	if protocolVersion != "" && version != protocolVersion {
		return nil, fmt.Errorf("protocol version %s not supported by browser (has %s)", protocolVersion, version)
	}

	t, err := c.tab(targetID)
	if err != nil {
		return nil, err
	}
	listenCtx, cancel := context.WithCancel(t.ctx)
	chromedp.ListenTarget(listenCtx, func(ev any) {
		c.publish(targetID, ev)
	})
	return &attachment{chrome: c, id: targetID, cancel: cancel}, nil
}

type attachment struct {
	chrome *Chrome
	id     string
	cancel context.CancelFunc
}

func (a *attachment) TargetID() string { return a.id }

func (a *attachment) Run(ctx context.Context, script session.Script) (json.RawMessage, error) {
	expr, err := script.Expression()
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := a.chrome.runOn(ctx, a.id, chromedp.Evaluate(expr, &raw)); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (a *attachment) AccessibilityTree(ctx context.Context) (json.RawMessage, error) {
	var nodes []*accessibility.Node
	err := a.chrome.runOn(ctx, a.id, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		nodes, err = accessibility.GetFullAXTree().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodes)
}

func (a *attachment) Detach(context.Context) error {
	a.cancel()
	return nil
}

func (c *Chrome) browserExec(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	browserCtx := c.browserCtx
	c.mu.Unlock()
	if browserCtx == nil {
		return nil, ErrNotStarted
	}
	return cdp.WithExecutor(ctx, chromedp.FromContext(browserCtx).Browser), nil
}

// tab returns the attached chromedp context of targetID, attaching on
// first use.
func (c *Chrome) tab(targetID string) (*tab, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCtx == nil {
		return nil, ErrNotStarted
	}
	if t, ok := c.tabs[targetID]; ok {
		return t, nil
	}

	ctx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(target.ID(targetID)))
	// The first Run binds the target's event loop to ctx, so it carries
	// no deadline.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("attach %s: %w", targetID, err)
	}
	t := &tab{ctx: ctx, cancel: cancel}
	c.tabs[targetID] = t
	return t, nil
}

func (c *Chrome) runOn(ctx context.Context, targetID string, actions ...chromedp.Action) error {
	t, err := c.tab(targetID)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (c *Chrome) onBrowserEvent(ev any) {
	var id target.ID
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		c.maybeWatch(ev.TargetInfo)
		return
	case *target.EventTargetInfoChanged:
		c.maybeWatch(ev.TargetInfo)
		return
	case *target.EventTargetDestroyed:
		id = ev.TargetID
	case *target.EventTargetCrashed:
		id = ev.TargetID
	default:
		return
	}
	// Listeners run on chromedp's event loop; releasing the tab issues
	// protocol calls, so it happens elsewhere.
	go c.dropTab(string(id))
	if err := c.bus.Emit(events.TopicTargetClosed, events.Event{TargetID: string(id), Name: eventName(ev)}); err != nil {
		c.logger.Debug("target closed event dropped", "target_id", id, "error", err)
	}
}

func (c *Chrome) dropTab(targetID string) {
	c.unwatch(targetID)
	c.mu.Lock()
	t, ok := c.tabs[targetID]
	delete(c.tabs, targetID)
	c.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// shouldWatch reports whether info is a page whose foreground changes the
// relay cares about.
func shouldWatch(info *target.Info) bool {
	return info != nil && info.Type == "page" && !session.IsPrivileged(info.URL)
}

func (c *Chrome) maybeWatch(info *target.Info) {
	if !shouldWatch(info) {
		return
	}
	id := string(info.TargetID)
	c.watchMu.Lock()
	if c.watched[id] {
		c.watchMu.Unlock()
		return
	}
	c.watched[id] = true
	c.watchMu.Unlock()
	go c.watchForeground(id)
}

func (c *Chrome) unwatch(targetID string) {
	c.watchMu.Lock()
	delete(c.watched, targetID)
	c.watchMu.Unlock()
}

// watchForeground installs the foreground binding in targetID. A failed
// install is forgotten so a later target update can retry it.
func (c *Chrome) watchForeground(targetID string) {
	t, err := c.tab(targetID)
	if err != nil {
		c.unwatch(targetID)
		c.logger.Debug("foreground watch skipped", "target_id", targetID, "error", err)
		return
	}
	chromedp.ListenTarget(t.ctx, func(ev any) {
		c.onTargetEvent(targetID, ev)
	})

	ctx, cancel := context.WithTimeout(context.Background(), watchTimeout)
	defer cancel()
	err = c.runOn(ctx, targetID,
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := runtime.AddBinding(foregroundBinding).Do(ctx); err != nil {
				return err
			}
			_, err := page.AddScriptToEvaluateOnNewDocument(foregroundScript).Do(ctx)
			return err
		}),
		chromedp.Evaluate(foregroundScript, nil),
	)
	if err != nil {
		c.unwatch(targetID)
		c.logger.Debug("foreground watch failed", "target_id", targetID, "error", err)
	}
}

// onTargetEvent turns foreground binding calls into foreground events.
func (c *Chrome) onTargetEvent(targetID string, ev any) {
	call, ok := ev.(*runtime.EventBindingCalled)
	if !ok || call.Name != foregroundBinding {
		return
	}
	if err := c.bus.Emit(events.TopicForeground, events.Event{TargetID: targetID, Name: "foreground"}); err != nil {
		c.logger.Debug("foreground event dropped", "target_id", targetID, "error", err)
	}
}

func (c *Chrome) publish(targetID string, ev any) {
	evt := events.Event{TargetID: targetID, Name: eventName(ev), Params: ev}
	if err := c.bus.Emit(events.TargetTopic(targetID), evt); err != nil {
		c.logger.Debug("target event dropped", "target_id", targetID, "event", evt.Name, "error", err)
	}
}

func eventName(ev any) string {
	return fmt.Sprintf("%T", ev)
}

// pages keeps the page targets of infos.
func pages(infos []*target.Info) []session.TargetInfo {
	out := make([]session.TargetInfo, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		out = append(out, session.TargetInfo{
			ID:    string(info.TargetID),
			Type:  info.Type,
			Title: info.Title,
			URL:   info.URL,
		})
	}
	return out
}
