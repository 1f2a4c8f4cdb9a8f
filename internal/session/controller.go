package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HsiangNianian/tabrelay/internal/events"
	"github.com/HsiangNianian/tabrelay/internal/store"
)

const (
	DefaultProtocolVersion = "1.3"
	defaultActionTimeout   = 30 * time.Second
	selectionTimedOutMsg   = "tabrelay: target selection timed out; reselect the tab to continue"
)

type NavigateResult struct {
	TargetID string `json:"targetId"`
}

type ListResult struct {
	Targets        []TargetInfo `json:"targets"`
	ActiveTargetID string       `json:"activeTargetId,omitempty"`
}

type SelectResult struct {
	TargetID string `json:"targetId"`
}

type ActionResult struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type SnapshotResult struct {
	Nodes json.RawMessage `json:"nodes"`
}

type ScreenshotResult struct {
	DataURL string `json:"dataUrl"`
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithProtocolVersion(version string) Option {
	return func(c *Controller) { c.protocolVersion = version }
}

func WithActionTimeout(d time.Duration) Option {
	return func(c *Controller) { c.actionTimeout = d }
}

// WithStore persists the bound target id under store.KeyBoundTarget.
func WithStore(s store.Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithEventHandler receives the low-level events of the attached target.
func WithEventHandler(fn func(events.Event)) Option {
	return func(c *Controller) { c.onEvent = fn }
}

// WithTargetClosedHandler is called after the bound target was destroyed
// and the binding reset.
func WithTargetClosedHandler(fn func(targetID string)) Option {
	return func(c *Controller) { c.onTargetClosed = fn }
}

// Controller owns the binding between the relay and one browser target.
// All operations are serialised by mu.
type Controller struct {
	browser         Browser
	bus             *events.Bus
	store           store.Store
	logger          *slog.Logger
	protocolVersion string
	actionTimeout   time.Duration
	onEvent         func(events.Event)
	onTargetClosed  func(string)

	mu             sync.Mutex
	activeTargetID string
	attachment     Attachment
	attachSub      *events.Subscription

	// deliverMu orders event delivery against detach: once detach
	// returns, no event of the old target reaches onEvent.
	deliverMu sync.Mutex
	deliverTo string

	closedSub *events.Subscription
}

func New(browser Browser, bus *events.Bus, opts ...Option) *Controller {
	c := &Controller{
		browser:         browser,
		bus:             bus,
		protocolVersion: DefaultProtocolVersion,
		actionTimeout:   defaultActionTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.closedSub = bus.Subscribe(events.TopicTargetClosed, c.handleTargetClosed)
	return c
}

// Close tears down the attach session and stops listening for target
// lifecycle events.
func (c *Controller) Close() {
	c.closedSub.Unsubscribe()
	c.Reset(context.Background())
}

// ActiveTarget returns the bound target id, or "" when unbound.
func (c *Controller) ActiveTarget() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTargetID
}

// AttachedTarget returns the target of the live attach session, or "".
func (c *Controller) AttachedTarget() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attachment == nil {
		return ""
	}
	return c.attachment.TargetID()
}

// Restore rebinds to a target id persisted by an earlier run, if that
// target is still open.
func (c *Controller) Restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	id, err := c.store.GetSetting(ctx, store.KeyBoundTarget)
	if err != nil || id == "" {
		return
	}
	info, err := c.browser.GetTarget(ctx, id)
	if err != nil || IsPrivileged(info.URL) {
		c.logger.Info("session: stale bound target dropped", "target_id", id)
		_ = c.store.DeleteSetting(ctx, store.KeyBoundTarget)
		return
	}
	c.mu.Lock()
	c.bindLocked(ctx, id)
	c.mu.Unlock()
	c.logger.Info("session: bound target restored", "target_id", id)
	c.publishForeground(id)
}

// Navigate loads url in the bound target, or creates and binds a new
// target when none is bound.
func (c *Controller) Navigate(ctx context.Context, url string) (NavigateResult, error) {
	if url == "" {
		return NavigateResult{}, fmt.Errorf("%w: url is required", ErrInvalidParams)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	c.mu.Lock()
	id := c.activeTargetID
	if id != "" {
		if err := c.browser.NavigateTarget(ctx, id, url); err != nil {
			c.mu.Unlock()
			return NavigateResult{}, fmt.Errorf("%w: navigate %s: %v", ErrAction, id, err)
		}
		if err := c.browser.ActivateTarget(ctx, id); err != nil {
			c.mu.Unlock()
			return NavigateResult{}, fmt.Errorf("%w: activate %s: %v", ErrAction, id, err)
		}
	} else {
		info, err := c.browser.CreateTarget(ctx, url)
		if err != nil {
			c.mu.Unlock()
			return NavigateResult{}, fmt.Errorf("%w: create target: %v", ErrAction, err)
		}
		id = info.ID
		c.bindLocked(ctx, id)
	}
	c.mu.Unlock()

	c.publishForeground(id)
	return NavigateResult{TargetID: id}, nil
}

// ListTargets returns every open target except privileged pages.
func (c *Controller) ListTargets(ctx context.Context) (ListResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	all, err := c.browser.ListTargets(ctx)
	if err != nil {
		return ListResult{}, fmt.Errorf("%w: list targets: %v", ErrAction, err)
	}
	targets := make([]TargetInfo, 0, len(all))
	for _, t := range all {
		if IsPrivileged(t.URL) {
			continue
		}
		targets = append(targets, t)
	}
	return ListResult{Targets: targets, ActiveTargetID: c.ActiveTarget()}, nil
}

// SelectTarget binds id and brings it to the foreground.
func (c *Controller) SelectTarget(ctx context.Context, id string) (SelectResult, error) {
	if id == "" {
		return SelectResult{}, fmt.Errorf("%w: targetId is required", ErrInvalidParams)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	info, err := c.browser.GetTarget(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SelectResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return SelectResult{}, fmt.Errorf("%w: get target %s: %v", ErrAction, id, err)
	}
	if IsPrivileged(info.URL) {
		return SelectResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// The binding only moves once the target is in front.
	c.mu.Lock()
	if err := c.browser.ActivateTarget(ctx, id); err != nil {
		c.mu.Unlock()
		return SelectResult{}, fmt.Errorf("%w: activate %s: %v", ErrAction, id, err)
	}
	c.bindLocked(ctx, id)
	c.mu.Unlock()

	c.publishForeground(id)
	return SelectResult{TargetID: id}, nil
}

func (c *Controller) Click(ctx context.Context, selector string) (ActionResult, error) {
	if selector == "" {
		return ActionResult{}, fmt.Errorf("%w: selector is required", ErrInvalidParams)
	}
	return c.run(ctx, ClickScript(selector))
}

func (c *Controller) Type(ctx context.Context, selector, text string) (ActionResult, error) {
	if selector == "" {
		return ActionResult{}, fmt.Errorf("%w: selector is required", ErrInvalidParams)
	}
	return c.run(ctx, TypeScript(selector, text))
}

func (c *Controller) run(ctx context.Context, script Script) (ActionResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	att, err := c.ensureAttachedLocked(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	out, err := att.Run(ctx, script)
	if err != nil {
		return ActionResult{}, fmt.Errorf("%w: %v", ErrAction, err)
	}
	return ActionResult{Result: out}, nil
}

// Snapshot dumps the accessibility tree of the bound target.
func (c *Controller) Snapshot(ctx context.Context) (SnapshotResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	att, err := c.ensureAttachedLocked(ctx)
	if err != nil {
		return SnapshotResult{}, err
	}
	nodes, err := att.AccessibilityTree(ctx)
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("%w: accessibility tree: %v", ErrAction, err)
	}
	return SnapshotResult{Nodes: nodes}, nil
}

// Screenshot captures the visible area of the bound target as a PNG
// data URL.
func (c *Controller) Screenshot(ctx context.Context) (ScreenshotResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTargetID == "" {
		return ScreenshotResult{}, ErrNoTargetBound
	}
	png, err := c.browser.CaptureVisible(ctx, c.activeTargetID)
	if err != nil {
		return ScreenshotResult{}, fmt.Errorf("%w: capture: %v", ErrAction, err)
	}
	return ScreenshotResult{DataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)}, nil
}

// EnsureAttached attaches to the bound target unless a session for it is
// already live.
func (c *Controller) EnsureAttached(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ensureAttachedLocked(ctx)
	return err
}

// NotifySelectionTimeout tells the page in targetID that a pending
// selection expired.
func (c *Controller) NotifySelectionTimeout(ctx context.Context, targetID string) error {
	if targetID == "" {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.browser.Notify(ctx, targetID, selectionTimedOutMsg); err != nil {
		return fmt.Errorf("%w: notify %s: %v", ErrAction, targetID, err)
	}
	return nil
}

// Reset detaches and clears the binding.
func (c *Controller) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLocked(ctx)
	if c.activeTargetID != "" {
		c.logger.Debug("session: binding reset", "target_id", c.activeTargetID)
	}
	c.activeTargetID = ""
	c.persistLocked(ctx)
}

func (c *Controller) ensureAttachedLocked(ctx context.Context) (Attachment, error) {
	if c.activeTargetID == "" {
		return nil, ErrNoTargetBound
	}
	if c.attachment != nil && c.attachment.TargetID() == c.activeTargetID {
		return c.attachment, nil
	}
	c.detachLocked(ctx)

	att, err := c.browser.Attach(ctx, c.activeTargetID, c.protocolVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: attach %s: %v", ErrAction, c.activeTargetID, err)
	}
	c.attachment = att

	c.deliverMu.Lock()
	c.deliverTo = c.activeTargetID
	c.deliverMu.Unlock()
	c.attachSub = c.bus.Subscribe(events.TargetTopic(c.activeTargetID), c.deliver)

	c.logger.Debug("session: attached", "target_id", c.activeTargetID, "protocol", c.protocolVersion)
	return att, nil
}

func (c *Controller) detachLocked(ctx context.Context) {
	c.attachSub.Unsubscribe()
	c.attachSub = nil

	c.deliverMu.Lock()
	c.deliverTo = ""
	c.deliverMu.Unlock()

	if c.attachment == nil {
		return
	}
	id := c.attachment.TargetID()
	if err := c.attachment.Detach(ctx); err != nil {
		c.logger.Debug("session: detach failed", "target_id", id, "error", err)
	}
	c.attachment = nil
}

// bindLocked makes id the bound target. A live session on another target
// is detached first.
func (c *Controller) bindLocked(ctx context.Context, id string) {
	if c.attachment != nil && c.attachment.TargetID() != id {
		c.detachLocked(ctx)
	}
	c.activeTargetID = id
	c.persistLocked(ctx)
	c.logger.Info("session: target bound", "target_id", id)
}

func (c *Controller) persistLocked(ctx context.Context) {
	if c.store == nil {
		return
	}
	var err error
	if c.activeTargetID == "" {
		err = c.store.DeleteSetting(ctx, store.KeyBoundTarget)
	} else {
		err = c.store.SetSetting(ctx, store.KeyBoundTarget, c.activeTargetID)
	}
	if err != nil {
		c.logger.Warn("session: persist bound target failed", "error", err)
	}
}

func (c *Controller) deliver(_ context.Context, evt events.Event) error {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if evt.TargetID == "" || evt.TargetID != c.deliverTo {
		return nil
	}
	if c.onEvent != nil {
		c.onEvent(evt)
	}
	return nil
}

func (c *Controller) handleTargetClosed(ctx context.Context, evt events.Event) error {
	c.mu.Lock()
	if evt.TargetID == "" || evt.TargetID != c.activeTargetID {
		c.mu.Unlock()
		return nil
	}
	c.detachLocked(ctx)
	c.activeTargetID = ""
	c.persistLocked(ctx)
	c.mu.Unlock()

	c.logger.Info("session: bound target closed", "target_id", evt.TargetID)
	if c.onTargetClosed != nil {
		c.onTargetClosed(evt.TargetID)
	}
	return nil
}

func (c *Controller) publishForeground(id string) {
	if err := c.bus.Emit(events.TopicForeground, events.Event{TargetID: id, Name: "foreground"}); err != nil {
		c.logger.Debug("session: foreground event dropped", "target_id", id, "error", err)
	}
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.actionTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.actionTimeout)
}
