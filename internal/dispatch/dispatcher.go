// Package dispatch routes decoded commands to the session controller and
// normalises every outcome into a protocol.Response.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/HsiangNianian/tabrelay/internal/protocol"
	"github.com/HsiangNianian/tabrelay/internal/session"
)

// Controller is the target session surface the dispatcher drives.
type Controller interface {
	Navigate(ctx context.Context, url string) (session.NavigateResult, error)
	ListTargets(ctx context.Context) (session.ListResult, error)
	SelectTarget(ctx context.Context, id string) (session.SelectResult, error)
	Click(ctx context.Context, selector string) (session.ActionResult, error)
	Type(ctx context.Context, selector, text string) (session.ActionResult, error)
	Snapshot(ctx context.Context) (session.SnapshotResult, error)
	Screenshot(ctx context.Context) (session.ScreenshotResult, error)
}

type Dispatcher struct {
	controller Controller
	logger     *slog.Logger
}

func New(controller Controller, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{controller: controller, logger: logger}
}

// Handle executes cmd and returns its response. It never panics.
func (d *Dispatcher) Handle(ctx context.Context, cmd protocol.Command) (resp protocol.Response) {
	if cmd == nil {
		return protocol.Fail("", "empty command")
	}
	id := cmd.CorrelationID()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch: command panicked", "msg_id", id, "kind", cmd.Kind(), "panic", r)
			resp = protocol.Fail(id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	data, err := d.execute(ctx, cmd)
	if err != nil {
		d.logger.Debug("dispatch: command failed", "msg_id", id, "kind", cmd.Kind(), "error", err)
		return protocol.Fail(id, err.Error())
	}
	return protocol.OK(id, data)
}

func (d *Dispatcher) execute(ctx context.Context, cmd protocol.Command) (any, error) {
	switch c := cmd.(type) {
	case protocol.Navigate:
		return d.controller.Navigate(ctx, c.URL)
	case protocol.Click:
		return d.controller.Click(ctx, c.Selector)
	case protocol.TypeText:
		return d.controller.Type(ctx, c.Selector, c.Text)
	case protocol.Snapshot:
		return d.controller.Snapshot(ctx)
	case protocol.Screenshot:
		return d.controller.Screenshot(ctx)
	case protocol.ListTargets:
		return d.controller.ListTargets(ctx)
	case protocol.SelectTarget:
		return d.controller.SelectTarget(ctx, string(c.TargetID))
	case protocol.Malformed:
		return nil, fmt.Errorf("invalid parameters for %s: %v", c.RawKind, c.Err)
	case protocol.Unknown:
		return nil, fmt.Errorf("Unknown command: %s", c.RawKind)
	default:
		return nil, fmt.Errorf("Unknown command: %s", cmd.Kind())
	}
}
