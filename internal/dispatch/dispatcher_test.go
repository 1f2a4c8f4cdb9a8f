package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/tabrelay/internal/protocol"
	"github.com/HsiangNianian/tabrelay/internal/session"
)

type stubController struct {
	calls []string
	panic bool
}

func (s *stubController) Navigate(_ context.Context, url string) (session.NavigateResult, error) {
	s.calls = append(s.calls, "navigate "+url)
	return session.NavigateResult{TargetID: "7"}, nil
}

func (s *stubController) ListTargets(context.Context) (session.ListResult, error) {
	s.calls = append(s.calls, "list")
	return session.ListResult{Targets: []session.TargetInfo{{ID: "7", URL: "https://x.example"}}}, nil
}

func (s *stubController) SelectTarget(_ context.Context, id string) (session.SelectResult, error) {
	s.calls = append(s.calls, "select "+id)
	if id == "404" {
		return session.SelectResult{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return session.SelectResult{TargetID: id}, nil
}

func (s *stubController) Click(_ context.Context, selector string) (session.ActionResult, error) {
	s.calls = append(s.calls, "click "+selector)
	if s.panic {
		panic("boom")
	}
	return session.ActionResult{}, session.ErrNoTargetBound
}

func (s *stubController) Type(_ context.Context, selector, text string) (session.ActionResult, error) {
	s.calls = append(s.calls, "type "+selector+" "+text)
	return session.ActionResult{Result: json.RawMessage(`{"typed":4}`)}, nil
}

func (s *stubController) Snapshot(context.Context) (session.SnapshotResult, error) {
	s.calls = append(s.calls, "snapshot")
	return session.SnapshotResult{Nodes: json.RawMessage(`[]`)}, nil
}

func (s *stubController) Screenshot(context.Context) (session.ScreenshotResult, error) {
	s.calls = append(s.calls, "screenshot")
	return session.ScreenshotResult{DataURL: "data:image/png;base64,AA=="}, nil
}

func newDispatcher(ctrl *stubController) *Dispatcher {
	return New(ctrl, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func decode(t *testing.T, frame string) protocol.Command {
	t.Helper()
	cmd, err := protocol.DecodeCommand([]byte(frame))
	require.NoError(t, err)
	return cmd
}

func TestHandleRoutesEveryKind(t *testing.T) {
	ctrl := &stubController{}
	d := newDispatcher(ctrl)
	ctx := context.Background()

	frames := []string{
		`{"type":"command","id":"1","kind":"navigate","url":"https://x.example"}`,
		`{"type":"command","id":"2","kind":"list-targets"}`,
		`{"type":"command","id":"3","kind":"select-target","targetId":7}`,
		`{"type":"command","id":"4","kind":"type","selector":"#q","text":"abcd"}`,
		`{"type":"command","id":"5","kind":"snapshot"}`,
		`{"type":"command","id":"6","kind":"screenshot"}`,
	}
	for _, frame := range frames {
		resp := d.Handle(ctx, decode(t, frame))
		assert.True(t, resp.Success, frame)
		assert.Equal(t, protocol.TypeResponse, resp.Type)
	}
	assert.Equal(t, []string{
		"navigate https://x.example",
		"list",
		"select 7",
		"type #q abcd",
		"snapshot",
		"screenshot",
	}, ctrl.calls)
}

func TestHandleKeepsCorrelationID(t *testing.T) {
	d := newDispatcher(&stubController{})
	resp := d.Handle(context.Background(), decode(t, `{"type":"command","id":"abc-123","kind":"navigate","url":"https://x.example"}`))
	assert.Equal(t, "abc-123", resp.ID)
	assert.Equal(t, session.NavigateResult{TargetID: "7"}, resp.Data)
}

func TestHandleUnknownKind(t *testing.T) {
	d := newDispatcher(&stubController{})
	resp := d.Handle(context.Background(), decode(t, `{"type":"command","id":"9","kind":"frobnicate"}`))

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"response","id":"9","success":false,"error":"Unknown command: frobnicate"}`, string(raw))
}

func TestHandleErrorsBecomeFailures(t *testing.T) {
	d := newDispatcher(&stubController{})
	ctx := context.Background()

	resp := d.Handle(ctx, decode(t, `{"type":"command","id":"1","kind":"click","selector":"#go"}`))
	assert.False(t, resp.Success)
	assert.Equal(t, session.ErrNoTargetBound.Error(), resp.Error)

	resp = d.Handle(ctx, decode(t, `{"type":"command","id":"2","kind":"select-target","targetId":"404"}`))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "target not found")
}

func TestHandleMalformedParams(t *testing.T) {
	ctrl := &stubController{}
	d := newDispatcher(ctrl)

	resp := d.Handle(context.Background(), decode(t, `{"type":"command","id":"m","kind":"click","selector":42}`))
	assert.False(t, resp.Success)
	assert.Equal(t, "m", resp.ID)
	assert.Contains(t, resp.Error, "invalid parameters for click")
	assert.Empty(t, ctrl.calls)
}

func TestHandleRecoversPanics(t *testing.T) {
	d := newDispatcher(&stubController{panic: true})

	var resp protocol.Response
	require.NotPanics(t, func() {
		resp = d.Handle(context.Background(), decode(t, `{"type":"command","id":"p","kind":"click","selector":"#go"}`))
	})
	assert.False(t, resp.Success)
	assert.Equal(t, "p", resp.ID)
	assert.Contains(t, resp.Error, "boom")
}

func TestHandleNilCommand(t *testing.T) {
	resp := newDispatcher(&stubController{}).Handle(context.Background(), nil)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}
