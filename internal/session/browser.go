// Package session binds the relay to one browser target at a time and
// exposes the automation actions the dispatcher calls.
package session

import (
	"context"
	"encoding/json"
)

// TargetInfo describes one open browser target.
type TargetInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Browser is the set of automation primitives the controller drives.
// Implementations report a missing target with an error wrapping
// ErrNotFound, and publish each target's low-level events on the event
// bus topic events.TargetTopic(id).
type Browser interface {
	CreateTarget(ctx context.Context, url string) (TargetInfo, error)
	NavigateTarget(ctx context.Context, targetID, url string) error
	// ActivateTarget brings the target to the foreground and focuses its
	// window.
	ActivateTarget(ctx context.Context, targetID string) error
	GetTarget(ctx context.Context, targetID string) (TargetInfo, error)
	ListTargets(ctx context.Context) ([]TargetInfo, error)
	// CaptureVisible returns a PNG of the target's visible viewport.
	CaptureVisible(ctx context.Context, targetID string) ([]byte, error)
	// Notify surfaces a short message inside the target's page.
	Notify(ctx context.Context, targetID, message string) error
	Attach(ctx context.Context, targetID, protocolVersion string) (Attachment, error)
}

// Attachment is a low-level automation session scoped to one target.
type Attachment interface {
	TargetID() string
	Run(ctx context.Context, script Script) (json.RawMessage, error)
	// AccessibilityTree returns the full accessibility tree as a JSON
	// array of nodes.
	AccessibilityTree(ctx context.Context) (json.RawMessage, error)
	Detach(ctx context.Context) error
}
