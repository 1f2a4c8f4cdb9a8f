package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind names a command variant.
type Kind string

const (
	KindNavigate     Kind = "navigate"
	KindClick        Kind = "click"
	KindType         Kind = "type"
	KindSnapshot     Kind = "snapshot"
	KindScreenshot   Kind = "screenshot"
	KindListTargets  Kind = "list-targets"
	KindSelectTarget Kind = "select-target"
)

// Kinds lists every known command kind.
var Kinds = []Kind{
	KindNavigate, KindClick, KindType, KindSnapshot,
	KindScreenshot, KindListTargets, KindSelectTarget,
}

// Command is a decoded inbound command. The set of implementations is
// closed: Navigate, Click, TypeText, Snapshot, Screenshot, ListTargets,
// SelectTarget, Malformed and Unknown.
type Command interface {
	CorrelationID() string
	Kind() Kind
	isCommand()
}

type header struct {
	ID string
}

func (h header) CorrelationID() string { return h.ID }
func (header) isCommand()              {}

type Navigate struct {
	header
	URL string
}

func (Navigate) Kind() Kind { return KindNavigate }

type Click struct {
	header
	Selector string
}

func (Click) Kind() Kind { return KindClick }

type TypeText struct {
	header
	Selector string
	Text     string
}

func (TypeText) Kind() Kind { return KindType }

type Snapshot struct{ header }

func (Snapshot) Kind() Kind { return KindSnapshot }

type Screenshot struct{ header }

func (Screenshot) Kind() Kind { return KindScreenshot }

type ListTargets struct{ header }

func (ListTargets) Kind() Kind { return KindListTargets }

type SelectTarget struct {
	header
	TargetID TargetID
}

func (SelectTarget) Kind() Kind { return KindSelectTarget }

// Malformed is a command of a known kind whose parameters did not parse.
type Malformed struct {
	header
	RawKind Kind
	Err     error
}

func (m Malformed) Kind() Kind { return m.RawKind }

// Unknown is a command whose kind is not recognised.
type Unknown struct {
	header
	RawKind string
}

func (u Unknown) Kind() Kind { return Kind(u.RawKind) }

type commandParams struct {
	URL      string   `json:"url"`
	Selector string   `json:"selector"`
	Text     string   `json:"text"`
	TargetID TargetID `json:"targetId"`
}

// DecodeCommand builds a Command from a raw "command" frame. It only
// fails when the frame header itself is unreadable; bad parameters yield
// a Malformed command so the caller can still answer the correlation id.
func DecodeCommand(data []byte) (Command, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.Type != TypeCommand {
		return nil, fmt.Errorf("%w: type %q is not a command", ErrMalformed, env.Type)
	}
	h := header{ID: env.ID}

	var p commandParams
	if err := json.Unmarshal(data, &p); err != nil {
		if isKnownKind(env.Kind) {
			return Malformed{header: h, RawKind: Kind(env.Kind), Err: err}, nil
		}
		return Unknown{header: h, RawKind: env.Kind}, nil
	}

	switch Kind(env.Kind) {
	case KindNavigate:
		return Navigate{header: h, URL: p.URL}, nil
	case KindClick:
		return Click{header: h, Selector: p.Selector}, nil
	case KindType:
		return TypeText{header: h, Selector: p.Selector, Text: p.Text}, nil
	case KindSnapshot:
		return Snapshot{header: h}, nil
	case KindScreenshot:
		return Screenshot{header: h}, nil
	case KindListTargets:
		return ListTargets{header: h}, nil
	case KindSelectTarget:
		return SelectTarget{header: h, TargetID: p.TargetID}, nil
	default:
		return Unknown{header: h, RawKind: env.Kind}, nil
	}
}

// NewCommand builds a command of kind with the given id and parameters.
// It is the programmatic counterpart of DecodeCommand.
func NewCommand(id string, kind Kind, url, selector, text string, target TargetID) Command {
	h := header{ID: id}
	switch kind {
	case KindNavigate:
		return Navigate{header: h, URL: url}
	case KindClick:
		return Click{header: h, Selector: selector}
	case KindType:
		return TypeText{header: h, Selector: selector, Text: text}
	case KindSnapshot:
		return Snapshot{header: h}
	case KindScreenshot:
		return Screenshot{header: h}
	case KindListTargets:
		return ListTargets{header: h}
	case KindSelectTarget:
		return SelectTarget{header: h, TargetID: target}
	default:
		return Unknown{header: h, RawKind: string(kind)}
	}
}

func isKnownKind(kind string) bool {
	for _, k := range Kinds {
		if string(k) == kind {
			return true
		}
	}
	return false
}
