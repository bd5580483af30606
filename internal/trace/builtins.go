package trace

import (
	"encoding/json"
	"fmt"
	"sort"

	"traceserver/internal/digest"
	"traceserver/internal/refs"
	"traceserver/internal/traceerr"
)

// BuiltinHandler validates and decodes the payload of one builtin object class.
type BuiltinHandler interface {
	Validate(val json.RawMessage) error
	Decode(val json.RawMessage) (any, error)
}

// Registry maps builtin class tags to their handlers.
type Registry struct {
	handlers map[string]BuiltinHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]BuiltinHandler{}}
}

func (r *Registry) Register(tag string, h BuiltinHandler) {
	r.handlers[tag] = h
}

func (r *Registry) Lookup(tag string) (BuiltinHandler, bool) {
	h, ok := r.handlers[tag]
	return h, ok
}

func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// normalize validates val against the handler for tag and stamps the class
// markers that classify reads back.
func (r *Registry) normalize(tag string, val json.RawMessage) (json.RawMessage, error) {
	h, ok := r.handlers[tag]
	if !ok {
		return nil, traceerr.Validationf("unknown builtin object class %q", tag)
	}
	if err := h.Validate(val); err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(val, &fields); err != nil {
		return nil, traceerr.Validationf("builtin %s payload must be a JSON object", tag)
	}
	name, _ := json.Marshal(tag)
	fields["_type"] = name
	fields["_class_name"] = name
	fields["_bases"] = json.RawMessage(`["Object","BaseModel"]`)

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding builtin %s: %w", tag, err)
	}
	return digest.Canonical(raw)
}

// typed adapts a struct type with a validation func into a BuiltinHandler.
type typed[T any] struct {
	tag      string
	validate func(*T) error
}

func (h typed[T]) decode(val json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(val, &v); err != nil {
		return nil, traceerr.Validationf("decoding %s: %v", h.tag, err)
	}
	return &v, nil
}

func (h typed[T]) Validate(val json.RawMessage) error {
	v, err := h.decode(val)
	if err != nil {
		return err
	}
	return h.validate(v)
}

func (h typed[T]) Decode(val json.RawMessage) (any, error) {
	return h.decode(val)
}

type Dataset struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Rows        string `json:"rows"`
}

type Leaderboard struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Columns     []LeaderboardColumn `json:"columns"`
}

type LeaderboardColumn struct {
	EvaluationObjectRef string `json:"evaluation_object_ref"`
	ScorerName          string `json:"scorer_name"`
	SummaryMetricPath   string `json:"summary_metric_path"`
	ShouldMinimize      bool   `json:"should_minimize,omitempty"`
}

type Prompt struct {
	Name     string          `json:"name,omitempty"`
	Messages []PromptMessage `json:"messages"`
}

type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func DefaultBuiltins() *Registry {
	r := NewRegistry()
	r.Register("Dataset", typed[Dataset]{tag: "Dataset", validate: func(d *Dataset) error {
		ref, err := refs.Parse(d.Rows)
		if err != nil {
			return traceerr.Validationf("dataset rows: %v", err)
		}
		if _, ok := ref.(refs.TableRef); !ok {
			return traceerr.Validationf("dataset rows must be a table ref")
		}
		return nil
	}})
	r.Register("Leaderboard", typed[Leaderboard]{tag: "Leaderboard", validate: func(l *Leaderboard) error {
		if l.Name == "" {
			return traceerr.Validationf("leaderboard name is required")
		}
		for i, col := range l.Columns {
			if _, err := refs.Parse(col.EvaluationObjectRef); err != nil {
				return traceerr.Validationf("leaderboard column %d: %v", i, err)
			}
			if col.ScorerName == "" {
				return traceerr.Validationf("leaderboard column %d: scorer_name is required", i)
			}
		}
		return nil
	}})
	r.Register("Prompt", typed[Prompt]{tag: "Prompt", validate: func(p *Prompt) error {
		if len(p.Messages) == 0 {
			return traceerr.Validationf("prompt needs at least one message")
		}
		for i, m := range p.Messages {
			switch m.Role {
			case "system", "user", "assistant":
			default:
				return traceerr.Validationf("prompt message %d: unknown role %q", i, m.Role)
			}
		}
		return nil
	}})
	return r
}
