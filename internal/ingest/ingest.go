// Package ingest turns planning-surface change events into task mutations.
// Events are schema-validated, deduplicated by event ID, then applied:
// creation, reprioritization, or cancellation. Replays and out-of-order
// duplicates are absorbed by the dedupe table.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/showrunner/internal/audit"
	"github.com/basket/showrunner/internal/persistence"
)

// Event types accepted from the planning surface.
const (
	EventTaskCreated       = "task.created"
	EventTaskReprioritized = "task.reprioritized"
	EventTaskCancelled     = "task.cancelled"
)

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "type", "page_ref"],
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "type": {"enum": ["task.created", "task.reprioritized", "task.cancelled"]},
    "page_ref": {"type": "string", "minLength": 1},
    "channel_id": {"type": "string"},
    "title": {"type": "string"},
    "priority": {"enum": ["high", "normal", "low", ""]},
    "reason": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "task.created"}}},
      "then": {"required": ["channel_id"]}
    },
    {
      "if": {"properties": {"type": {"const": "task.reprioritized"}}},
      "then": {"required": ["priority"]}
    }
  ]
}`

// Event is a validated planning-surface change event.
type Event struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	PageRef   string `json:"page_ref"`
	ChannelID string `json:"channel_id"`
	Title     string `json:"title"`
	Priority  string `json:"priority"`
	Reason    string `json:"reason"`
}

// Handler validates and applies ingest events.
type Handler struct {
	store  *persistence.Store
	schema *jsonschema.Schema
	logger *slog.Logger
}

func NewHandler(store *persistence.Store, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse ingest schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("ingest-event.json", doc); err != nil {
		return nil, fmt.Errorf("add ingest schema: %w", err)
	}
	schema, err := compiler.Compile("ingest-event.json")
	if err != nil {
		return nil, fmt.Errorf("compile ingest schema: %w", err)
	}
	return &Handler{store: store, schema: schema, logger: logger}, nil
}

// HandleEvent validates raw JSON against the event schema, deduplicates by
// event ID, and applies the mutation. Invalid payloads are rejected with an
// error; duplicates succeed silently.
func (h *Handler) HandleEvent(ctx context.Context, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse ingest event: %w", err)
	}
	if err := h.schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid ingest event: %w", err)
	}

	ev := decodeEvent(inst)

	fresh, err := h.store.MarkIngested(ctx, ev.EventID)
	if err != nil {
		return fmt.Errorf("dedupe ingest event: %w", err)
	}
	if !fresh {
		h.logger.Debug("duplicate ingest event ignored", "event_id", ev.EventID)
		return nil
	}
	return h.apply(ctx, ev)
}

// decodeEvent reads the already-validated instance. Validation guarantees
// the required fields and enum values, so missing optionals default to "".
func decodeEvent(inst any) Event {
	m, _ := inst.(map[string]any)
	str := func(key string) string {
		v, _ := m[key].(string)
		return v
	}
	return Event{
		EventID:   str("event_id"),
		Type:      str("type"),
		PageRef:   str("page_ref"),
		ChannelID: str("channel_id"),
		Title:     str("title"),
		Priority:  str("priority"),
		Reason:    str("reason"),
	}
}

func (h *Handler) apply(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventTaskCreated:
		return h.create(ctx, ev)
	case EventTaskReprioritized:
		return h.reprioritize(ctx, ev)
	case EventTaskCancelled:
		return h.cancel(ctx, ev)
	default:
		return fmt.Errorf("unknown ingest event type %q", ev.Type)
	}
}

func (h *Handler) create(ctx context.Context, ev Event) error {
	if _, err := h.store.GetTaskByPageRef(ctx, ev.PageRef); err == nil {
		h.logger.Debug("task already exists for page", "page_ref", ev.PageRef)
		return nil
	}
	taskID, err := h.store.CreateTask(ctx, persistence.CreateTaskParams{
		ChannelID: ev.ChannelID,
		PageRef:   ev.PageRef,
		Title:     ev.Title,
		Priority:  persistence.ParsePriority(ev.Priority),
	})
	if err != nil {
		return fmt.Errorf("create task from event: %w", err)
	}
	h.logger.Info("task created from ingest event",
		"task_id", taskID, "page_ref", ev.PageRef, "channel_id", ev.ChannelID)
	return nil
}

func (h *Handler) reprioritize(ctx context.Context, ev Event) error {
	task, err := h.store.GetTaskByPageRef(ctx, ev.PageRef)
	if err != nil {
		return fmt.Errorf("reprioritize: task for page %s: %w", ev.PageRef, err)
	}
	p := persistence.ParsePriority(ev.Priority)
	if p == task.Priority {
		return nil
	}
	if err := h.store.SetPriority(ctx, task.ID, p); err != nil {
		return err
	}
	h.logger.Info("task reprioritized", "task_id", task.ID, "priority", ev.Priority)
	return nil
}

func (h *Handler) cancel(ctx context.Context, ev Event) error {
	task, err := h.store.GetTaskByPageRef(ctx, ev.PageRef)
	if err != nil {
		return fmt.Errorf("cancel: task for page %s: %w", ev.PageRef, err)
	}
	cancelled, err := h.store.Cancel(ctx, task.ID, ev.Reason)
	if err != nil {
		return err
	}
	if !cancelled {
		// Mid-step or already terminal; the planner sees the real status
		// at the next mirror update.
		h.logger.Warn("cancel not applicable", "task_id", task.ID, "status", task.Status)
		return nil
	}
	audit.Record(audit.KindTaskCancelled, task.ID, ev.Reason, "planner")
	h.logger.Info("task cancelled from ingest event", "task_id", task.ID)
	return nil
}
