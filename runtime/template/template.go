// Package template implements the Conversation Template aggregate: an ordered
// proactive flow of items, each carrying renderable contents and interactive
// widgets. Templates drive the orchestrator's PRESENTING state; scoring
// consults item answers that are never transmitted to clients.
package template

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// WidgetType enumerates the renderable unit kinds within a template item.
type WidgetType string

const (
	WidgetMessage        WidgetType = "message"
	WidgetMultipleChoice WidgetType = "multiple_choice"
	WidgetFreeText       WidgetType = "free_text"
	WidgetCodeEditor     WidgetType = "code_editor"
	WidgetButton         WidgetType = "button"
	WidgetTextDisplay    WidgetType = "text_display"
	WidgetImageDisplay   WidgetType = "image_display"
	WidgetVideo          WidgetType = "video"
	WidgetChart          WidgetType = "chart"
	WidgetDataTable      WidgetType = "data_table"
	WidgetDocumentViewer WidgetType = "document_viewer"
	WidgetStickyNote     WidgetType = "sticky_note"
	WidgetGraphTopology  WidgetType = "graph_topology"
)

// Interactive reports whether the widget type expects a client response.
func (w WidgetType) Interactive() bool {
	switch w {
	case WidgetMultipleChoice, WidgetFreeText, WidgetCodeEditor, WidgetButton:
		return true
	}
	return false
}

// Event type identifiers for the template stream.
const (
	EventCreated = "conversation_template.created"
	EventUpdated = "conversation_template.updated"
	EventDeleted = "conversation_template.deleted"
)

type (
	// Template is the aggregate root.
	Template struct {
		ID      string
		OwnerID string
		Attributes
		Deleted bool

		version int64
	}

	// Attributes is the full mutable template configuration.
	Attributes struct {
		Name                     string        `json:"name"`
		Items                    []Item        `json:"items"`
		AgentStartsFirst         bool          `json:"agent_starts_first"`
		AllowNavigation          bool          `json:"allow_navigation"`
		EnableChatInputInitially bool          `json:"enable_chat_input_initially"`
		DisplayProgressIndicator bool          `json:"display_progress_indicator"`
		IncludeFeedback          bool          `json:"include_feedback"`
		DisplayFinalScoreReport  bool          `json:"display_final_score_report"`
		ContinueAfterCompletion  bool          `json:"continue_after_completion"`
		PassingScorePercent      *int          `json:"passing_score_percent,omitempty"`
		IntroductionMessage      string        `json:"introduction_message,omitempty"`
		CompletionMessage        string        `json:"completion_message,omitempty"`
	}

	// Item is one step of the proactive flow.
	Item struct {
		ID                      string        `json:"id"`
		Title                   string        `json:"title,omitempty"`
		Contents                []ItemContent `json:"contents,omitempty"`
		RequireUserConfirmation bool          `json:"require_user_confirmation"`
		EnableChatInput         bool          `json:"enable_chat_input"`
		TimeLimit               time.Duration `json:"time_limit,omitempty"`
	}

	// ItemContent is a single renderable unit within an item. CorrectAnswer is
	// consumed only by the scoring path and must never be serialized to client
	// payloads; the wire codec in runtime/stream omits it.
	ItemContent struct {
		ID            string     `json:"id"`
		Order         int        `json:"order"`
		WidgetType    WidgetType `json:"widget_type"`
		IsTemplated   bool       `json:"is_templated"`
		SourceID      string     `json:"source_id,omitempty"`
		Required      bool       `json:"required"`
		Skippable     bool       `json:"skippable"`
		MaxScore      int        `json:"max_score,omitempty"`
		Stem          string     `json:"stem,omitempty"`
		Options       []string   `json:"options,omitempty"`
		CorrectAnswer string     `json:"correct_answer,omitempty"`
		Explanation   string     `json:"explanation,omitempty"`
		InitialValue  string     `json:"initial_value,omitempty"`
	}

	// CreatedPayload binds the template to its owner.
	CreatedPayload struct {
		OwnerID string `json:"owner_id"`
		Attributes
	}
)

// New returns an empty template shell ready for replay or creation.
func New(id string) *Template {
	return &Template{ID: id}
}

// AggregateType implements eventstore.Aggregate.
func (t *Template) AggregateType() string { return eventstore.AggregateTemplate }

// AggregateID implements eventstore.Aggregate.
func (t *Template) AggregateID() string { return t.ID }

// Version returns the number of events folded into the aggregate.
func (t *Template) Version() int64 { return t.version }

// ItemCount returns the number of items in the flow.
func (t *Template) ItemCount() int { return len(t.Items) }

// ItemAt returns the item at the given cursor position.
func (t *Template) ItemAt(index int) (Item, bool) {
	if index < 0 || index >= len(t.Items) {
		return Item{}, false
	}
	return t.Items[index], true
}

// Create initializes the template.
func (t *Template) Create(ownerID string, attrs Attributes) ([]eventstore.Change, error) {
	if t.version > 0 {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "template already exists")
	}
	if ownerID == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "owner id is required")
	}
	if err := validateAttributes(attrs); err != nil {
		return nil, err
	}
	return []eventstore.Change{{Type: EventCreated, Payload: CreatedPayload{OwnerID: ownerID, Attributes: attrs}}}, nil
}

// Update replaces the template attributes.
func (t *Template) Update(attrs Attributes) ([]eventstore.Change, error) {
	if t.Deleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "template deleted")
	}
	if err := validateAttributes(attrs); err != nil {
		return nil, err
	}
	return []eventstore.Change{{Type: EventUpdated, Payload: attrs}}, nil
}

// Delete soft-deletes the template. Definitions referencing it keep their
// dangling reference; session open reports it.
func (t *Template) Delete() ([]eventstore.Change, error) {
	if t.Deleted {
		return nil, nil
	}
	return []eventstore.Change{{Type: EventDeleted, Payload: struct{}{}}}, nil
}

// Apply folds a persisted event into the aggregate.
func (t *Template) Apply(evt eventstore.Event) error {
	defer func() { t.version = evt.Sequence }()
	switch evt.Type {
	case EventCreated:
		var p CreatedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		t.OwnerID = p.OwnerID
		t.Attributes = p.Attributes
	case EventUpdated:
		var p Attributes
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		t.Attributes = p
	case EventDeleted:
		t.Deleted = true
	}
	return nil
}

func validateAttributes(attrs Attributes) error {
	if attrs.Name == "" {
		return gwerrors.New(gwerrors.KindValidation, "name is required")
	}
	seen := make(map[string]struct{}, len(attrs.Items))
	for _, item := range attrs.Items {
		if item.ID == "" {
			return gwerrors.New(gwerrors.KindValidation, "item id is required")
		}
		if _, dup := seen[item.ID]; dup {
			return gwerrors.Newf(gwerrors.KindValidation, "duplicate item id %s", item.ID)
		}
		seen[item.ID] = struct{}{}
		for _, content := range item.Contents {
			if content.ID == "" {
				return gwerrors.Newf(gwerrors.KindValidation, "item %s has content without id", item.ID)
			}
			if content.WidgetType == "" {
				return gwerrors.Newf(gwerrors.KindValidation, "content %s has no widget type", content.ID)
			}
		}
	}
	if attrs.PassingScorePercent != nil {
		if p := *attrs.PassingScorePercent; p < 0 || p > 100 {
			return gwerrors.Newf(gwerrors.KindValidation, "passing score percent %d out of range", p)
		}
	}
	return nil
}
