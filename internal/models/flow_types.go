// Package models defines the flow graph, session and event types shared across ScenarioPipe.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NodeType is the tag of a flow node.
type NodeType string

// Node type constants.
const (
	NodeTypeStart          NodeType = "START"
	NodeTypeMessage        NodeType = "MESSAGE"
	NodeTypeQuestionText   NodeType = "QUESTION_TEXT"
	NodeTypeQuestionChoice NodeType = "QUESTION_CHOICE"
	NodeTypeMenuReply      NodeType = "MENU_REPLY"
	NodeTypeRequestContact NodeType = "REQUEST_CONTACT"
	NodeTypeCondition      NodeType = "CONDITION"
	NodeTypeAction         NodeType = "ACTION"
	NodeTypeDelay          NodeType = "DELAY"
	NodeTypeJump           NodeType = "JUMP"
	NodeTypeSearch         NodeType = "SEARCH"
	NodeTypeSearchFallback NodeType = "SEARCH_FALLBACK"
	NodeTypeGallery        NodeType = "GALLERY"
	NodeTypeBroadcast      NodeType = "BROADCAST"
)

// WaitsForInput reports whether nodes of this type suspend until the next inbound event.
// Only these node ids are ever pushed onto a session's history.
func (t NodeType) WaitsForInput() bool {
	switch t {
	case NodeTypeQuestionText, NodeTypeQuestionChoice, NodeTypeMenuReply, NodeTypeRequestContact:
		return true
	default:
		return false
	}
}

// IsValidNodeType checks if the given node type is supported.
func IsValidNodeType(t NodeType) bool {
	switch t {
	case NodeTypeStart, NodeTypeMessage, NodeTypeQuestionText, NodeTypeQuestionChoice,
		NodeTypeMenuReply, NodeTypeRequestContact, NodeTypeCondition, NodeTypeAction,
		NodeTypeDelay, NodeTypeJump, NodeTypeSearch, NodeTypeSearchFallback,
		NodeTypeGallery, NodeTypeBroadcast:
		return true
	default:
		return false
	}
}

// ConditionOperator selects how a CONDITION node compares a variable against its operand.
type ConditionOperator string

const (
	OperatorEquals   ConditionOperator = "EQUALS"
	OperatorContains ConditionOperator = "CONTAINS"
	OperatorGT       ConditionOperator = "GT"
	OperatorHasValue ConditionOperator = "HAS_VALUE"
	// OperatorExpr evaluates Value as an expr-lang boolean expression over the variable bag.
	OperatorExpr ConditionOperator = "EXPR"
)

// ActionType tags the side effect an ACTION node requests.
type ActionType string

const (
	ActionSetLocale     ActionType = "SET_LOCALE"
	ActionSetVariable   ActionType = "SET_VARIABLE"
	ActionCreateLead    ActionType = "CREATE_LEAD"
	ActionCreateRequest ActionType = "CREATE_REQUEST"
	ActionNotifyAdmin   ActionType = "NOTIFY_ADMIN"
	ActionResetMenu     ActionType = "RESET_MENU"
)

// BroadcastVariant distinguishes the BROADCAST family.
type BroadcastVariant string

const (
	BroadcastChannelPost      BroadcastVariant = "CHANNEL_POST"
	BroadcastRequestBroadcast BroadcastVariant = "REQUEST_BROADCAST"
	BroadcastOfferCollect     BroadcastVariant = "OFFER_COLLECT"
)

// Validation errors for flow definitions.
var (
	ErrEmptyFlowID        = errors.New("flow id cannot be empty")
	ErrMissingEntryNode   = errors.New("flow entry node does not exist")
	ErrEmptyNodeID        = errors.New("node id cannot be empty")
	ErrDuplicateNodeID    = errors.New("duplicate node id")
	ErrInvalidNodeType    = errors.New("invalid node type")
	ErrMissingVariable    = errors.New("node requires a variable name")
	ErrMissingChoices     = errors.New("choice node requires at least one choice")
	ErrInvalidOperator    = errors.New("invalid condition operator")
	ErrMissingActionType  = errors.New("action node requires an action type")
	ErrInvalidDelay       = errors.New("delay must be positive")
	ErrInvalidBroadcast   = errors.New("invalid broadcast variant")
	ErrEmptyChoiceValue   = errors.New("choice requires a value or label")
	ErrConditionOperand   = errors.New("condition requires a variable or expression")
	ErrInvalidGalleryCols = errors.New("gallery limit cannot be negative")
)

// LocalizedText is a default string plus per-locale overrides.
type LocalizedText struct {
	Default  string            `json:"default,omitempty"`
	ByLocale map[string]string `json:"by_locale,omitempty"`
}

// Resolve returns the text for locale, falling back to the default text and then to the
// defaultLocale override. Missing text resolves to "".
func (t LocalizedText) Resolve(locale, defaultLocale string) string {
	if locale != "" {
		if s, ok := t.ByLocale[strings.ToLower(locale)]; ok && s != "" {
			return s
		}
	}
	if t.Default != "" {
		return t.Default
	}
	if defaultLocale != "" {
		return t.ByLocale[strings.ToLower(defaultLocale)]
	}
	return ""
}

// Variants returns every non-empty rendering of the text.
func (t LocalizedText) Variants() []string {
	out := make([]string, 0, len(t.ByLocale)+1)
	if t.Default != "" {
		out = append(out, t.Default)
	}
	for _, s := range t.ByLocale {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Choice is one selectable option of a QUESTION_CHOICE or MENU_REPLY node.
type Choice struct {
	Value      string        `json:"value"`
	Label      LocalizedText `json:"label"`
	NextNodeID string        `json:"next_node_id,omitempty"`
}

// NodeContent is the type-specific payload of a node. The set of implementations is closed;
// the executor switches over them exhaustively.
type NodeContent interface {
	nodeContent()
}

// StartContent marks the entry of a flow.
type StartContent struct{}

// JumpContent redirects to NextNodeID without side effects.
type JumpContent struct{}

// MessageContent sends the node text, optionally with media.
type MessageContent struct {
	MediaRef string `json:"media_ref,omitempty"`
}

// QuestionTextContent stores the next free-text input into Variable.
type QuestionTextContent struct {
	Variable string `json:"variable"`
}

// ChoiceContent renders choices and advances along the matched one.
type ChoiceContent struct {
	Variable string   `json:"variable,omitempty"`
	Choices  []Choice `json:"choices"`
}

// ContactRequestContent asks the user to share a contact and stores the phone into Variable.
type ContactRequestContent struct {
	Variable    string        `json:"variable"`
	ButtonLabel LocalizedText `json:"button_label"`
}

// ConditionContent branches on a variable.
type ConditionContent struct {
	Variable    string            `json:"variable"`
	Operator    ConditionOperator `json:"operator"`
	Value       string            `json:"value,omitempty"`
	TrueNodeID  string            `json:"true_node_id,omitempty"`
	FalseNodeID string            `json:"false_node_id,omitempty"`
}

// ActionContent dispatches a side effect through the gateway.
type ActionContent struct {
	ActionType     ActionType        `json:"action_type"`
	Params         map[string]string `json:"params,omitempty"`
	ResultVariable string            `json:"result_variable,omitempty"`
}

// DelayContent pauses the flow for Duration before advancing.
type DelayContent struct {
	Duration time.Duration `json:"duration"`
}

// SearchContent builds an inventory filter from session variables.
type SearchContent struct {
	BrandVariable    string `json:"brand_variable,omitempty"`
	ModelVariable    string `json:"model_variable,omitempty"`
	PriceMinVariable string `json:"price_min_variable,omitempty"`
	PriceMaxVariable string `json:"price_max_variable,omitempty"`
	YearMinVariable  string `json:"year_min_variable,omitempty"`
	YearMaxVariable  string `json:"year_max_variable,omitempty"`
	CountVariable    string `json:"count_variable,omitempty"`
	// Fallback forces the external merge regardless of the local result count.
	Fallback bool `json:"fallback,omitempty"`
}

// GalleryContent renders up to Limit entries of the session's temp results.
type GalleryContent struct {
	Limit int `json:"limit,omitempty"`
}

// BroadcastContent posts a deep-link message to a destination.
type BroadcastContent struct {
	Variant          BroadcastVariant `json:"variant"`
	ChannelID        string           `json:"channel_id,omitempty"`
	ChannelVariable  string           `json:"channel_variable,omitempty"`
	ScheduleVariable string           `json:"schedule_variable,omitempty"`
	DeepLinkBase     string           `json:"deep_link_base,omitempty"`
	DeepLinkVariable string           `json:"deep_link_variable,omitempty"`
}

func (StartContent) nodeContent()          {}
func (JumpContent) nodeContent()           {}
func (MessageContent) nodeContent()        {}
func (QuestionTextContent) nodeContent()   {}
func (ChoiceContent) nodeContent()         {}
func (ContactRequestContent) nodeContent() {}
func (ConditionContent) nodeContent()      {}
func (ActionContent) nodeContent()         {}
func (DelayContent) nodeContent()          {}
func (SearchContent) nodeContent()         {}
func (GalleryContent) nodeContent()        {}
func (BroadcastContent) nodeContent()      {}

// Node is a single step in a flow.
type Node struct {
	ID         string        `json:"id"`
	Type       NodeType      `json:"type"`
	Text       LocalizedText `json:"text"`
	NextNodeID string        `json:"next_node_id,omitempty"`
	Content    NodeContent   `json:"content,omitempty"`
}

// FlowDefinition is an immutable, versioned node graph for one conversational capability.
type FlowDefinition struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Version        int64           `json:"version"`
	EntryNodeID    string          `json:"entry_node_id"`
	TriggerCommand string          `json:"trigger_command,omitempty"`
	Keywords       []string        `json:"keywords,omitempty"`
	IsActive       bool            `json:"is_active"`
	DefaultChannel string          `json:"default_channel,omitempty"`
	Nodes          map[string]Node `json:"nodes"`
}

// Node looks up a node by id.
func (f *FlowDefinition) Node(id string) (Node, bool) {
	if f == nil || id == "" {
		return Node{}, false
	}
	n, ok := f.Nodes[id]
	return n, ok
}

// DanglingReferences lists transitions that point at node ids missing from the flow.
// Dangling targets are tolerated at runtime (they terminate the flow) so loaders only warn.
func (f *FlowDefinition) DanglingReferences() []string {
	var out []string
	check := func(from, to string) {
		if to == "" {
			return
		}
		if _, ok := f.Nodes[to]; !ok {
			out = append(out, fmt.Sprintf("%s -> %s", from, to))
		}
	}
	for id, n := range f.Nodes {
		check(id, n.NextNodeID)
		switch c := n.Content.(type) {
		case ConditionContent:
			check(id, c.TrueNodeID)
			check(id, c.FalseNodeID)
		case ChoiceContent:
			for _, ch := range c.Choices {
				check(id, ch.NextNodeID)
			}
		}
	}
	return out
}

// Validate checks structural requirements that make a flow unusable if violated.
func (f *FlowDefinition) Validate() error {
	if f.ID == "" {
		return ErrEmptyFlowID
	}
	if _, ok := f.Nodes[f.EntryNodeID]; !ok {
		return fmt.Errorf("%w: flow %s entry %q", ErrMissingEntryNode, f.ID, f.EntryNodeID)
	}
	for id, n := range f.Nodes {
		if id == "" || n.ID != id {
			return fmt.Errorf("%w: flow %s", ErrEmptyNodeID, f.ID)
		}
		if err := n.Validate(); err != nil {
			return fmt.Errorf("flow %s node %s: %w", f.ID, id, err)
		}
	}
	return nil
}

// Validate performs type-specific validation on a node.
func (n *Node) Validate() error {
	if !IsValidNodeType(n.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidNodeType, n.Type)
	}
	switch c := n.Content.(type) {
	case QuestionTextContent:
		if c.Variable == "" {
			return ErrMissingVariable
		}
	case ContactRequestContent:
		if c.Variable == "" {
			return ErrMissingVariable
		}
	case ChoiceContent:
		if len(c.Choices) == 0 {
			return ErrMissingChoices
		}
		for _, ch := range c.Choices {
			if ch.Value == "" && ch.Label.Default == "" {
				return ErrEmptyChoiceValue
			}
		}
	case ConditionContent:
		switch c.Operator {
		case OperatorEquals, OperatorContains, OperatorGT, OperatorHasValue:
			if c.Variable == "" {
				return ErrConditionOperand
			}
		case OperatorExpr:
			if c.Value == "" {
				return ErrConditionOperand
			}
		default:
			return fmt.Errorf("%w: %q", ErrInvalidOperator, c.Operator)
		}
	case ActionContent:
		if c.ActionType == "" {
			return ErrMissingActionType
		}
	case DelayContent:
		if c.Duration <= 0 {
			return ErrInvalidDelay
		}
	case GalleryContent:
		if c.Limit < 0 {
			return ErrInvalidGalleryCols
		}
	case BroadcastContent:
		switch c.Variant {
		case BroadcastChannelPost, BroadcastRequestBroadcast, BroadcastOfferCollect:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidBroadcast, c.Variant)
		}
	}
	return nil
}
