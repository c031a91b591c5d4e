package flow

import (
	"strings"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// ActionKind enumerates what the resolver decided to do with an event.
type ActionKind int

const (
	ActionFallthrough ActionKind = iota
	ActionStartFlow
	ActionResume
	ActionMenu
	ActionBack
	ActionReply
	ActionManager
	ActionPayload
)

func (k ActionKind) String() string {
	switch k {
	case ActionStartFlow:
		return "start_flow"
	case ActionResume:
		return "resume"
	case ActionMenu:
		return "menu"
	case ActionBack:
		return "back"
	case ActionReply:
		return "reply"
	case ActionManager:
		return "manager"
	case ActionPayload:
		return "payload"
	default:
		return "fallthrough"
	}
}

// Action is the resolver's decision.
type Action struct {
	Kind   ActionKind
	FlowID string
	Input  string
	Reply  models.LocalizedText
	Token  string
}

// FlowSource is the read side of the Registry.
type FlowSource interface {
	Current() *Snapshot
	Lookup(flowID string, version int64, nodeID string) *models.FlowDefinition
}

// Resolver picks the entry point for an inbound event. The first matching rule wins:
// manager callbacks, menu and back commands, input for the waiting node, menu buttons,
// trigger commands, keywords.
type Resolver struct {
	cfg   Config
	flows FlowSource
}

// NewResolver creates a resolver over flows.
func NewResolver(cfg Config, flows FlowSource) *Resolver {
	return &Resolver{cfg: cfg, flows: flows}
}

// Resolve decides what ev does to s.
func (r *Resolver) Resolve(ev *models.InboundEvent, s *models.SessionState) Action {
	if ev.Kind == models.EventKindCallback && strings.HasPrefix(ev.Callback, r.cfg.ManagerPrefix) {
		return Action{Kind: ActionManager, Token: ev.Callback}
	}
	if ev.Kind == models.EventKindPayload {
		return Action{Kind: ActionPayload}
	}

	input := strings.TrimSpace(ev.Input())
	locale := s.Locale
	if ev.Kind == models.EventKindText || ev.Kind == models.EventKindCallback {
		if r.isMenuCommand(input, locale) {
			return Action{Kind: ActionMenu}
		}
		if r.isBackCommand(input, locale) {
			return Action{Kind: ActionBack}
		}
	}

	if s.InFlow() {
		if flow := r.flows.Lookup(s.ActiveFlowID, s.FlowVersion, s.CurrentNodeID); flow != nil {
			if node, ok := flow.Node(s.CurrentNodeID); ok && node.Type.WaitsForInput() {
				return Action{Kind: ActionResume, FlowID: flow.ID, Input: input}
			}
		}
	}

	if input == "" {
		return Action{Kind: ActionFallthrough}
	}
	snap := r.flows.Current()
	if snap == nil {
		return Action{Kind: ActionFallthrough}
	}

	for _, b := range snap.Menu.Buttons {
		if !labelMatches(b.Label, input, locale, r.cfg.DefaultLocale) {
			continue
		}
		if b.FlowID != "" {
			return Action{Kind: ActionStartFlow, FlowID: b.FlowID}
		}
		return Action{Kind: ActionReply, Reply: b.Reply}
	}

	active := snap.ActiveFlows()
	for _, f := range active {
		if f.TriggerCommand != "" && input == f.TriggerCommand {
			return Action{Kind: ActionStartFlow, FlowID: f.ID}
		}
	}
	lower := strings.ToLower(input)
	for _, f := range active {
		for _, kw := range f.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				return Action{Kind: ActionStartFlow, FlowID: f.ID}
			}
		}
	}
	return Action{Kind: ActionFallthrough}
}

func (r *Resolver) isMenuCommand(input, locale string) bool {
	for _, c := range r.cfg.MenuCommands {
		if input == c {
			return true
		}
	}
	return labelMatches(r.cfg.Texts.MenuButton, input, locale, r.cfg.DefaultLocale)
}

func (r *Resolver) isBackCommand(input, locale string) bool {
	for _, c := range r.cfg.BackCommands {
		if input == c {
			return true
		}
	}
	return labelMatches(r.cfg.Texts.BackButton, input, locale, r.cfg.DefaultLocale)
}

// labelMatches compares input exactly to the label as shown in the session locale, or in the
// default text when the locale has no override.
func labelMatches(label models.LocalizedText, input, locale, defaultLocale string) bool {
	if input == "" {
		return false
	}
	if shown := label.Resolve(locale, defaultLocale); shown != "" && input == shown {
		return true
	}
	return label.Default != "" && input == label.Default
}
