package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// Mode selects how the first node of a run is entered.
type Mode int

const (
	// ModeEnter performs the node's effect and follows its transitions.
	ModeEnter Mode = iota
	// ModeRedisplay re-renders an input-waiting node without history or variable effects.
	ModeRedisplay
)

// Outcome describes where a run stopped.
type Outcome struct {
	// NodeID is the node the session is suspended at, empty after termination.
	NodeID     string
	Suspended  bool
	Terminated bool
	// Steps counts the transitions taken.
	Steps int
}

// Executor runs flow graphs against sessions. It holds no per-session state.
type Executor struct {
	cfg  Config
	gw   Gateway
	menu func() Menu
	now  func() time.Time
}

// NewExecutor creates an executor. menu supplies the top-level menu shown on termination.
func NewExecutor(cfg Config, gw Gateway, menu func() Menu) *Executor {
	if menu == nil {
		menu = func() Menu { return Menu{} }
	}
	return &Executor{cfg: cfg, gw: gw, menu: menu, now: time.Now}
}

// Start enters a flow at its entry node. The session is expected to be reset already.
func (x *Executor) Start(ctx context.Context, flow *models.FlowDefinition, s *models.SessionState) Outcome {
	slog.Debug("Executor.Start", "sessionID", s.SessionID, "flowID", flow.ID, "version", flow.Version)
	s.Enter(flow.ID, flow.Version, flow.EntryNodeID)
	return x.Run(ctx, flow, s, flow.EntryNodeID, ModeEnter, "")
}

// Run executes from nodeID until a suspension point or termination. origin is the input-waiting
// node that was answered to get here; it is pushed to history when the run suspends at a
// different input-waiting node.
func (x *Executor) Run(ctx context.Context, flow *models.FlowDefinition, s *models.SessionState, nodeID string, mode Mode, origin string) Outcome {
	if mode == ModeRedisplay {
		node, ok := flow.Node(nodeID)
		if !ok || !node.Type.WaitsForInput() {
			x.logIntegrity(s, &GraphIntegrityError{FlowID: flow.ID, FromID: s.CurrentNodeID, ToID: nodeID})
			return x.Terminate(ctx, s)
		}
		s.Enter(flow.ID, flow.Version, node.ID)
		x.renderPrompt(ctx, s, node)
		return Outcome{NodeID: node.ID, Suspended: true}
	}

	from := s.CurrentNodeID
	id := nodeID
	for steps := 0; ; steps++ {
		if steps >= x.cfg.MaxAutoAdvance {
			x.logIntegrity(s, &GraphIntegrityError{FlowID: flow.ID, FromID: id, Reason: "auto-advance limit exceeded"})
			out := x.Terminate(ctx, s)
			out.Steps = steps
			return out
		}
		if id == "" {
			slog.Debug("Executor.Run: flow finished", "sessionID", s.SessionID, "flowID", flow.ID, "lastNode", from)
			out := x.Terminate(ctx, s)
			out.Steps = steps
			return out
		}
		node, ok := flow.Node(id)
		if !ok {
			x.logIntegrity(s, &GraphIntegrityError{FlowID: flow.ID, FromID: from, ToID: id})
			out := x.Terminate(ctx, s)
			out.Steps = steps
			return out
		}

		s.Enter(flow.ID, flow.Version, node.ID)
		res := x.step(ctx, flow, s, node, origin)
		switch {
		case res.terminate:
			out := x.Terminate(ctx, s)
			out.Steps = steps
			return out
		case res.suspend:
			if node.Type.WaitsForInput() && origin != "" && origin != node.ID {
				s.PushHistory(origin, x.cfg.HistoryCapacity)
			}
			slog.Debug("Executor.Run: suspended", "sessionID", s.SessionID, "flowID", flow.ID, "nodeID", node.ID, "steps", steps)
			return Outcome{NodeID: node.ID, Suspended: true, Steps: steps}
		}
		from = node.ID
		id = res.next
	}
}

// Resume feeds input to the input-waiting node the session is suspended at. A mismatch re-prompts
// the node and leaves the session where it was.
func (x *Executor) Resume(ctx context.Context, flow *models.FlowDefinition, s *models.SessionState, ev *models.InboundEvent) Outcome {
	node, ok := flow.Node(s.CurrentNodeID)
	if !ok {
		x.logIntegrity(s, &GraphIntegrityError{FlowID: flow.ID, FromID: s.CurrentNodeID, ToID: s.CurrentNodeID})
		return x.Terminate(ctx, s)
	}
	next, err := x.accept(s, node, ev)
	if errors.Is(err, ErrInputMismatch) {
		slog.Debug("Executor.Resume: input mismatch, re-prompting", "sessionID", s.SessionID, "nodeID", node.ID)
		x.reprompt(ctx, s, node)
		return Outcome{NodeID: node.ID, Suspended: true}
	}
	return x.Run(ctx, flow, s, next, ModeEnter, node.ID)
}

// Continue runs from the node after a DELAY once it has elapsed.
func (x *Executor) Continue(ctx context.Context, flow *models.FlowDefinition, s *models.SessionState, delayNode models.Node, origin string) Outcome {
	return x.Run(ctx, flow, s, delayNode.NextNodeID, ModeEnter, origin)
}

// Terminate resets the session and shows the menu.
func (x *Executor) Terminate(ctx context.Context, s *models.SessionState) Outcome {
	x.Reset(ctx, s)
	x.ShowMenu(ctx, s)
	return Outcome{Terminated: true}
}

// Reset clears the session's flow position, history and results and drops its pending delays.
// Variables are kept.
func (x *Executor) Reset(ctx context.Context, s *models.SessionState) {
	wasActive := s.ActiveFlowID
	s.Reset()
	if wasActive != "" && x.gw.Delays != nil {
		if err := x.gw.Delays.CancelSession(ctx, s.SessionID); err != nil {
			slog.Warn("Executor.Reset: failed to cancel pending delays", "sessionID", s.SessionID, "error", err)
		}
	}
}

// cancelDelay drops the session's pending DELAY resume.
func (x *Executor) cancelDelay(ctx context.Context, s *models.SessionState) {
	s.EndDelay()
	if x.gw.Delays == nil {
		return
	}
	if err := x.gw.Delays.CancelSession(ctx, s.SessionID); err != nil {
		slog.Warn("Executor.cancelDelay: failed to cancel pending delay", "sessionID", s.SessionID, "error", err)
	}
}

// ShowMenu sends the top-level menu.
func (x *Executor) ShowMenu(ctx context.Context, s *models.SessionState) {
	menu := x.menu()
	text := x.resolve(s, menu.Text)
	if text == "" && len(menu.Buttons) == 0 {
		return
	}
	markup := &Markup{}
	for _, b := range menu.Buttons {
		markup.Rows = append(markup.Rows, []models.Button{{Label: x.resolve(s, b.Label)}})
	}
	x.sendText(ctx, s.SessionID, "", text, markup)
}

// stepResult is what one node tells the loop to do next.
type stepResult struct {
	next      string
	suspend   bool
	terminate bool
}

func advance(next string) stepResult { return stepResult{next: next} }

func (x *Executor) step(ctx context.Context, flow *models.FlowDefinition, s *models.SessionState, node models.Node, origin string) stepResult {
	switch c := node.Content.(type) {
	case models.StartContent, models.JumpContent, nil:
		return advance(node.NextNodeID)
	case models.MessageContent:
		text := x.text(s, node)
		if c.MediaRef != "" {
			x.sendMedia(ctx, s.SessionID, node.ID, c.MediaRef, text, nil)
		} else if text != "" {
			x.sendText(ctx, s.SessionID, node.ID, text, nil)
		}
		return advance(node.NextNodeID)
	case models.QuestionTextContent, models.ChoiceContent, models.ContactRequestContent:
		x.renderPrompt(ctx, s, node)
		return stepResult{suspend: true}
	case models.ConditionContent:
		if EvaluateCondition(c, s.Variables) {
			return advance(c.TrueNodeID)
		}
		return advance(c.FalseNodeID)
	case models.ActionContent:
		return x.runAction(ctx, s, node, c)
	case models.DelayContent:
		return x.runDelay(ctx, flow, s, node, c, origin)
	case models.SearchContent:
		x.runSearch(ctx, s, node, c)
		return advance(node.NextNodeID)
	case models.GalleryContent:
		x.runGallery(ctx, s, node, c)
		return advance(node.NextNodeID)
	case models.BroadcastContent:
		x.runBroadcast(ctx, flow, s, node, c)
		return advance(node.NextNodeID)
	default:
		slog.Warn("Executor.step: unhandled node content", "nodeID", node.ID, "type", node.Type)
		return advance(node.NextNodeID)
	}
}

// accept binds input for the waiting node and returns the next node id.
func (x *Executor) accept(s *models.SessionState, node models.Node, ev *models.InboundEvent) (string, error) {
	input := ev.Input()
	switch c := node.Content.(type) {
	case models.QuestionTextContent:
		if input == "" {
			return "", ErrInputMismatch
		}
		s.SetVariable(c.Variable, input)
		return node.NextNodeID, nil
	case models.ChoiceContent:
		ch, ok := matchChoice(c.Choices, input)
		if !ok {
			return "", ErrInputMismatch
		}
		if c.Variable != "" {
			s.SetVariable(c.Variable, choiceValue(ch))
		}
		if ch.NextNodeID != "" {
			return ch.NextNodeID, nil
		}
		return node.NextNodeID, nil
	case models.ContactRequestContent:
		phone, ok := normalizePhone(input)
		if !ok {
			return "", ErrInputMismatch
		}
		s.SetVariable(c.Variable, phone)
		return node.NextNodeID, nil
	default:
		return "", ErrInputMismatch
	}
}

func (x *Executor) renderPrompt(ctx context.Context, s *models.SessionState, node models.Node) {
	markup := &Markup{}
	switch c := node.Content.(type) {
	case models.ChoiceContent:
		markup.Inline = node.Type == models.NodeTypeQuestionChoice
		for _, ch := range c.Choices {
			label := x.resolve(s, ch.Label)
			if label == "" {
				label = ch.Value
			}
			markup.Rows = append(markup.Rows, []models.Button{{Label: label, Data: choiceValue(ch)}})
		}
	case models.ContactRequestContent:
		label := x.resolve(s, c.ButtonLabel)
		if label == "" {
			label = x.resolve(s, x.cfg.Texts.ContactButton)
		}
		markup.RequestContact = &models.Button{Label: label}
	}
	markup.Rows = append(markup.Rows, x.navRow(s))
	x.sendText(ctx, s.SessionID, node.ID, x.text(s, node), markup)
}

func (x *Executor) reprompt(ctx context.Context, s *models.SessionState, node models.Node) {
	if _, ok := node.Content.(models.ChoiceContent); ok {
		x.sendText(ctx, s.SessionID, node.ID, x.resolve(s, x.cfg.Texts.InvalidChoice), nil)
	}
	if node.Type.WaitsForInput() {
		x.renderPrompt(ctx, s, node)
	}
}

func (x *Executor) navRow(s *models.SessionState) []models.Button {
	return []models.Button{
		{Label: x.resolve(s, x.cfg.Texts.BackButton)},
		{Label: x.resolve(s, x.cfg.Texts.MenuButton)},
	}
}

func (x *Executor) resolve(s *models.SessionState, t models.LocalizedText) string {
	return Substitute(t.Resolve(s.Locale, x.cfg.DefaultLocale), s.Variables)
}

func (x *Executor) text(s *models.SessionState, node models.Node) string {
	return x.resolve(s, node.Text)
}

func (x *Executor) sendText(ctx context.Context, to, nodeID, text string, markup *Markup) {
	if x.gw.Sender == nil {
		return
	}
	if err := x.gw.Sender.SendText(ctx, to, text, markup); err != nil {
		x.logSideEffect(&SideEffectError{Op: "send text", NodeID: nodeID, Err: err})
	}
}

func (x *Executor) sendMedia(ctx context.Context, to, nodeID, mediaRef, caption string, markup *Markup) {
	if x.gw.Sender == nil {
		return
	}
	if err := x.gw.Sender.SendMedia(ctx, to, mediaRef, caption, markup); err != nil {
		x.logSideEffect(&SideEffectError{Op: "send media", NodeID: nodeID, Err: err})
	}
}

func (x *Executor) logSideEffect(err *SideEffectError) {
	slog.Warn("Executor: side effect failed", "op", err.Op, "nodeID", err.NodeID, "error", err.Err)
}

func (x *Executor) logIntegrity(s *models.SessionState, err *GraphIntegrityError) {
	slog.Warn("Executor: graph integrity error, resetting to menu", "sessionID", s.SessionID, "error", err)
}
