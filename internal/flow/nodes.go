package flow

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/util"
)

var errNoCollaborator = errors.New("no collaborator configured")

const (
	defaultLeadVariable    = "lead_id"
	defaultRequestVariable = "request_id"
	defaultCountVariable   = "results_count"
	delayTokenLength       = 16
)

func (x *Executor) runAction(ctx context.Context, s *models.SessionState, node models.Node, c models.ActionContent) stepResult {
	params := make(map[string]string, len(c.Params))
	for k, v := range c.Params {
		params[k] = Substitute(v, s.Variables)
	}

	switch c.ActionType {
	case models.ActionSetLocale:
		locale := strings.ToLower(strings.TrimSpace(params["locale"]))
		if locale == "" {
			locale = strings.ToLower(strings.TrimSpace(x.text(s, node)))
		}
		if locale != "" {
			s.Locale = locale
			s.SetVariable(c.ResultVariable, locale)
		}
	case models.ActionSetVariable:
		s.SetVariable(params["name"], params["value"])
	case models.ActionCreateLead:
		if x.gw.Records == nil {
			x.logSideEffect(&SideEffectError{Op: "create lead", NodeID: node.ID, Err: errNoCollaborator})
			break
		}
		id, err := x.gw.Records.CreateLead(ctx, s.SessionID, params)
		if err != nil {
			x.logSideEffect(&SideEffectError{Op: "create lead", NodeID: node.ID, Err: err})
			break
		}
		s.SetVariable(orDefault(c.ResultVariable, defaultLeadVariable), id)
	case models.ActionCreateRequest:
		if x.gw.Records == nil {
			x.logSideEffect(&SideEffectError{Op: "create request", NodeID: node.ID, Err: errNoCollaborator})
			break
		}
		id, err := x.gw.Records.CreateRequest(ctx, s.SessionID, params)
		if err != nil {
			x.logSideEffect(&SideEffectError{Op: "create request", NodeID: node.ID, Err: err})
			break
		}
		s.SetVariable(orDefault(c.ResultVariable, defaultRequestVariable), id)
	case models.ActionNotifyAdmin:
		text := params["text"]
		if text == "" {
			text = x.text(s, node)
		}
		if x.gw.Admin == nil {
			x.logSideEffect(&SideEffectError{Op: "notify admin", NodeID: node.ID, Err: errNoCollaborator})
			break
		}
		if err := x.gw.Admin.NotifyAdmin(ctx, s.SessionID, text); err != nil {
			x.logSideEffect(&SideEffectError{Op: "notify admin", NodeID: node.ID, Err: err})
		}
	case models.ActionResetMenu:
		return stepResult{terminate: true}
	default:
		h, ok := x.gw.Actions[c.ActionType]
		if !ok {
			slog.Warn("Executor.runAction: no handler for action", "nodeID", node.ID, "action", c.ActionType)
			break
		}
		resolved := c
		resolved.Params = params
		v, err := h.HandleAction(ctx, s, resolved)
		if err != nil {
			x.logSideEffect(&SideEffectError{Op: "action " + string(c.ActionType), NodeID: node.ID, Err: err})
			break
		}
		if v != "" {
			s.SetVariable(c.ResultVariable, v)
		}
	}
	return advance(node.NextNodeID)
}

func (x *Executor) runDelay(ctx context.Context, flow *models.FlowDefinition, s *models.SessionState, node models.Node, c models.DelayContent, origin string) stepResult {
	if x.gw.Sender != nil {
		if err := x.gw.Sender.SendTypingIndicator(ctx, s.SessionID); err != nil {
			x.logSideEffect(&SideEffectError{Op: "typing indicator", NodeID: node.ID, Err: err})
		}
	}
	if x.gw.Delays == nil {
		slog.Warn("Executor.runDelay: no delay scheduler, continuing immediately", "nodeID", node.ID)
		return advance(node.NextNodeID)
	}
	req := DelayRequest{
		SessionID: s.SessionID,
		FlowID:    flow.ID,
		NodeID:    node.ID,
		Token:     util.GenerateRandomHex(delayTokenLength),
	}
	s.BeginDelay(req.Token, origin)
	if err := x.gw.Delays.ScheduleResume(ctx, req, x.now().Add(c.Duration)); err != nil {
		x.logSideEffect(&SideEffectError{Op: "schedule delay", NodeID: node.ID, Err: err})
		s.EndDelay()
		return advance(node.NextNodeID)
	}
	return stepResult{suspend: true}
}

// runSearch fills TempResults. Local results come first; external results are merged in when the
// local count is below the threshold, or always for a fallback search. Failures degrade to what
// was found.
func (x *Executor) runSearch(ctx context.Context, s *models.SessionState, node models.Node, c models.SearchContent) {
	filter := models.SearchFilter{
		Brand:    s.VariableString(c.BrandVariable),
		Model:    s.VariableString(c.ModelVariable),
		PriceMin: int64(numberVar(s, c.PriceMinVariable)),
		PriceMax: int64(numberVar(s, c.PriceMaxVariable)),
		YearMin:  int(numberVar(s, c.YearMinVariable)),
		YearMax:  int(numberVar(s, c.YearMaxVariable)),
	}.Normalize()

	var results []models.SearchResult
	if x.gw.Search == nil {
		x.logSideEffect(&SideEffectError{Op: "search", NodeID: node.ID, Err: errNoCollaborator})
	} else {
		local, err := x.gw.Search.SearchLocal(ctx, filter)
		if err != nil {
			x.logSideEffect(&SideEffectError{Op: "local search", NodeID: node.ID, Err: err})
		}
		results = local
		if c.Fallback || len(results) < x.cfg.SearchThreshold {
			ext, err := x.gw.Search.SearchExternal(ctx, filter)
			if err != nil {
				x.logSideEffect(&SideEffectError{Op: "external search", NodeID: node.ID, Err: err})
			} else {
				results = models.MergeResults(results, ext)
			}
		}
	}
	if len(results) > x.cfg.SearchLimit {
		results = results[:x.cfg.SearchLimit]
	}
	s.TempResults = results
	s.SetVariable(orDefault(c.CountVariable, defaultCountVariable), len(results))
	slog.Debug("Executor.runSearch", "sessionID", s.SessionID, "nodeID", node.ID, "key", filter.Key(), "count", len(results))
}

func (x *Executor) runGallery(ctx context.Context, s *models.SessionState, node models.Node, c models.GalleryContent) {
	if header := x.text(s, node); header != "" {
		x.sendText(ctx, s.SessionID, node.ID, header, nil)
	}
	limit := x.cfg.GalleryLimit
	if c.Limit > 0 && c.Limit < limit {
		limit = c.Limit
	}
	items := s.TempResults
	if len(items) > limit {
		items = items[:limit]
	}
	for i, r := range items {
		if i > 0 && !x.pause(ctx, x.cfg.GalleryDelay) {
			return
		}
		caption := formatResult(r)
		if r.ImageURL != "" {
			x.sendMedia(ctx, s.SessionID, node.ID, r.ImageURL, caption, nil)
		} else {
			x.sendText(ctx, s.SessionID, node.ID, caption, nil)
		}
	}
}

func (x *Executor) runBroadcast(ctx context.Context, flow *models.FlowDefinition, s *models.SessionState, node models.Node, c models.BroadcastContent) {
	dest := c.ChannelID
	if dest == "" && c.ChannelVariable != "" {
		dest = s.VariableString(c.ChannelVariable)
	}
	if dest == "" {
		dest = flow.DefaultChannel
	}
	if dest == "" {
		x.logSideEffect(&SideEffectError{Op: "broadcast", NodeID: node.ID, Err: errors.New("no destination")})
		return
	}

	post := BroadcastPost{SessionID: s.SessionID, Destination: dest, Variant: c.Variant, Text: x.text(s, node)}
	if c.DeepLinkBase != "" {
		post.DeepLink = c.DeepLinkBase + url.QueryEscape(s.VariableString(c.DeepLinkVariable))
		post.Text = strings.TrimSpace(post.Text + "\n" + post.DeepLink)
	}

	if at, ok := parseSchedule(s.VariableString(c.ScheduleVariable)); ok && at.After(x.now()) {
		if x.gw.Broadcasts == nil {
			x.logSideEffect(&SideEffectError{Op: "schedule broadcast", NodeID: node.ID, Err: errNoCollaborator})
			return
		}
		if err := x.gw.Broadcasts.Schedule(ctx, post, at); err != nil {
			x.logSideEffect(&SideEffectError{Op: "schedule broadcast", NodeID: node.ID, Err: err})
		}
		return
	}
	if x.gw.Broadcasts != nil {
		if err := x.gw.Broadcasts.Post(ctx, post); err != nil {
			x.logSideEffect(&SideEffectError{Op: "broadcast", NodeID: node.ID, Err: err})
		}
		return
	}
	x.sendText(ctx, dest, node.ID, post.Text, nil)
}

// pause waits d unless ctx ends first.
func (x *Executor) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func numberVar(s *models.SessionState, name string) float64 {
	if name == "" {
		return 0
	}
	n, _ := toNumber(s.Variable(name))
	return n
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
