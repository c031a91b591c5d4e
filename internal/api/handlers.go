package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/ScenarioPipe/internal/flow"
	"github.com/BTreeMap/ScenarioPipe/internal/messaging"
	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/util"
)

// maxBodyBytes bounds request bodies read by handlers.
const maxBodyBytes = 1 << 20

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(c *gin.Context) {
	snap := s.engine.Registry().Current()
	health := gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
		"flows":          len(snap.ActiveFlows()),
		"generation":     snap.Generation,
	}
	if s.opts.Cache != nil {
		health["search_cache"] = s.opts.Cache.Stats()
	}
	respond(c, http.StatusOK, health)
}

// eventHandler injects an inbound event, as a transport would, and processes it synchronously.
func (s *Server) eventHandler(c *gin.Context) {
	var ev models.InboundEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		slog.Warn("Server.eventHandler: failed to decode JSON", "error", err)
		fail(c, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	s.handleEvent(c, ev)
}

func (s *Server) handleEvent(c *gin.Context, ev models.InboundEvent) {
	err := s.engine.HandleEvent(c.Request.Context(), ev)
	var malformed *flow.MalformedEventError
	switch {
	case errors.As(err, &malformed):
		slog.Warn("Server.handleEvent: malformed event", "session", ev.SessionID, "error", err)
		fail(c, http.StatusBadRequest, err.Error())
	case err != nil:
		slog.Error("Server.handleEvent: event failed", "session", ev.SessionID, "error", err)
		fail(c, http.StatusInternalServerError, "Failed to process event")
	default:
		respond(c, http.StatusAccepted, models.Accepted(gin.H{"session_id": ev.SessionID, "event_id": ev.ID}))
	}
}

func (s *Server) getSessionHandler(c *gin.Context) {
	session, err := s.engine.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		slog.Error("Server.getSessionHandler: load failed", "session", c.Param("id"), "error", err)
		fail(c, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if session == nil {
		fail(c, http.StatusNotFound, "Session not found")
		return
	}
	respond(c, http.StatusOK, models.Success(session))
}

func (s *Server) resetSessionHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.ResetSession(c.Request.Context(), id); err != nil {
		slog.Error("Server.resetSessionHandler: reset failed", "session", id, "error", err)
		fail(c, http.StatusInternalServerError, "Failed to reset session")
		return
	}
	slog.Info("Server.resetSessionHandler: session reset", "session", id)
	respond(c, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

// flowSummary is the listing shape of a flow.
type flowSummary struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Version   int64    `json:"version"`
	Trigger   string   `json:"trigger,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	Active    bool     `json:"active"`
	Nodes     int      `json:"nodes"`
	Dangling  []string `json:"dangling_references,omitempty"`
	EntryNode string   `json:"entry_node_id"`
}

func (s *Server) listFlowsHandler(c *gin.Context) {
	snap := s.engine.Registry().Current()
	out := make([]flowSummary, 0, len(snap.Flows))
	for _, f := range snap.Flows {
		out = append(out, flowSummary{
			ID:        f.ID,
			Name:      f.Name,
			Version:   f.Version,
			Trigger:   f.TriggerCommand,
			Keywords:  f.Keywords,
			Active:    f.IsActive,
			Nodes:     len(f.Nodes),
			Dangling:  f.DanglingReferences(),
			EntryNode: f.EntryNodeID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	respond(c, http.StatusOK, models.Success(gin.H{"generation": snap.Generation, "flows": out}))
}

func (s *Server) reloadFlowsHandler(c *gin.Context) {
	snap, err := s.engine.Registry().Reload(c.Request.Context())
	if err != nil {
		slog.Warn("Server.reloadFlowsHandler: reload rejected", "error", err)
		fail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respond(c, http.StatusOK, models.SuccessWithMessage("Flows reloaded", gin.H{
		"generation": snap.Generation,
		"flows":      len(snap.Flows),
	}))
}

// miniAppHandler accepts a mini-app form submission for a session. Bodies already shaped as
// {"variables", "flow_id", "input"} pass through; any other object is taken as the variables, with
// the flow to start optionally named by the "flow" query parameter.
func (s *Server) miniAppHandler(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		fail(c, http.StatusBadRequest, "Failed to read body")
		return
	}
	payload, err := normalizeMiniAppPayload(body, c.Query("flow"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.handleEvent(c, models.InboundEvent{
		ID:         c.GetHeader("X-Request-Id"),
		SessionID:  c.Param("session"),
		Kind:       models.EventKindPayload,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
}

func normalizeMiniAppPayload(body []byte, flowID string) ([]byte, error) {
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return nil, errors.New("payload must be valid JSON")
	}
	fields, ok := parsed.Data().(map[string]interface{})
	if !ok {
		return nil, errors.New("payload must be a JSON object")
	}
	if parsed.Exists("variables") || parsed.Exists("flow_id") || parsed.Exists("input") {
		if flowID != "" && !parsed.Exists("flow_id") {
			if _, err := parsed.Set(flowID, "flow_id"); err != nil {
				return nil, err
			}
		}
		return parsed.Bytes(), nil
	}

	out := gabs.New()
	if _, err := out.Set(fields, "variables"); err != nil {
		return nil, err
	}
	if flowID != "" {
		if _, err := out.Set(flowID, "flow_id"); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

// twilioWebhookHandler handles inbound Twilio webhook requests. The event is pushed to the
// service's Events channel; the reply is an empty TwiML document.
func (s *Server) twilioWebhookHandler(c *gin.Context) {
	params, ok := s.twilioParams(c)
	if !ok {
		return
	}
	ev, err := s.opts.Twilio.HandleWebhook(params)
	if errors.Is(err, messaging.ErrWebhookMissingFields) {
		fail(c, http.StatusBadRequest, "Missing required fields")
		return
	}
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("Server.twilioWebhookHandler: inbound message", "session", ev.SessionID, "kind", ev.Kind)
	c.Data(http.StatusOK, "text/xml", []byte("<Response></Response>"))
}

func (s *Server) twilioStatusHandler(c *gin.Context) {
	params, ok := s.twilioParams(c)
	if !ok {
		return
	}
	s.opts.Twilio.HandleStatusCallback(params)
	c.Status(http.StatusNoContent)
}

// twilioParams parses the form and verifies the signature when a validator is configured.
func (s *Server) twilioParams(c *gin.Context) (map[string]string, bool) {
	if err := c.Request.ParseForm(); err != nil {
		slog.Error("Server.twilioParams: failed to parse form", "error", err)
		fail(c, http.StatusBadRequest, "Bad request")
		return nil, false
	}
	params := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if s.opts.Validator != nil {
		url := s.opts.PublicURL + c.Request.URL.RequestURI()
		if !s.opts.Validator.ValidateWebhook(url, params, c.GetHeader("X-Twilio-Signature")) {
			slog.Warn("Server.twilioParams: invalid signature", "url", url)
			fail(c, http.StatusForbidden, "Invalid signature")
			return nil, false
		}
	}
	return params, true
}

// putInventoryHandler imports local inventory items.
func (s *Server) putInventoryHandler(c *gin.Context) {
	var items []models.SearchResult
	if err := c.ShouldBindJSON(&items); err != nil {
		fail(c, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = util.GenerateRandomID("inv_", 12)
		}
	}
	if err := s.opts.Inventory.UpsertInventory(c.Request.Context(), items); err != nil {
		slog.Error("Server.putInventoryHandler: upsert failed", "error", err)
		fail(c, http.StatusInternalServerError, "Failed to store inventory")
		return
	}
	respond(c, http.StatusOK, models.Success(gin.H{"stored": len(items)}))
}
