// Package flow is the scenario interpreter: it resolves inbound events against a session, runs the
// flow graph until the next suspension point and persists the session.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// Deduper records inbound event ids. store.DedupRepo satisfies it.
type Deduper interface {
	RecordInbound(messageID, sessionID string) (bool, error)
	MarkProcessed(messageID string) error
	ReleaseInbound(messageID string) error
}

// Opts holds configuration options for Engine.
type Opts struct {
	Config  Config
	Gateway Gateway
	Dedup   Deduper
	Now     func() time.Time
}

// Option defines a configuration option for Engine.
type Option func(*Opts)

// WithConfig replaces the default interpreter policy. The config must come from NewConfig.
func WithConfig(cfg Config) Option {
	return func(o *Opts) {
		o.Config = cfg
	}
}

// WithRecords sets the record creator used by CREATE_LEAD and CREATE_REQUEST.
func WithRecords(r RecordCreator) Option {
	return func(o *Opts) {
		o.Gateway.Records = r
	}
}

// WithSearcher sets the search collaborator used by SEARCH nodes.
func WithSearcher(s Searcher) Option {
	return func(o *Opts) {
		o.Gateway.Search = s
	}
}

// WithBroadcaster sets the channel poster used by BROADCAST nodes.
func WithBroadcaster(b Broadcaster) Option {
	return func(o *Opts) {
		o.Gateway.Broadcasts = b
	}
}

// WithAdminNotifier sets the NOTIFY_ADMIN target.
func WithAdminNotifier(n AdminNotifier) Option {
	return func(o *Opts) {
		o.Gateway.Admin = n
	}
}

// WithDelayScheduler replaces the in-memory timer used for DELAY nodes.
func WithDelayScheduler(d DelayScheduler) Option {
	return func(o *Opts) {
		o.Gateway.Delays = d
	}
}

// WithManagerHandler sets the receiver of manager callbacks.
func WithManagerHandler(h ManagerHandler) Option {
	return func(o *Opts) {
		o.Gateway.Manager = h
	}
}

// WithActionHandler registers a handler for a custom action tag.
func WithActionHandler(t models.ActionType, h ActionHandler) Option {
	return func(o *Opts) {
		if o.Gateway.Actions == nil {
			o.Gateway.Actions = make(map[models.ActionType]ActionHandler)
		}
		o.Gateway.Actions[t] = h
	}
}

// WithDedup enables inbound deduplication by event id.
func WithDedup(d Deduper) Option {
	return func(o *Opts) {
		o.Dedup = d
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// resumeBinder is implemented by delay schedulers that call back into the engine.
type resumeBinder interface {
	bind(target ResumeTarget)
}

// Engine serializes work per session and ties the resolver, executor and session store together.
type Engine struct {
	cfg      Config
	registry *Registry
	sessions SessionStore
	exec     *Executor
	resolver *Resolver
	manager  ManagerHandler
	dedup    Deduper
	now      func() time.Time
	locks    keyedMutex
}

// NewEngine creates an engine. sender is required.
func NewEngine(registry *Registry, sessions SessionStore, sender Sender, opts ...Option) (*Engine, error) {
	if registry == nil || sessions == nil || sender == nil {
		return nil, errors.New("registry, session store and sender are required")
	}
	o := Opts{Config: DefaultConfig(), Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.Gateway.Sender = sender

	e := &Engine{
		cfg:      o.Config,
		registry: registry,
		sessions: sessions,
		manager:  o.Gateway.Manager,
		dedup:    o.Dedup,
		now:      o.Now,
	}
	if o.Gateway.Delays == nil {
		o.Gateway.Delays = NewTimerScheduler(NewSimpleTimer())
	}
	if b, ok := o.Gateway.Delays.(resumeBinder); ok {
		b.bind(e)
	}
	e.exec = NewExecutor(o.Config, o.Gateway, func() Menu {
		if snap := registry.Current(); snap != nil {
			return snap.Menu
		}
		return Menu{}
	})
	e.exec.now = o.Now
	e.resolver = NewResolver(o.Config, registry)
	slog.Debug("flow.NewEngine: created", "maxAutoAdvance", o.Config.MaxAutoAdvance, "dedup", o.Dedup != nil)
	return e, nil
}

// Registry returns the flow registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// HandleEvent processes one inbound event. Malformed events return *MalformedEventError and leave
// the session untouched. Duplicate event ids are dropped. An event that fails is released from
// deduplication so its redelivery is processed.
func (e *Engine) HandleEvent(ctx context.Context, ev models.InboundEvent) error {
	if err := ev.Validate(); err != nil {
		return &MalformedEventError{EventID: ev.ID, Err: err}
	}
	if ev.ID == "" || e.dedup == nil {
		return e.handleEvent(ctx, ev)
	}
	fresh, err := e.dedup.RecordInbound(ev.ID, ev.SessionID)
	if err != nil {
		slog.Warn("Engine.HandleEvent: dedup record failed, processing anyway", "eventID", ev.ID, "error", err)
		return e.handleEvent(ctx, ev)
	}
	if !fresh {
		slog.Info("Engine.HandleEvent: duplicate event dropped", "eventID", ev.ID, "sessionID", ev.SessionID)
		return nil
	}
	if err := e.handleEvent(ctx, ev); err != nil {
		if rerr := e.dedup.ReleaseInbound(ev.ID); rerr != nil {
			slog.Warn("Engine.HandleEvent: release failed", "eventID", ev.ID, "error", rerr)
		}
		return err
	}
	if err := e.dedup.MarkProcessed(ev.ID); err != nil {
		slog.Warn("Engine.HandleEvent: mark processed failed", "eventID", ev.ID, "error", err)
	}
	return nil
}

func (e *Engine) handleEvent(ctx context.Context, ev models.InboundEvent) error {
	unlock := e.locks.Lock(ev.SessionID)
	defer unlock()

	s, err := e.load(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if s.Locale == "" && ev.Locale != "" {
		s.Locale = strings.ToLower(ev.Locale)
	}

	act := e.resolver.Resolve(&ev, s)
	slog.Debug("Engine.HandleEvent: resolved", "sessionID", s.SessionID, "kind", ev.Kind, "action", act.Kind.String(), "flowID", act.FlowID)

	switch act.Kind {
	case ActionManager:
		if e.manager == nil {
			slog.Warn("Engine.HandleEvent: manager callback with no handler", "sessionID", s.SessionID, "token", act.Token)
			return nil
		}
		if err := e.manager.HandleManagerCallback(ctx, s.SessionID, act.Token); err != nil {
			slog.Error("Engine.HandleEvent: manager callback failed", "sessionID", s.SessionID, "error", err)
		}
		return nil
	case ActionPayload:
		if err := e.applyPayload(ctx, s, &ev); err != nil {
			return err
		}
	case ActionMenu:
		e.exec.Terminate(ctx, s)
	case ActionBack:
		e.exec.GoBack(ctx, e.registry.Lookup(s.ActiveFlowID, s.FlowVersion, s.CurrentNodeID), s)
	case ActionResume:
		flow := e.registry.Lookup(s.ActiveFlowID, s.FlowVersion, s.CurrentNodeID)
		if flow == nil {
			slog.Warn("Engine.HandleEvent: active flow no longer available", "sessionID", s.SessionID, "flowID", s.ActiveFlowID, "version", s.FlowVersion)
			e.exec.Terminate(ctx, s)
			break
		}
		e.exec.Resume(ctx, flow, s, &ev)
	case ActionStartFlow:
		e.startFlow(ctx, s, act.FlowID)
	case ActionReply:
		e.exec.sendText(ctx, s.SessionID, "", e.exec.resolve(s, act.Reply), nil)
	case ActionFallthrough:
		if s.InFlow() {
			slog.Debug("Engine.HandleEvent: input ignored while flow is busy", "sessionID", s.SessionID, "nodeID", s.CurrentNodeID)
			return nil
		}
		e.exec.ShowMenu(ctx, s)
	}
	return e.save(ctx, s)
}

// StartFlow starts a flow for a session directly, as if its trigger had been matched.
func (e *Engine) StartFlow(ctx context.Context, sessionID, flowID string) error {
	unlock := e.locks.Lock(sessionID)
	defer unlock()
	s, err := e.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.startFlow(ctx, s, flowID); err != nil {
		return err
	}
	return e.save(ctx, s)
}

func (e *Engine) startFlow(ctx context.Context, s *models.SessionState, flowID string) error {
	flow := e.registry.Current().Flow(flowID)
	if flow == nil {
		slog.Warn("Engine.startFlow: unknown flow", "sessionID", s.SessionID, "flowID", flowID)
		e.exec.Terminate(ctx, s)
		return fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)
	}
	e.exec.Reset(ctx, s)
	e.exec.Start(ctx, flow, s)
	return nil
}

// ResumeDelay continues a session after a DELAY node elapsed. The resume is ignored when the
// session has moved on or when its token is not the session's pending delay token.
func (e *Engine) ResumeDelay(ctx context.Context, req DelayRequest) error {
	unlock := e.locks.Lock(req.SessionID)
	defer unlock()

	s, err := e.sessions.LoadSession(ctx, req.SessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if s == nil || s.ActiveFlowID != req.FlowID || s.CurrentNodeID != req.NodeID {
		slog.Debug("Engine.ResumeDelay: session moved on, ignoring", "sessionID", req.SessionID, "nodeID", req.NodeID)
		return nil
	}
	if req.Token == "" || req.Token != s.DelayToken {
		slog.Debug("Engine.ResumeDelay: stale resume, ignoring", "sessionID", req.SessionID, "nodeID", req.NodeID)
		return nil
	}
	origin := s.DelayOrigin
	s.EndDelay()
	flow := e.registry.Lookup(s.ActiveFlowID, s.FlowVersion, s.CurrentNodeID)
	node, ok := flow.Node(req.NodeID)
	if !ok || node.Type != models.NodeTypeDelay {
		slog.Warn("Engine.ResumeDelay: delay node no longer available", "sessionID", req.SessionID, "flowID", req.FlowID, "nodeID", req.NodeID)
		e.exec.Terminate(ctx, s)
		return e.save(ctx, s)
	}
	e.exec.Continue(ctx, flow, s, node, origin)
	return e.save(ctx, s)
}

// ResetSession clears a session's flow state without messaging the user.
func (e *Engine) ResetSession(ctx context.Context, sessionID string) error {
	unlock := e.locks.Lock(sessionID)
	defer unlock()
	s, err := e.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if s == nil {
		return nil
	}
	e.exec.Reset(ctx, s)
	return e.save(ctx, s)
}

// Session returns a copy of the stored session, or nil.
func (e *Engine) Session(ctx context.Context, sessionID string) (*models.SessionState, error) {
	s, err := e.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s, nil
}

// ExpireIdle resets sessions left inside a flow for longer than SessionIdleTimeout. It returns the
// number of sessions reset. Expiry is off when the timeout is zero or the store cannot list idle
// sessions.
func (e *Engine) ExpireIdle(ctx context.Context) (int, error) {
	if e.cfg.SessionIdleTimeout <= 0 {
		return 0, nil
	}
	lister, ok := e.sessions.(IdleLister)
	if !ok {
		return 0, nil
	}
	cutoff := e.now().Add(-e.cfg.SessionIdleTimeout)
	ids, err := lister.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	n := 0
	for _, id := range ids {
		if e.expireOne(ctx, id, cutoff) {
			n++
		}
	}
	if n > 0 {
		slog.Info("Engine.ExpireIdle: reset abandoned sessions", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (e *Engine) expireOne(ctx context.Context, id string, cutoff time.Time) bool {
	unlock := e.locks.Lock(id)
	defer unlock()
	s, err := e.sessions.LoadSession(ctx, id)
	if err != nil || s == nil || !s.InFlow() || !s.UpdatedAt.Before(cutoff) {
		return false
	}
	e.exec.Reset(ctx, s)
	if err := e.save(ctx, s); err != nil {
		slog.Warn("Engine.ExpireIdle: save failed", "sessionID", id, "error", err)
		return false
	}
	return true
}

// applyPayload handles an out-of-band submission such as a mini-app form:
//
//	{"variables": {...}, "flow_id": "...", "input": "..."}
//
// Variables are merged into the session. flow_id starts that flow; input resumes the waiting node.
func (e *Engine) applyPayload(ctx context.Context, s *models.SessionState, ev *models.InboundEvent) error {
	parsed, err := gabs.ParseJSON(ev.Payload)
	if err != nil {
		return &MalformedEventError{EventID: ev.ID, Err: err}
	}
	if _, isObject := parsed.Data().(map[string]interface{}); !isObject {
		return &MalformedEventError{EventID: ev.ID, Err: errors.New("payload must be a JSON object")}
	}
	flowID, _ := parsed.Path("flow_id").Data().(string)
	input, _ := parsed.Path("input").Data().(string)
	vars := parsed.Path("variables").ChildrenMap()
	if flowID == "" && input == "" && len(vars) == 0 {
		return &MalformedEventError{EventID: ev.ID, Err: errors.New("payload carries nothing to apply")}
	}
	if flowID != "" && e.registry.Current().Flow(flowID) == nil {
		return &MalformedEventError{EventID: ev.ID, Err: fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)}
	}

	for k, v := range vars {
		s.SetVariable(k, v.Data())
	}
	switch {
	case flowID != "":
		return e.startFlow(ctx, s, flowID)
	case input != "" && s.InFlow():
		flow := e.registry.Lookup(s.ActiveFlowID, s.FlowVersion, s.CurrentNodeID)
		if flow == nil {
			e.exec.Terminate(ctx, s)
			return nil
		}
		if node, ok := flow.Node(s.CurrentNodeID); ok && node.Type.WaitsForInput() {
			text := models.InboundEvent{ID: ev.ID, SessionID: ev.SessionID, Kind: models.EventKindText, Text: input}
			e.exec.Resume(ctx, flow, s, &text)
		}
	}
	return nil
}

func (e *Engine) load(ctx context.Context, sessionID string) (*models.SessionState, error) {
	s, err := e.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if s == nil {
		s = models.NewSessionState(sessionID, e.now())
	}
	return s, nil
}

func (e *Engine) save(ctx context.Context, s *models.SessionState) error {
	s.UpdatedAt = e.now()
	if err := e.sessions.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// keyedMutex hands out one mutex per key and forgets it when no holder or waiter remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
