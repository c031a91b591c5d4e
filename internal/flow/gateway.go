package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// Markup is passed through to the transport unexamined.
type Markup = models.Markup

// Sender performs outbound sends. Destinations are session ids or channel ids.
type Sender interface {
	SendText(ctx context.Context, to, text string, markup *Markup) error
	SendMedia(ctx context.Context, to, mediaRef, caption string, markup *Markup) error
	SendTypingIndicator(ctx context.Context, to string) error
}

// RecordCreator creates business records on behalf of a session.
type RecordCreator interface {
	CreateLead(ctx context.Context, sessionID string, fields map[string]string) (string, error)
	// CreateRequest returns the request's public id.
	CreateRequest(ctx context.Context, sessionID string, fields map[string]string) (string, error)
}

// Searcher queries the local inventory and the external source.
type Searcher interface {
	SearchLocal(ctx context.Context, filter models.SearchFilter) ([]models.SearchResult, error)
	SearchExternal(ctx context.Context, filter models.SearchFilter) ([]models.SearchResult, error)
}

// SessionStore persists sessions. Saves replace the whole record atomically.
type SessionStore interface {
	// LoadSession returns (nil, nil) when the session does not exist.
	LoadSession(ctx context.Context, sessionID string) (*models.SessionState, error)
	SaveSession(ctx context.Context, state *models.SessionState) error
}

// IdleLister is implemented by session stores that support abandoned-flow expiry.
type IdleLister interface {
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error)
}

// BroadcastPost is a message bound for a channel.
type BroadcastPost struct {
	SessionID   string                  `json:"session_id"`
	Destination string                  `json:"destination"`
	Variant     models.BroadcastVariant `json:"variant"`
	Text        string                  `json:"text"`
	DeepLink    string                  `json:"deep_link,omitempty"`
}

// Broadcaster posts to channels now or at a future time.
type Broadcaster interface {
	Post(ctx context.Context, post BroadcastPost) error
	Schedule(ctx context.Context, post BroadcastPost, at time.Time) error
}

// AdminNotifier delivers NOTIFY_ADMIN actions.
type AdminNotifier interface {
	NotifyAdmin(ctx context.Context, sessionID, text string) error
}

// ManagerHandler receives reserved-prefix callbacks. They never touch the flow graph.
type ManagerHandler interface {
	HandleManagerCallback(ctx context.Context, sessionID, token string) error
}

// ActionHandler runs a custom ACTION tag. The returned value is bound to the node's result variable
// when non-empty.
type ActionHandler interface {
	HandleAction(ctx context.Context, session *models.SessionState, action models.ActionContent) (string, error)
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, session *models.SessionState, action models.ActionContent) (string, error)

func (f ActionHandlerFunc) HandleAction(ctx context.Context, session *models.SessionState, action models.ActionContent) (string, error) {
	return f(ctx, session, action)
}

// DelayRequest identifies a suspended DELAY node.
type DelayRequest struct {
	SessionID string `json:"session_id"`
	FlowID    string `json:"flow_id"`
	NodeID    string `json:"node_id"`
	// Token must match the session's pending delay token for the resume to continue.
	Token string `json:"token,omitempty"`
}

// DelayScheduler arranges for a DELAY node to be resumed later.
type DelayScheduler interface {
	ScheduleResume(ctx context.Context, req DelayRequest, at time.Time) error
	// CancelSession drops pending resumes of a session.
	CancelSession(ctx context.Context, sessionID string) error
}

// ResumeTarget is what a DelayScheduler calls back when a delay elapses.
type ResumeTarget interface {
	ResumeDelay(ctx context.Context, req DelayRequest) error
}

// Gateway bundles the collaborators the executor reaches side effects through. Only Sender is
// required; nil collaborators turn their node effects into logged no-ops.
type Gateway struct {
	Sender     Sender
	Records    RecordCreator
	Search     Searcher
	Broadcasts Broadcaster
	Admin      AdminNotifier
	Delays     DelayScheduler
	Manager    ManagerHandler
	Actions    map[models.ActionType]ActionHandler
}
