package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultHistoryCapacity bounds a session's back stack.
const DefaultHistoryCapacity = 30

// SessionState is the persisted state of one conversation.
// CurrentNodeID is set iff ActiveFlowID is set. History only holds ids of input-waiting nodes.
type SessionState struct {
	SessionID     string         `json:"session_id"`
	ActiveFlowID  string         `json:"active_flow_id,omitempty"`
	CurrentNodeID string         `json:"current_node_id,omitempty"`
	FlowVersion   int64          `json:"flow_version,omitempty"`
	Locale        string         `json:"locale,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	History       []string       `json:"history,omitempty"`
	TempResults   []SearchResult `json:"temp_results,omitempty"`
	// DelayToken identifies the pending DELAY resume; only a resume carrying it may continue.
	DelayToken string `json:"delay_token,omitempty"`
	// DelayOrigin is the input-waiting node answered before the pending DELAY.
	DelayOrigin string    `json:"delay_origin,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewSessionState creates an idle session for a conversation seen for the first time.
func NewSessionState(sessionID string, now time.Time) *SessionState {
	return &SessionState{
		SessionID: sessionID,
		Variables: make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// InFlow reports whether the session is positioned inside a flow.
func (s *SessionState) InFlow() bool {
	return s.ActiveFlowID != "" && s.CurrentNodeID != ""
}

// Reset returns the session to the top-level menu state. Variables persist.
func (s *SessionState) Reset() {
	s.ActiveFlowID = ""
	s.CurrentNodeID = ""
	s.FlowVersion = 0
	s.History = nil
	s.TempResults = nil
	s.EndDelay()
}

// BeginDelay records the pending DELAY resume.
func (s *SessionState) BeginDelay(token, origin string) {
	s.DelayToken = token
	s.DelayOrigin = origin
}

// EndDelay forgets the pending DELAY resume.
func (s *SessionState) EndDelay() {
	s.DelayToken = ""
	s.DelayOrigin = ""
}

// Delaying reports whether the session waits for a DELAY resume.
func (s *SessionState) Delaying() bool {
	return s.DelayToken != ""
}

// Enter positions the session on a node of its active flow.
func (s *SessionState) Enter(flowID string, version int64, nodeID string) {
	s.ActiveFlowID = flowID
	s.FlowVersion = version
	s.CurrentNodeID = nodeID
}

// PushHistory appends nodeID to the back stack unless it is already on top,
// evicting the oldest entries beyond capacity.
func (s *SessionState) PushHistory(nodeID string, capacity int) {
	if nodeID == "" {
		return
	}
	if n := len(s.History); n > 0 && s.History[n-1] == nodeID {
		return
	}
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	s.History = append(s.History, nodeID)
	if over := len(s.History) - capacity; over > 0 {
		s.History = append([]string(nil), s.History[over:]...)
	}
}

// PopHistory removes and returns the top of the back stack.
func (s *SessionState) PopHistory() (string, bool) {
	n := len(s.History)
	if n == 0 {
		return "", false
	}
	top := s.History[n-1]
	s.History = s.History[:n-1]
	return top, true
}

// SetVariable always overwrites.
func (s *SessionState) SetVariable(name string, value any) {
	if name == "" {
		return
	}
	if s.Variables == nil {
		s.Variables = make(map[string]any)
	}
	s.Variables[name] = value
}

// Variable returns the raw variable value, or nil if absent.
func (s *SessionState) Variable(name string) any {
	if s.Variables == nil {
		return nil
	}
	return s.Variables[name]
}

// VariableString renders a variable as text. Absent variables render as "".
func (s *SessionState) VariableString(name string) string {
	return StringifyValue(s.Variable(name))
}

// Clone returns a deep copy of the session suitable for comparing before/after states.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Variables != nil {
		c.Variables = make(map[string]any, len(s.Variables))
		for k, v := range s.Variables {
			c.Variables[k] = v
		}
	}
	if s.History != nil {
		c.History = append([]string(nil), s.History...)
	}
	if s.TempResults != nil {
		c.TempResults = append([]SearchResult(nil), s.TempResults...)
	}
	return &c
}

// StringifyValue renders a primitive variable value as text.
func StringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			parts = append(parts, StringifyValue(p))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(val)
	}
}
