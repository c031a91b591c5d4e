package flow

import (
	"context"
	"sync"
	"testing"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/store"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	To     string
	Kind   string
	Text   string
	Media  string
	Markup *Markup
}

type recordingSender struct {
	mu    sync.Mutex
	sends []sentMessage
	err   error
}

func (r *recordingSender) SendText(_ context.Context, to, text string, markup *Markup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sentMessage{To: to, Kind: "text", Text: text, Markup: markup})
	return r.err
}

func (r *recordingSender) SendMedia(_ context.Context, to, mediaRef, caption string, markup *Markup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sentMessage{To: to, Kind: "media", Text: caption, Media: mediaRef, Markup: markup})
	return r.err
}

func (r *recordingSender) SendTypingIndicator(_ context.Context, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sentMessage{To: to, Kind: "typing"})
	return nil
}

func (r *recordingSender) all() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sends...)
}

func (r *recordingSender) texts() []string {
	var out []string
	for _, m := range r.all() {
		if m.Kind == "text" {
			out = append(out, m.Text)
		}
	}
	return out
}

func (r *recordingSender) last() sentMessage {
	all := r.all()
	if len(all) == 0 {
		return sentMessage{}
	}
	return all[len(all)-1]
}

func (r *recordingSender) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = nil
}

var testMenu = Menu{
	Text: models.LocalizedText{Default: "Main menu", ByLocale: map[string]string{"ru": "Главное меню"}},
	Buttons: []MenuButton{
		{Label: models.LocalizedText{Default: "Buy a car", ByLocale: map[string]string{"ru": "Купить авто"}}, FlowID: "buy"},
		{Label: models.LocalizedText{Default: "Contacts"}, Reply: models.LocalizedText{Default: "Call us at +100200300"}},
	},
}

func txt(s string) models.LocalizedText {
	return models.LocalizedText{Default: s}
}

func mkNode(id string, t models.NodeType, text, next string, content models.NodeContent) models.Node {
	return models.Node{ID: id, Type: t, Text: txt(text), NextNodeID: next, Content: content}
}

func mkFlow(id, trigger string, nodes ...models.Node) *models.FlowDefinition {
	f := &models.FlowDefinition{
		ID:             id,
		TriggerCommand: trigger,
		IsActive:       true,
		Nodes:          make(map[string]models.Node, len(nodes)),
	}
	for i, n := range nodes {
		if i == 0 {
			f.EntryNodeID = n.ID
		}
		f.Nodes[n.ID] = n
	}
	return f
}

func question(id, variable, text, next string) models.Node {
	return mkNode(id, models.NodeTypeQuestionText, text, next, models.QuestionTextContent{Variable: variable})
}

func message(id, text, next string) models.Node {
	return mkNode(id, models.NodeTypeMessage, text, next, models.MessageContent{})
}

func start(next string) models.Node {
	return mkNode("start", models.NodeTypeStart, "", next, models.StartContent{})
}

func textEvent(sessionID, text string) models.InboundEvent {
	return models.InboundEvent{SessionID: sessionID, Kind: models.EventKindText, Text: text}
}

type testEnv struct {
	engine *Engine
	sender *recordingSender
	store  *store.InMemoryStore
}

func newTestEnv(t *testing.T, flows []*models.FlowDefinition, opts ...Option) *testEnv {
	t.Helper()
	reg, err := NewRegistry(context.Background(), StaticLoader{Bundle: Bundle{Flows: flows, Menu: testMenu}})
	require.NoError(t, err)
	st := store.NewInMemoryStore()
	sender := &recordingSender{}
	eng, err := NewEngine(reg, st, sender, opts...)
	require.NoError(t, err)
	return &testEnv{engine: eng, sender: sender, store: st}
}

func (env *testEnv) send(t *testing.T, sessionID, text string) {
	t.Helper()
	require.NoError(t, env.engine.HandleEvent(context.Background(), textEvent(sessionID, text)))
}

func (env *testEnv) session(t *testing.T, sessionID string) *models.SessionState {
	t.Helper()
	s, err := env.store.LoadSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func requireReset(t *testing.T, s *models.SessionState) {
	t.Helper()
	require.Empty(t, s.ActiveFlowID)
	require.Empty(t, s.CurrentNodeID)
	require.Empty(t, s.History)
	require.Empty(t, s.TempResults)
}
