package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/store"
)

type failingRecords struct{}

func (failingRecords) CreateLead(context.Context, string, map[string]string) (string, error) {
	return "", errors.New("crm down")
}

func (failingRecords) CreateRequest(context.Context, string, map[string]string) (string, error) {
	return "", errors.New("crm down")
}

type adminRecorder struct {
	texts []string
}

func (a *adminRecorder) NotifyAdmin(_ context.Context, sessionID, text string) error {
	a.texts = append(a.texts, sessionID+": "+text)
	return nil
}

func requestFlow() *models.FlowDefinition {
	return mkFlow("request", "/request",
		question("phone", "phone", "Your phone?", "save"),
		mkNode("save", models.NodeTypeAction, "", "notify", models.ActionContent{
			ActionType: models.ActionCreateRequest,
			Params:     map[string]string{"phone": "{phone}", "kind": "test_drive"},
		}),
		mkNode("notify", models.NodeTypeAction, "New request {request_id} from {phone}", "done", models.ActionContent{
			ActionType: models.ActionNotifyAdmin,
		}),
		question("done", "x", "Request {request_id} saved", ""),
	)
}

func TestCreateRequestBindsPublicID(t *testing.T) {
	st := store.NewInMemoryStore()
	admin := &adminRecorder{}
	x := NewExecutor(DefaultConfig(), Gateway{Sender: &recordingSender{}, Records: st, Admin: admin}, nil)
	s := models.NewSessionState("s1", time.Now())

	x.Start(context.Background(), requestFlow(), s)
	out := x.Resume(context.Background(), requestFlow(), s, &models.InboundEvent{SessionID: "s1", Kind: models.EventKindText, Text: "+998901234567"})

	assert.Equal(t, "done", out.NodeID)
	id := s.VariableString("request_id")
	require.NotEmpty(t, id)
	fields, ok := st.Request(id)
	require.True(t, ok)
	assert.Equal(t, "+998901234567", fields["phone"])
	assert.Equal(t, "test_drive", fields["kind"])
	assert.Equal(t, []string{fmt.Sprintf("s1: New request %s from +998901234567", id)}, admin.texts)
}

func TestActionFailureStillAdvances(t *testing.T) {
	sender := &recordingSender{}
	x := NewExecutor(DefaultConfig(), Gateway{Sender: sender, Records: failingRecords{}}, nil)
	s := models.NewSessionState("s1", time.Now())

	x.Start(context.Background(), requestFlow(), s)
	out := x.Resume(context.Background(), requestFlow(), s, &models.InboundEvent{SessionID: "s1", Kind: models.EventKindText, Text: "555"})

	assert.Equal(t, "done", out.NodeID)
	assert.Nil(t, s.Variable("request_id"))
	assert.Equal(t, "Request  saved", sender.last().Text)
}

func TestSetLocaleAndResetMenuActions(t *testing.T) {
	f := mkFlow("lang", "",
		mkNode("set", models.NodeTypeAction, "", "ask", models.ActionContent{
			ActionType: models.ActionSetLocale, Params: map[string]string{"locale": "RU"}, ResultVariable: "lang",
		}),
		mkNode("ask", models.NodeTypeQuestionChoice, "Choose", "", models.ChoiceContent{Choices: []models.Choice{
			{Value: "menu", Label: txt("Back to menu"), NextNodeID: "reset"},
		}}),
		mkNode("reset", models.NodeTypeAction, "", "never", models.ActionContent{ActionType: models.ActionResetMenu}),
	)
	sender := &recordingSender{}
	x := NewExecutor(DefaultConfig(), Gateway{Sender: sender}, func() Menu { return testMenu })
	s := models.NewSessionState("s1", time.Now())

	x.Start(context.Background(), f, s)
	assert.Equal(t, "ru", s.Locale)
	assert.Equal(t, "ru", s.Variable("lang"))

	out := x.Resume(context.Background(), f, s, &models.InboundEvent{SessionID: "s1", Kind: models.EventKindCallback, Callback: "menu"})
	assert.True(t, out.Terminated)
	requireReset(t, s)
	assert.Equal(t, "Главное меню", sender.last().Text)
}

func TestCustomActionHandler(t *testing.T) {
	calc := ActionHandlerFunc(func(_ context.Context, s *models.SessionState, a models.ActionContent) (string, error) {
		return "monthly:" + a.Params["price"], nil
	})
	f := mkFlow("calc", "",
		mkNode("a", models.NodeTypeAction, "", "q", models.ActionContent{
			ActionType: "CALC_CREDIT", Params: map[string]string{"price": "{price}"}, ResultVariable: "offer",
		}),
		question("q", "x", "{offer}", ""),
	)
	x := NewExecutor(DefaultConfig(), Gateway{
		Sender:  &recordingSender{},
		Actions: map[models.ActionType]ActionHandler{"CALC_CREDIT": calc},
	}, nil)
	s := models.NewSessionState("s1", time.Now())
	s.SetVariable("price", 20000)

	x.Start(context.Background(), f, s)
	assert.Equal(t, "monthly:20000", s.Variable("offer"))
}

func TestContactNode(t *testing.T) {
	f := mkFlow("contact", "",
		mkNode("c", models.NodeTypeRequestContact, "Share your phone", "", models.ContactRequestContent{Variable: "phone"}),
	)
	sender := &recordingSender{}
	x := NewExecutor(DefaultConfig(), Gateway{Sender: sender}, nil)
	s := models.NewSessionState("s1", time.Now())

	x.Start(context.Background(), f, s)
	prompt := sender.last()
	require.NotNil(t, prompt.Markup)
	require.NotNil(t, prompt.Markup.RequestContact)
	assert.Equal(t, "📱 Share contact", prompt.Markup.RequestContact.Label)

	out := x.Resume(context.Background(), f, s, &models.InboundEvent{SessionID: "s1", Kind: models.EventKindText, Text: "call me"})
	assert.True(t, out.Suspended)
	assert.Equal(t, "Share your phone", sender.last().Text)
	assert.NotContains(t, sender.texts(), "Please choose one of the options below.")

	out = x.Resume(context.Background(), f, s, &models.InboundEvent{SessionID: "s1", Kind: models.EventKindContact, ContactPhone: "+7 (912) 345-67-89"})
	assert.True(t, out.Terminated)
	assert.Equal(t, "+79123456789", s.Variable("phone"))
}

func TestGalleryRespectsLimits(t *testing.T) {
	results := make([]models.SearchResult, 8)
	for i := range results {
		results[i] = models.SearchResult{ID: fmt.Sprint(i), Brand: "Kia", Model: "Rio", Year: 2020 + i, Price: 15000}
	}
	cases := []struct {
		name      string
		nodeLimit int
		want      int
	}{
		{"config cap", 0, 5},
		{"node below cap", 2, 2},
		{"node above cap", 9, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.GalleryDelay = 0
			sender := &recordingSender{}
			x := NewExecutor(cfg, Gateway{Sender: sender}, nil)
			s := models.NewSessionState("s1", time.Now())
			s.TempResults = results
			f := mkFlow("g", "", mkNode("g", models.NodeTypeGallery, "", "q", models.GalleryContent{Limit: tc.nodeLimit}), question("q", "x", "?", ""))

			x.Start(context.Background(), f, s)
			assert.Len(t, sender.all(), tc.want+1)
			assert.Equal(t, "Kia Rio, 2020\n15 000", sender.all()[0].Text)
		})
	}
}

func TestBroadcastDestinationAndDeepLink(t *testing.T) {
	f := mkFlow("post", "",
		mkNode("b", models.NodeTypeBroadcast, "New request for {brand}", "", models.BroadcastContent{
			Variant:          models.BroadcastRequestBroadcast,
			ChannelVariable:  "channel",
			DeepLinkBase:     "https://t.me/dealer_bot?start=",
			DeepLinkVariable: "request_id",
		}),
	)
	f.DefaultChannel = "@default"

	b := &recordingBroadcaster{}
	x := NewExecutor(DefaultConfig(), Gateway{Sender: &recordingSender{}, Broadcasts: b}, nil)

	s := models.NewSessionState("s1", time.Now())
	s.SetVariable("brand", "BMW")
	s.SetVariable("channel", "@managers")
	s.SetVariable("request_id", "R 1")
	x.Start(context.Background(), f, s)

	s2 := models.NewSessionState("s2", time.Now())
	x.Start(context.Background(), f, s2)

	require.Len(t, b.posted, 2)
	assert.Equal(t, "@managers", b.posted[0].Destination)
	assert.Equal(t, "https://t.me/dealer_bot?start=R+1", b.posted[0].DeepLink)
	assert.Equal(t, "New request for BMW\nhttps://t.me/dealer_bot?start=R+1", b.posted[0].Text)
	assert.Equal(t, models.BroadcastRequestBroadcast, b.posted[0].Variant)
	assert.Equal(t, "@default", b.posted[1].Destination)
	assert.Empty(t, b.scheduled)
}

func TestBroadcastScheduledInFuture(t *testing.T) {
	f := mkFlow("post", "",
		mkNode("b", models.NodeTypeBroadcast, "Offer", "", models.BroadcastContent{
			Variant: models.BroadcastChannelPost, ChannelID: "@cars", ScheduleVariable: "when",
		}),
	)
	b := &recordingBroadcaster{}
	x := NewExecutor(DefaultConfig(), Gateway{Sender: &recordingSender{}, Broadcasts: b}, nil)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.Local)
	x.now = func() time.Time { return now }

	s := models.NewSessionState("s1", now)
	s.SetVariable("when", "2025-03-02 10:30")
	x.Start(context.Background(), f, s)

	require.Len(t, b.scheduled, 1)
	assert.Equal(t, time.Date(2025, 3, 2, 10, 30, 0, 0, time.Local), b.scheduled[0])

	s.SetVariable("when", "2025-02-01 10:30")
	x.Start(context.Background(), f, s)
	assert.Len(t, b.scheduled, 1, "past times post immediately")
	assert.Len(t, b.posted, 2)
}

func TestBroadcastWithoutBroadcasterUsesSender(t *testing.T) {
	f := mkFlow("post", "",
		mkNode("b", models.NodeTypeBroadcast, "Hello channel", "", models.BroadcastContent{
			Variant: models.BroadcastOfferCollect, ChannelID: "@cars",
		}),
	)
	sender := &recordingSender{}
	x := NewExecutor(DefaultConfig(), Gateway{Sender: sender}, nil)
	x.Start(context.Background(), f, models.NewSessionState("s1", time.Now()))

	require.Len(t, sender.all(), 1)
	assert.Equal(t, "@cars", sender.all()[0].To)
	assert.Equal(t, "Hello channel", sender.all()[0].Text)
}

func TestSendFailureDoesNotStopFlow(t *testing.T) {
	sender := &recordingSender{err: errors.New("network")}
	x := NewExecutor(DefaultConfig(), Gateway{Sender: sender}, nil)
	s := models.NewSessionState("s1", time.Now())
	f := mkFlow("f", "", message("m", "one", "q"), question("q", "v", "two", ""))

	out := x.Start(context.Background(), f, s)
	assert.Equal(t, "q", out.NodeID)
	assert.Equal(t, []string{"one", "two"}, sender.texts())
}
