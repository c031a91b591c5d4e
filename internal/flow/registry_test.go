package flow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

type swapLoader struct {
	bundle Bundle
	err    error
}

func (l *swapLoader) Load(context.Context) (*Bundle, error) {
	if l.err != nil {
		return nil, l.err
	}
	b := l.bundle
	return &b, nil
}

func TestRegistryReloadKeepsPreviousSnapshot(t *testing.T) {
	v1 := mkFlow("quiz", "/quiz", question("q1", "a", "Q1", "q2"), question("q2", "b", "Q2", ""))
	loader := &swapLoader{bundle: Bundle{Flows: []*models.FlowDefinition{v1}}}
	reg, err := NewRegistry(context.Background(), loader)
	require.NoError(t, err)
	require.EqualValues(t, 1, reg.Current().Generation)
	first := reg.Current().Flow("quiz")
	require.EqualValues(t, 1, first.Version)

	v2 := mkFlow("quiz", "/quiz", question("q1", "a", "Q1 (new)", ""))
	loader.bundle = Bundle{Flows: []*models.FlowDefinition{v2}}
	snap, err := reg.Reload(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Generation)
	second := snap.Flow("quiz")
	assert.EqualValues(t, 2, second.Version)

	assert.Same(t, second, reg.Lookup("quiz", 2, "q1"))
	assert.Same(t, second, reg.Lookup("quiz", 0, ""))
	assert.Same(t, first, reg.Lookup("quiz", 1, "q2"), "pinned sessions finish on the version they started")

	v3 := mkFlow("quiz", "/quiz", question("q1", "a", "Q1 (v3)", ""))
	loader.bundle = Bundle{Flows: []*models.FlowDefinition{v3}}
	snap, err = reg.Reload(context.Background())
	require.NoError(t, err)

	assert.Same(t, snap.Flow("quiz"), reg.Lookup("quiz", 1, "q1"), "node still exists on current")
	assert.Nil(t, reg.Lookup("quiz", 1, "q2"))
	assert.Nil(t, reg.Lookup("other", 0, ""))
}

func TestRegistryReloadLeavesLoaderDefinitionsUntouched(t *testing.T) {
	quiz := mkFlow("quiz", "/quiz", question("q1", "a", "Q1", ""))
	loader := StaticLoader{Bundle: Bundle{Flows: []*models.FlowDefinition{quiz}}}

	reg, err := NewRegistry(context.Background(), loader)
	require.NoError(t, err)
	assert.Zero(t, quiz.Version)
	assert.NotSame(t, quiz, reg.Current().Flow("quiz"))

	_, err = reg.Reload(context.Background())
	require.NoError(t, err)
	assert.Zero(t, quiz.Version)
	assert.EqualValues(t, 2, reg.Current().Flow("quiz").Version, "each reload stamps its own generation")

	other, err := NewRegistry(context.Background(), loader)
	require.NoError(t, err)
	assert.EqualValues(t, 1, other.Current().Flow("quiz").Version)
}

func TestRegistryKeepsExplicitVersion(t *testing.T) {
	quiz := mkFlow("quiz", "/quiz", question("q1", "a", "Q1", ""))
	quiz.Version = 7
	reg, err := NewRegistry(context.Background(), StaticLoader{Bundle: Bundle{Flows: []*models.FlowDefinition{quiz}}})
	require.NoError(t, err)
	assert.EqualValues(t, 7, reg.Current().Flow("quiz").Version)
}

func TestRegistryRejectsBadBundles(t *testing.T) {
	good := mkFlow("good", "", question("q", "v", "?", ""))
	loader := &swapLoader{bundle: Bundle{Flows: []*models.FlowDefinition{good}}}
	reg, err := NewRegistry(context.Background(), loader)
	require.NoError(t, err)

	bad := mkFlow("bad", "", question("q", "", "?", ""))
	loader.bundle = Bundle{Flows: []*models.FlowDefinition{bad}}
	_, err = reg.Reload(context.Background())
	require.ErrorIs(t, err, models.ErrMissingVariable)

	loader.bundle = Bundle{Flows: []*models.FlowDefinition{
		mkFlow("dup", "", question("q", "v", "?", "")),
		mkFlow("dup", "", question("q", "v", "?", "")),
	}}
	_, err = reg.Reload(context.Background())
	require.Error(t, err)

	assert.EqualValues(t, 1, reg.Current().Generation)
	assert.NotNil(t, reg.Current().Flow("good"))
}

func TestRegistryToleratesDanglingReferences(t *testing.T) {
	f := mkFlow("f", "", question("q", "v", "?", "missing"))
	_, err := NewRegistry(context.Background(), StaticLoader{Bundle: Bundle{Flows: []*models.FlowDefinition{f}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"q -> missing"}, f.DanglingReferences())
}

const sampleBundle = `
menu:
  text: Main menu
  text_i18n:
    RU: Главное меню
  buttons:
    - label: Buy a car
      flow: buy
    - label: Contacts
      reply: Call us
flows:
  - id: buy
    trigger: /buy
    keywords: [buy, purchase]
    default_channel: "@cars"
    nodes:
      - id: brand
        type: question_choice
        text: Which brand?
        variable: brand
        choices:
          - value: toyota
            label: Toyota
            next: budget
          - label: Kia
      - id: budget
        type: QUESTION_TEXT
        text: Budget?
        variable: budget
        next: check
      - id: check
        type: CONDITION
        variable: budget
        operator: gt
        value: "20000"
        "true": search
        "false": fallback
      - id: search
        type: SEARCH
        search:
          brand: brand
          price_max: budget
          count: found
        next: gallery
      - id: fallback
        type: SEARCH_FALLBACK
        next: gallery
      - id: gallery
        type: GALLERY
        limit: 3
        next: wait
      - id: wait
        type: DELAY
        delay: 2s
        next: post
      - id: post
        type: BROADCAST
        text: New lead
        broadcast:
          variant: request_broadcast
          deep_link_base: "https://t.me/bot?start="
          deep_link_variable: lead_id
        next: contact
      - id: contact
        type: REQUEST_CONTACT
        text: Share your phone
        variable: phone
        button_label: Send phone
        next: save
      - id: save
        type: ACTION
        action: create_lead
        params:
          phone: "{phone}"
        result: lead_id
  - id: draft
    active: false
    entry: b
    nodes:
      - id: a
        type: MESSAGE
        text: A
        media: https://img/a.jpg
      - id: b
        type: JUMP
        next: a
`

func TestParseBundle(t *testing.T) {
	b, err := ParseBundle([]byte(sampleBundle))
	require.NoError(t, err)

	assert.Equal(t, "Главное меню", b.Menu.Text.Resolve("ru", "en"))
	require.Len(t, b.Menu.Buttons, 2)
	assert.Equal(t, "buy", b.Menu.Buttons[0].FlowID)
	assert.Equal(t, "Call us", b.Menu.Buttons[1].Reply.Default)

	require.Len(t, b.Flows, 2)
	buy := b.Flows[0]
	require.NoError(t, buy.Validate())
	assert.Equal(t, "brand", buy.EntryNodeID)
	assert.True(t, buy.IsActive)
	assert.Equal(t, "@cars", buy.DefaultChannel)
	assert.Empty(t, buy.DanglingReferences())

	brand, _ := buy.Node("brand")
	assert.Equal(t, models.NodeTypeQuestionChoice, brand.Type)
	choices := brand.Content.(models.ChoiceContent)
	assert.Equal(t, "budget", choices.Choices[0].NextNodeID)
	assert.Equal(t, "Kia", choices.Choices[1].Label.Default)

	check, _ := buy.Node("check")
	cond := check.Content.(models.ConditionContent)
	assert.Equal(t, models.OperatorGT, cond.Operator)
	assert.Equal(t, "search", cond.TrueNodeID)
	assert.Equal(t, "fallback", cond.FalseNodeID)

	search, _ := buy.Node("search")
	assert.Equal(t, models.SearchContent{BrandVariable: "brand", PriceMaxVariable: "budget", CountVariable: "found"}, search.Content)
	fallback, _ := buy.Node("fallback")
	assert.True(t, fallback.Content.(models.SearchContent).Fallback)

	wait, _ := buy.Node("wait")
	assert.Equal(t, models.DelayContent{Duration: 2 * time.Second}, wait.Content)

	post, _ := buy.Node("post")
	bc := post.Content.(models.BroadcastContent)
	assert.Equal(t, models.BroadcastRequestBroadcast, bc.Variant)
	assert.Equal(t, "lead_id", bc.DeepLinkVariable)

	contact, _ := buy.Node("contact")
	assert.Equal(t, "Send phone", contact.Content.(models.ContactRequestContent).ButtonLabel.Default)

	save, _ := buy.Node("save")
	act := save.Content.(models.ActionContent)
	assert.Equal(t, models.ActionCreateLead, act.ActionType)
	assert.Equal(t, "lead_id", act.ResultVariable)

	draft := b.Flows[1]
	assert.False(t, draft.IsActive)
	assert.Equal(t, "b", draft.EntryNodeID)
	a, _ := draft.Node("a")
	assert.Equal(t, models.MessageContent{MediaRef: "https://img/a.jpg"}, a.Content)
}

func TestParseBundleErrors(t *testing.T) {
	cases := map[string]string{
		"unknown type":             "flows:\n  - id: f\n    nodes:\n      - id: n\n        type: TELEPORT\n",
		"bad delay":                "flows:\n  - id: f\n    nodes:\n      - id: n\n        type: DELAY\n        delay: soon\n",
		"duplicate node":           "flows:\n  - id: f\n    nodes:\n      - id: n\n        type: JUMP\n      - id: n\n        type: JUMP\n",
		"missing node id":          "flows:\n  - id: f\n    nodes:\n      - type: JUMP\n",
		"broadcast without target": "flows:\n  - id: f\n    nodes:\n      - id: n\n        type: BROADCAST\n",
		"not yaml":                 "flows: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBundle([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("01-menu.yaml", "menu:\n  text: First menu\n")
	write("02-flows.yml", "flows:\n  - id: a\n    nodes:\n      - id: q\n        type: QUESTION_TEXT\n        variable: v\n")
	write("03-more.json", `{"menu": {"text": "Final menu"}, "flows": [{"id": "b", "nodes": [{"id": "m", "type": "MESSAGE", "text": "hi"}]}]}`)
	write("notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o755))

	b, err := NewDirLoader(dir).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Flows, 2)
	assert.Equal(t, "a", b.Flows[0].ID)
	assert.Equal(t, "b", b.Flows[1].ID)
	assert.Equal(t, "Final menu", b.Menu.Text.Default)

	reg, err := NewRegistry(context.Background(), NewDirLoader(dir))
	require.NoError(t, err)
	assert.Len(t, reg.Current().ActiveFlows(), 2)

	_, err = NewDirLoader(filepath.Join(dir, "missing")).Load(context.Background())
	assert.Error(t, err)
}

func TestNewConfig(t *testing.T) {
	cfg, err := NewConfig(Config{})
	require.NoError(t, err)
	assert.Equal(t, "en", cfg.DefaultLocale)
	assert.Equal(t, 30, cfg.HistoryCapacity)
	assert.Equal(t, 100, cfg.MaxAutoAdvance)
	assert.Equal(t, 3, cfg.SearchThreshold)
	assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
	assert.Equal(t, []string{"/start", "/menu"}, cfg.MenuCommands)
	assert.Equal(t, "mgr:", cfg.ManagerPrefix)
	assert.Equal(t, "⬅️ Back", cfg.Texts.BackButton.Default)
	assert.Zero(t, cfg.SessionIdleTimeout)

	cfg, err = NewConfig(Config{MaxAutoAdvance: 7, Texts: Texts{MenuButton: models.LocalizedText{Default: "Home"}}})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxAutoAdvance)
	assert.Equal(t, "Home", cfg.Texts.MenuButton.Default)

	_, err = NewConfig(Config{SearchLimit: 10000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SearchLimit")

	_, err = NewConfig(Config{HistoryCapacity: -1})
	assert.Error(t, err)
}

func TestExampleBundleLoads(t *testing.T) {
	reg, err := NewRegistry(context.Background(), NewDirLoader(filepath.Join("..", "..", "flows")))
	require.NoError(t, err)

	snap := reg.Current()
	require.Len(t, snap.ActiveFlows(), 2)
	for _, f := range snap.ActiveFlows() {
		assert.Empty(t, f.DanglingReferences(), f.ID)
	}
	assert.Len(t, snap.Menu.Buttons, 3)
	assert.Equal(t, "find_car", snap.Menu.Buttons[0].FlowID)
	assert.Equal(t, "contact", snap.Flow("find_car").Nodes["nothing"].NextNodeID)
}
