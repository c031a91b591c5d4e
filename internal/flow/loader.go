package flow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// DirLoader reads *.yaml, *.yml and *.json bundle files from a directory. JSON is parsed by the
// YAML decoder, so both use the same field names.
type DirLoader struct {
	Dir string
}

// NewDirLoader creates a loader for dir.
func NewDirLoader(dir string) *DirLoader {
	return &DirLoader{Dir: dir}
}

// bundleFile is the on-disk shape of one file.
type bundleFile struct {
	Menu  *menuSpec  `yaml:"menu"`
	Flows []flowSpec `yaml:"flows"`
}

type menuSpec struct {
	Text     string            `yaml:"text"`
	TextI18n map[string]string `yaml:"text_i18n"`
	Buttons  []menuButtonSpec  `yaml:"buttons"`
}

type menuButtonSpec struct {
	Label     string            `yaml:"label"`
	LabelI18n map[string]string `yaml:"label_i18n"`
	Flow      string            `yaml:"flow"`
	Reply     string            `yaml:"reply"`
	ReplyI18n map[string]string `yaml:"reply_i18n"`
}

type flowSpec struct {
	ID             string     `yaml:"id"`
	Name           string     `yaml:"name"`
	Version        int64      `yaml:"version"`
	Entry          string     `yaml:"entry"`
	Trigger        string     `yaml:"trigger"`
	Keywords       []string   `yaml:"keywords"`
	Active         *bool      `yaml:"active"`
	DefaultChannel string     `yaml:"default_channel"`
	Nodes          []NodeSpec `yaml:"nodes"`
}

// NodeSpec is the wire form of a node. Only the fields relevant to Type are read.
type NodeSpec struct {
	ID       string            `yaml:"id"`
	Type     string            `yaml:"type"`
	Text     string            `yaml:"text"`
	TextI18n map[string]string `yaml:"text_i18n"`
	Next     string            `yaml:"next"`

	Variable string `yaml:"variable"`
	Media    string `yaml:"media"`

	Choices []choiceSpec `yaml:"choices"`

	ButtonLabel     string            `yaml:"button_label"`
	ButtonLabelI18n map[string]string `yaml:"button_label_i18n"`

	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
	True     string `yaml:"true"`
	False    string `yaml:"false"`

	Action string            `yaml:"action"`
	Params map[string]string `yaml:"params"`
	Result string            `yaml:"result"`

	Delay string `yaml:"delay"`

	Search *searchSpec `yaml:"search"`
	Limit  int         `yaml:"limit"`

	Broadcast *broadcastSpec `yaml:"broadcast"`
}

type choiceSpec struct {
	Value     string            `yaml:"value"`
	Label     string            `yaml:"label"`
	LabelI18n map[string]string `yaml:"label_i18n"`
	Next      string            `yaml:"next"`
}

type searchSpec struct {
	Brand    string `yaml:"brand"`
	Model    string `yaml:"model"`
	PriceMin string `yaml:"price_min"`
	PriceMax string `yaml:"price_max"`
	YearMin  string `yaml:"year_min"`
	YearMax  string `yaml:"year_max"`
	Count    string `yaml:"count"`
}

type broadcastSpec struct {
	Variant          string `yaml:"variant"`
	Channel          string `yaml:"channel"`
	ChannelVariable  string `yaml:"channel_variable"`
	ScheduleVariable string `yaml:"schedule_variable"`
	DeepLinkBase     string `yaml:"deep_link_base"`
	DeepLinkVariable string `yaml:"deep_link_variable"`
}

// Load reads every bundle file in the directory in name order. A later file's menu replaces an
// earlier one.
func (l *DirLoader) Load(ctx context.Context) (*Bundle, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flows dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := &Bundle{}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(l.Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		b, err := ParseBundle(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out.Flows = append(out.Flows, b.Flows...)
		if b.Menu.Text.Default != "" || len(b.Menu.Buttons) > 0 {
			out.Menu = b.Menu
		}
		slog.Debug("DirLoader.Load: parsed file", "file", name, "flows", len(b.Flows))
	}
	return out, nil
}

// ParseBundle decodes one bundle document.
func ParseBundle(data []byte) (*Bundle, error) {
	var f bundleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	out := &Bundle{}
	if f.Menu != nil {
		out.Menu = Menu{Text: localized(f.Menu.Text, f.Menu.TextI18n)}
		for _, b := range f.Menu.Buttons {
			out.Menu.Buttons = append(out.Menu.Buttons, MenuButton{
				Label:  localized(b.Label, b.LabelI18n),
				FlowID: b.Flow,
				Reply:  localized(b.Reply, b.ReplyI18n),
			})
		}
	}
	for _, fs := range f.Flows {
		def, err := fs.definition()
		if err != nil {
			return nil, err
		}
		out.Flows = append(out.Flows, def)
	}
	return out, nil
}

func (fs flowSpec) definition() (*models.FlowDefinition, error) {
	def := &models.FlowDefinition{
		ID:             fs.ID,
		Name:           fs.Name,
		Version:        fs.Version,
		EntryNodeID:    fs.Entry,
		TriggerCommand: fs.Trigger,
		Keywords:       fs.Keywords,
		IsActive:       fs.Active == nil || *fs.Active,
		DefaultChannel: fs.DefaultChannel,
		Nodes:          make(map[string]models.Node, len(fs.Nodes)),
	}
	for i, ns := range fs.Nodes {
		if ns.ID == "" {
			return nil, fmt.Errorf("flow %s node #%d: %w", fs.ID, i, models.ErrEmptyNodeID)
		}
		if _, dup := def.Nodes[ns.ID]; dup {
			return nil, fmt.Errorf("flow %s node %s: %w", fs.ID, ns.ID, models.ErrDuplicateNodeID)
		}
		n, err := ns.node()
		if err != nil {
			return nil, fmt.Errorf("flow %s node %s: %w", fs.ID, ns.ID, err)
		}
		def.Nodes[n.ID] = n
	}
	if def.EntryNodeID == "" && len(fs.Nodes) > 0 {
		def.EntryNodeID = fs.Nodes[0].ID
	}
	return def, nil
}

func (ns NodeSpec) node() (models.Node, error) {
	n := models.Node{
		ID:         ns.ID,
		Type:       models.NodeType(strings.ToUpper(ns.Type)),
		Text:       localized(ns.Text, ns.TextI18n),
		NextNodeID: ns.Next,
	}
	switch n.Type {
	case models.NodeTypeStart:
		n.Content = models.StartContent{}
	case models.NodeTypeJump:
		n.Content = models.JumpContent{}
	case models.NodeTypeMessage:
		n.Content = models.MessageContent{MediaRef: ns.Media}
	case models.NodeTypeQuestionText:
		n.Content = models.QuestionTextContent{Variable: ns.Variable}
	case models.NodeTypeQuestionChoice, models.NodeTypeMenuReply:
		c := models.ChoiceContent{Variable: ns.Variable}
		for _, ch := range ns.Choices {
			c.Choices = append(c.Choices, models.Choice{
				Value:      ch.Value,
				Label:      localized(ch.Label, ch.LabelI18n),
				NextNodeID: ch.Next,
			})
		}
		n.Content = c
	case models.NodeTypeRequestContact:
		n.Content = models.ContactRequestContent{
			Variable:    ns.Variable,
			ButtonLabel: localized(ns.ButtonLabel, ns.ButtonLabelI18n),
		}
	case models.NodeTypeCondition:
		n.Content = models.ConditionContent{
			Variable:    ns.Variable,
			Operator:    models.ConditionOperator(strings.ToUpper(ns.Operator)),
			Value:       ns.Value,
			TrueNodeID:  ns.True,
			FalseNodeID: ns.False,
		}
	case models.NodeTypeAction:
		n.Content = models.ActionContent{
			ActionType:     models.ActionType(strings.ToUpper(ns.Action)),
			Params:         ns.Params,
			ResultVariable: ns.Result,
		}
	case models.NodeTypeDelay:
		d, err := time.ParseDuration(ns.Delay)
		if err != nil {
			return models.Node{}, fmt.Errorf("%w: %v", models.ErrInvalidDelay, err)
		}
		n.Content = models.DelayContent{Duration: d}
	case models.NodeTypeSearch, models.NodeTypeSearchFallback:
		s := ns.Search
		if s == nil {
			s = &searchSpec{}
		}
		n.Content = models.SearchContent{
			BrandVariable:    s.Brand,
			ModelVariable:    s.Model,
			PriceMinVariable: s.PriceMin,
			PriceMaxVariable: s.PriceMax,
			YearMinVariable:  s.YearMin,
			YearMaxVariable:  s.YearMax,
			CountVariable:    s.Count,
			Fallback:         n.Type == models.NodeTypeSearchFallback,
		}
	case models.NodeTypeGallery:
		n.Content = models.GalleryContent{Limit: ns.Limit}
	case models.NodeTypeBroadcast:
		b := ns.Broadcast
		if b == nil {
			return models.Node{}, models.ErrInvalidBroadcast
		}
		n.Content = models.BroadcastContent{
			Variant:          models.BroadcastVariant(strings.ToUpper(b.Variant)),
			ChannelID:        b.Channel,
			ChannelVariable:  b.ChannelVariable,
			ScheduleVariable: b.ScheduleVariable,
			DeepLinkBase:     b.DeepLinkBase,
			DeepLinkVariable: b.DeepLinkVariable,
		}
	default:
		return models.Node{}, fmt.Errorf("%w: %q", models.ErrInvalidNodeType, ns.Type)
	}
	return n, nil
}

func localized(def string, byLocale map[string]string) models.LocalizedText {
	t := models.LocalizedText{Default: def}
	if len(byLocale) > 0 {
		t.ByLocale = make(map[string]string, len(byLocale))
		for k, v := range byLocale {
			t.ByLocale[strings.ToLower(k)] = v
		}
	}
	return t
}
