// Package gateway implements the side effects flows reach for: business records, inventory
// search, channel broadcasts, admin notifications and manager callbacks.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/flow"
	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/BTreeMap/ScenarioPipe/internal/searchcache"
	"github.com/BTreeMap/ScenarioPipe/internal/store"
)

// OutboxKindBroadcast tags channel posts queued in the outbox.
const OutboxKindBroadcast = "broadcast"

// ErrNoExternalSource is returned by SearchExternal when no external inventory is configured.
var ErrNoExternalSource = errors.New("no external inventory source configured")

// ErrNoDestination is returned for a broadcast without a destination.
var ErrNoDestination = errors.New("broadcast has no destination")

// Opts holds gateway configuration.
type Opts struct {
	AdminDestinations []string
	ManagerPrefix     string
	SearchLimit       int
	Cache             *searchcache.Cache
	Outbox            store.OutboxRepo
	Jobs              store.JobRepo
}

// Option defines a configuration option for the gateway.
type Option func(*Opts)

// WithAdminDestinations sets where NOTIFY_ADMIN texts and manager acknowledgements go.
func WithAdminDestinations(ids ...string) Option {
	return func(o *Opts) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				o.AdminDestinations = append(o.AdminDestinations, id)
			}
		}
	}
}

// WithManagerPrefix sets the reserved callback prefix stripped from manager tokens.
func WithManagerPrefix(prefix string) Option {
	return func(o *Opts) { o.ManagerPrefix = prefix }
}

// WithSearchLimit caps local inventory results.
func WithSearchLimit(n int) Option {
	return func(o *Opts) { o.SearchLimit = n }
}

// WithSearchCache routes external searches through a TTL cache.
func WithSearchCache(c *searchcache.Cache) Option {
	return func(o *Opts) { o.Cache = c }
}

// WithOutbox makes channel posts durable: they are queued and sent by an OutboxSender.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Opts) { o.Outbox = repo }
}

// WithJobRepo stores future-time posts as scheduled_broadcast jobs instead of in-process timers.
func WithJobRepo(repo store.JobRepo) Option {
	return func(o *Opts) { o.Jobs = repo }
}

// Gateway implements flow.RecordCreator, flow.Searcher, flow.Broadcaster, flow.AdminNotifier and
// flow.ManagerHandler on top of the store, the search cache and a transport.
type Gateway struct {
	sender  flow.Sender
	records store.RecordRepo
	timer   *flow.SimpleTimer
	opts    Opts
}

var (
	_ flow.RecordCreator  = (*Gateway)(nil)
	_ flow.Searcher       = (*Gateway)(nil)
	_ flow.Broadcaster    = (*Gateway)(nil)
	_ flow.AdminNotifier  = (*Gateway)(nil)
	_ flow.ManagerHandler = (*Gateway)(nil)
)

// New creates a gateway. records may be nil, in which case record creation and local search fail.
func New(sender flow.Sender, records store.RecordRepo, opts ...Option) *Gateway {
	cfg := Opts{ManagerPrefix: "mgr:", SearchLimit: 20}
	for _, opt := range opts {
		opt(&cfg)
	}
	g := &Gateway{sender: sender, records: records, opts: cfg}
	if cfg.Jobs == nil {
		g.timer = flow.NewSimpleTimer()
	}
	slog.Debug("gateway.New: configured",
		"admins", len(cfg.AdminDestinations),
		"cache", cfg.Cache != nil,
		"outbox", cfg.Outbox != nil,
		"jobs", cfg.Jobs != nil)
	return g
}

// Stop cancels in-process scheduled posts.
func (g *Gateway) Stop() {
	if g.timer != nil {
		g.timer.Stop()
	}
}

func (g *Gateway) CreateLead(ctx context.Context, sessionID string, fields map[string]string) (string, error) {
	if g.records == nil {
		return "", errors.New("no record store configured")
	}
	id, err := g.records.CreateLead(ctx, sessionID, fields)
	if err != nil {
		return "", fmt.Errorf("failed to create lead: %w", err)
	}
	slog.Info("Gateway.CreateLead: lead created", "sessionID", sessionID, "leadID", id)
	return id, nil
}

func (g *Gateway) CreateRequest(ctx context.Context, sessionID string, fields map[string]string) (string, error) {
	if g.records == nil {
		return "", errors.New("no record store configured")
	}
	id, err := g.records.CreateRequest(ctx, sessionID, fields)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	slog.Info("Gateway.CreateRequest: request created", "sessionID", sessionID, "publicID", id)
	return id, nil
}

// SearchLocal queries the local inventory table.
func (g *Gateway) SearchLocal(ctx context.Context, filter models.SearchFilter) ([]models.SearchResult, error) {
	if g.records == nil {
		return nil, errors.New("no record store configured")
	}
	return g.records.SearchInventory(ctx, filter, g.opts.SearchLimit)
}

// SearchExternal queries the external inventory through the cache.
func (g *Gateway) SearchExternal(ctx context.Context, filter models.SearchFilter) ([]models.SearchResult, error) {
	if g.opts.Cache == nil {
		return nil, ErrNoExternalSource
	}
	return g.opts.Cache.Lookup(ctx, filter)
}

// Post delivers a channel post now, through the outbox when one is configured.
func (g *Gateway) Post(ctx context.Context, post flow.BroadcastPost) error {
	if post.Destination == "" {
		return ErrNoDestination
	}
	if g.opts.Outbox == nil {
		return g.deliver(ctx, post)
	}
	payload, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	id, err := g.opts.Outbox.EnqueueOutboxMessage(post.Destination, OutboxKindBroadcast, string(payload), "")
	if err != nil {
		return fmt.Errorf("failed to queue broadcast: %w", err)
	}
	slog.Debug("Gateway.Post: queued", "outboxID", id, "destination", post.Destination, "variant", post.Variant)
	return nil
}

// Schedule arranges for post to be delivered at at.
func (g *Gateway) Schedule(ctx context.Context, post flow.BroadcastPost, at time.Time) error {
	if post.Destination == "" {
		return ErrNoDestination
	}
	if g.opts.Jobs != nil {
		id, err := flow.EnqueueBroadcast(g.opts.Jobs, post, at)
		if err != nil {
			return err
		}
		slog.Info("Gateway.Schedule: broadcast job queued", "jobID", id, "destination", post.Destination, "at", at)
		return nil
	}
	g.timer.ScheduleAt(at, "broadcast to "+post.Destination, func() {
		if err := g.Post(context.Background(), post); err != nil {
			slog.Error("Gateway.Schedule: delayed post failed", "destination", post.Destination, "error", err)
		}
	})
	return nil
}

// SendOutbox is the store.OutboxSendFunc for queued broadcasts.
func (g *Gateway) SendOutbox(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != OutboxKindBroadcast {
		return fmt.Errorf("unknown outbox kind %q", msg.Kind)
	}
	var post flow.BroadcastPost
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &post); err != nil {
		return fmt.Errorf("invalid broadcast payload: %w", err)
	}
	return g.deliver(ctx, post)
}

func (g *Gateway) deliver(ctx context.Context, post flow.BroadcastPost) error {
	if post.Destination == "" {
		return ErrNoDestination
	}
	return g.sender.SendText(ctx, post.Destination, post.Text, nil)
}

// NotifyAdmin sends text to every admin destination, tagged with the originating session.
func (g *Gateway) NotifyAdmin(ctx context.Context, sessionID, text string) error {
	if len(g.opts.AdminDestinations) == 0 {
		slog.Warn("Gateway.NotifyAdmin: no admin destinations configured", "sessionID", sessionID)
		return nil
	}
	body := fmt.Sprintf("%s\n\n(session %s)", text, sessionID)
	var errs []error
	for _, dest := range g.opts.AdminDestinations {
		if err := g.sender.SendText(ctx, dest, body, nil); err != nil {
			errs = append(errs, fmt.Errorf("admin %s: %w", dest, err))
		}
	}
	return errors.Join(errs...)
}

// ManagerCommand is a parsed manager callback such as "mgr:accept:REQ-1A2B3C4D".
type ManagerCommand struct {
	Verb     string
	RecordID string
}

// ParseManagerToken splits a reserved-prefix callback into verb and record id.
func ParseManagerToken(prefix, token string) (ManagerCommand, error) {
	rest, ok := strings.CutPrefix(token, prefix)
	if !ok {
		return ManagerCommand{}, fmt.Errorf("token %q lacks prefix %q", token, prefix)
	}
	verb, id, _ := strings.Cut(rest, ":")
	if verb == "" {
		return ManagerCommand{}, fmt.Errorf("token %q has no verb", token)
	}
	return ManagerCommand{Verb: strings.ToLower(verb), RecordID: id}, nil
}

var managerReplies = map[string]string{
	"accept":  "Request %s accepted.",
	"decline": "Request %s declined.",
	"done":    "Request %s closed.",
}

// HandleManagerCallback acknowledges a manager's action to the manager and to the admin chats.
func (g *Gateway) HandleManagerCallback(ctx context.Context, sessionID, token string) error {
	cmd, err := ParseManagerToken(g.opts.ManagerPrefix, token)
	if err != nil {
		return err
	}
	format, ok := managerReplies[cmd.Verb]
	if !ok {
		return fmt.Errorf("unknown manager action %q", cmd.Verb)
	}
	reply := fmt.Sprintf(format, cmd.RecordID)
	slog.Info("Gateway.HandleManagerCallback: manager action", "sessionID", sessionID, "verb", cmd.Verb, "recordID", cmd.RecordID)
	if err := g.sender.SendText(ctx, sessionID, reply, nil); err != nil {
		return err
	}
	return g.NotifyAdmin(ctx, sessionID, reply)
}
