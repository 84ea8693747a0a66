// Package approvement implements the approvement state engine: topic
// policies, the active/completed/expired buckets, vote aggregation, the
// expiry sweep and fan-out of update/close notifications to channels.
package approvement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/messenger"
	"github.com/jkaninda/quorum/internal/pubsub"
)

var (
	ErrUnknownTopic       = errors.New("unknown approvement topic")
	ErrMisconfiguration   = errors.New("no channel is bound to topic")
	ErrNoSuchApprovement  = errors.New("no such approvement")
	ErrInvalidRenderData  = errors.New("render data must be a JSON object")
	ErrEngineNotRunning   = errors.New("engine is not running")
	ErrEngineAlreadyStart = errors.New("engine already started")
)

const DefaultSweepInterval = 5 * time.Second

// abandonTimeout bounds closing the messages of a failed create.
const abandonTimeout = 10 * time.Second

// Recorder receives every finalized approvement.
type Recorder interface {
	Record(ctx context.Context, s domain.Snapshot) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSweepInterval sets the delay between two expiry sweeps.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches Prometheus metrics. nil disables them.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer attaches an OTel tracer. nil disables tracing.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithRecorder attaches an outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// boundToken pairs a channel with the token it returned at registration.
type boundToken struct {
	channel messenger.Channel
	token   messenger.Token
}

// bundle is the engine's record of one approvement.
type bundle struct {
	approvement domain.Approvement
	tokens      []boundToken
	finalizedAt time.Time
}

// Engine owns the approvement lifecycle. It is safe for concurrent use.
type Engine struct {
	topics        map[string]domain.Topic
	topicOrder    []string
	channels      []messenger.Channel
	logger        *slog.Logger
	metrics       *Metrics
	tracer        trace.Tracer
	recorder      Recorder
	now           func() time.Time
	sweepInterval time.Duration

	// locks serializes work on one approvement id. Always taken before mu.
	locks keyedMutex

	mu        sync.Mutex
	active    map[string]*bundle
	completed map[string]*bundle
	expired   map[string]*bundle

	changes pubsub.Topic[domain.Snapshot]

	lifeMu   sync.RWMutex
	started  bool
	stopping bool
	cancel   context.CancelFunc
	sweeper  sync.WaitGroup
	inflight sync.WaitGroup
	unsubs   []func()
}

// New creates an engine for the given topics and channels. Topic names
// must be unique.
func New(topics []domain.Topic, channels []messenger.Channel, logger *slog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		topics:        make(map[string]domain.Topic, len(topics)),
		channels:      channels,
		logger:        logger,
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		active:        make(map[string]*bundle),
		completed:     make(map[string]*bundle),
		expired:       make(map[string]*bundle),
	}
	for _, t := range topics {
		if t.Name == "" {
			return nil, fmt.Errorf("topic name is required")
		}
		if _, dup := e.topics[t.Name]; dup {
			return nil, fmt.Errorf("duplicate topic %q", t.Name)
		}
		if t.RequireVotes < 0 {
			return nil, fmt.Errorf("topic %q: require votes must not be negative", t.Name)
		}
		e.topics[t.Name] = t
		e.topicOrder = append(e.topicOrder, t.Name)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Topics returns the configured topics in configuration order.
func (e *Engine) Topics() []domain.Topic {
	out := make([]domain.Topic, 0, len(e.topicOrder))
	for _, name := range e.topicOrder {
		out = append(out, e.topics[name])
	}
	return out
}

// Topic returns the named topic.
func (e *Engine) Topic(name string) (domain.Topic, bool) {
	t, ok := e.topics[name]
	return t, ok
}

// Changes publishes a snapshot after every state transition.
func (e *Engine) Changes() *pubsub.Topic[domain.Snapshot] {
	return &e.changes
}

// boundChannels returns the channels bound to topic in channel order.
func (e *Engine) boundChannels(topic string) []messenger.Channel {
	var out []messenger.Channel
	for _, ch := range e.channels {
		if ch.IsBound(topic) {
			out = append(out, ch)
		}
	}
	return out
}

// Create opens a new approvement on topicName and posts it to every
// channel bound to the topic.
func (e *Engine) Create(ctx context.Context, topicName string, data map[string]any) (domain.Snapshot, error) {
	topic, ok := e.topics[topicName]
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topicName)
	}
	channels := e.boundChannels(topicName)
	if len(channels) == 0 {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", ErrMisconfiguration, topicName)
	}
	if !e.enter() {
		return domain.Snapshot{}, ErrEngineNotRunning
	}
	defer e.inflight.Done()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "approvement.create",
			trace.WithAttributes(attribute.String("approvement.topic", topicName)))
		defer span.End()
	}

	now := e.now()
	ap := domain.Approvement{
		ID:        uuid.NewString(),
		Topic:     topic,
		CreatedAt: now,
		ExpireAt:  now.Add(topic.ExpireTimeout),
	}

	// Votes for the new id wait until it is inserted into active.
	unlock := e.locks.Lock(ap.ID)
	defer unlock()

	b := &bundle{approvement: ap}
	for _, ch := range channels {
		tok, err := ch.Register(ctx, ap.Clone(), data)
		if err != nil {
			e.abandon(ctx, ap, b.tokens)
			return domain.Snapshot{}, fmt.Errorf("registering approvement with channel %s: %w", ch.Name(), err)
		}
		b.tokens = append(b.tokens, boundToken{channel: ch, token: tok})
	}

	e.logger.Info("approvement created",
		slog.String("approvement_id", ap.ID),
		slog.String("topic", topicName),
		slog.Int("channels", len(b.tokens)),
		slog.Time("expire_at", ap.ExpireAt),
	)
	e.metrics.created(topicName)

	if topic.RequireVotes == 0 {
		// Nothing to wait for.
		e.mu.Lock()
		b.finalizedAt = now
		e.completed[ap.ID] = b
		e.mu.Unlock()
		snap := domain.Snapshot{Approvement: ap.Clone(), Status: domain.StatusApproved}
		err := e.notify(ctx, b.tokens, opCloseApproved, snap.Approvement)
		e.finalized(ctx, snap)
		return snap, err
	}

	e.mu.Lock()
	e.active[ap.ID] = b
	e.metrics.setActive(len(e.active))
	e.mu.Unlock()

	snap := domain.Snapshot{Approvement: ap.Clone(), Status: domain.StatusPending}
	e.publish(ctx, snap)
	return snap, nil
}

// abandon closes messages already posted for an approvement whose
// registration failed on a later channel. It outlives a cancelled caller.
func (e *Engine) abandon(ctx context.Context, ap domain.Approvement, tokens []boundToken) {
	if len(tokens) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	for _, bt := range tokens {
		if err := bt.channel.CloseExpired(ctx, ap.Clone(), bt.token); err != nil {
			e.logger.Warn("closing abandoned approvement message",
				slog.String("approvement_id", ap.ID),
				slog.String("channel", bt.channel.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Get returns the approvement and its derived status. An approvement that
// exists under another topic is reported as ErrNoSuchApprovement.
func (e *Engine) Get(_ context.Context, topicName, id string) (domain.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		b      *bundle
		status domain.Status
	)
	if found, ok := e.active[id]; ok {
		b, status = found, domain.StatusPending
	} else if found, ok := e.expired[id]; ok {
		b, status = found, domain.StatusExpired
	} else if found, ok := e.completed[id]; ok {
		b, status = found, domain.StatusApproved
		if found.approvement.RefusedBy != nil {
			status = domain.StatusRefused
		}
	}
	if b == nil || b.approvement.Topic.Name != topicName {
		return domain.Snapshot{}, fmt.Errorf("%w: %s/%s", ErrNoSuchApprovement, topicName, id)
	}
	return domain.Snapshot{Approvement: b.approvement.Clone(), Status: status}, nil
}

// Counts returns the size of each bucket.
func (e *Engine) Counts() (active, completed, expired int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active), len(e.completed), len(e.expired)
}

type notifyOp int

const (
	opUpdate notifyOp = iota
	opCloseApproved
	opCloseRefused
	opCloseExpired
)

func (op notifyOp) String() string {
	switch op {
	case opUpdate:
		return "update"
	case opCloseApproved:
		return "close_approved"
	case opCloseRefused:
		return "close_refused"
	case opCloseExpired:
		return "close_expired"
	default:
		return "unknown"
	}
}

// notify calls op on every bound channel in order. The first failure
// aborts the remaining calls.
func (e *Engine) notify(ctx context.Context, tokens []boundToken, op notifyOp, ap domain.Approvement) error {
	for _, bt := range tokens {
		var err error
		switch op {
		case opUpdate:
			err = bt.channel.Update(ctx, ap.Clone(), bt.token)
		case opCloseApproved:
			err = bt.channel.CloseApproved(ctx, ap.Clone(), bt.token)
		case opCloseRefused:
			err = bt.channel.CloseRefused(ctx, ap.Clone(), bt.token)
		case opCloseExpired:
			err = bt.channel.CloseExpired(ctx, ap.Clone(), bt.token)
		}
		if err != nil {
			e.metrics.notifyFailed(bt.channel.Name(), op.String())
			return fmt.Errorf("%s approvement %s on channel %s: %w", op, ap.ID, bt.channel.Name(), err)
		}
	}
	return nil
}

// finalized records and publishes a terminal snapshot.
func (e *Engine) finalized(ctx context.Context, snap domain.Snapshot) {
	e.metrics.finalized(snap.Topic.Name, snap.Status.String())
	e.logger.Info("approvement finalized",
		slog.String("approvement_id", snap.ID),
		slog.String("topic", snap.Topic.Name),
		slog.String("status", snap.Status.String()),
	)
	if e.recorder != nil {
		if err := e.recorder.Record(ctx, snap); err != nil {
			e.logger.Warn("recording approvement outcome",
				slog.String("approvement_id", snap.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	e.publish(ctx, snap)
}

func (e *Engine) publish(ctx context.Context, snap domain.Snapshot) {
	if err := e.changes.Publish(ctx, snap); err != nil {
		e.logger.Debug("change subscriber failed",
			slog.String("approvement_id", snap.ID),
			slog.String("error", err.Error()),
		)
	}
}
