// Package slack implements an approvement channel on Slack. Approvements
// are posted with Block Kit buttons via chat.postMessage; votes arrive on
// the signed interactive endpoint as block_actions payloads.
//
// Security:
//   - Every request verified via HMAC-SHA256 signature (Slack signing secret)
//   - Replay protection: rejects requests with timestamps older than 5 minutes
//   - Optional per-binding approver allowlist (Slack usernames)
//   - Signing secret and bot token from environment variables
package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/kvstore"
	"github.com/jkaninda/quorum/internal/messenger"
	"github.com/jkaninda/quorum/internal/pubsub"
	"github.com/jkaninda/quorum/internal/ratelimit"
)

const (
	defaultAPIURL       = "https://slack.com/api"
	DefaultPath         = "/slack/interactive"
	maxSlackRequestSize = 256 << 10 // 256 KB
	signatureMaxAge     = 5 * time.Minute

	valueApprove = "Y"
	valueRefuse  = "N"
)

// Binding posts approvements of Topic to the Slack channel ChannelID.
type Binding struct {
	Topic     string
	ChannelID string
	Template  string   // text/template source in Slack mrkdwn.
	Approvers []string // Slack usernames allowed to vote. Empty = anyone.
}

// Config configures a Slack channel.
type Config struct {
	Name          string
	BotToken      string // xoxb-..., from SLACK_BOT_TOKEN.
	SigningSecret string // From SLACK_SIGNING_SECRET.
	APIURL        string // Default https://slack.com/api.
	ListenAddr    string // Serve the interactive endpoint on its own listener. Empty = mount Handler elsewhere.
	Path          string // Interactive endpoint path. Default /slack/interactive.
	Bindings      []Binding
	RateLimit     ratelimit.Config
}

func (c Config) apiURL() string {
	if c.APIURL != "" {
		return strings.TrimRight(c.APIURL, "/")
	}
	return defaultAPIURL
}

type binding struct {
	Binding
	tmpl *messenger.Template
}

// Channel is the Slack approvement channel.
type Channel struct {
	config     Config
	bindings   map[string]binding
	ledger     *messenger.Ledger
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	httpClient *http.Client
	now        func() time.Time

	approvals pubsub.Topic[messenger.Vote]
	refusals  pubsub.Topic[messenger.Vote]

	mu     sync.Mutex
	server *http.Server
	ctx    context.Context
}

// New creates a Slack channel. Correlation records are kept in store.
func New(cfg Config, store *kvstore.Store, logger *slog.Logger) (*Channel, error) {
	if cfg.Name == "" {
		cfg.Name = "slack"
	}
	if cfg.BotToken == "" || cfg.SigningSecret == "" {
		return nil, fmt.Errorf("slack channel %s: bot token and signing secret are required", cfg.Name)
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	bindings := make(map[string]binding, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		if _, dup := bindings[b.Topic]; dup {
			return nil, fmt.Errorf("slack channel %s: topic %s bound twice", cfg.Name, b.Topic)
		}
		tmpl, err := messenger.ParseTemplate(cfg.Name+"/"+b.Topic, b.Template)
		if err != nil {
			return nil, err
		}
		bindings[b.Topic] = binding{Binding: b, tmpl: tmpl}
	}

	return &Channel{
		config:     cfg,
		bindings:   bindings,
		ledger:     messenger.NewLedger(cfg.Name, store),
		limiter:    ratelimit.NewLimiter(cfg.RateLimit),
		logger:     logger.With(slog.String("channel", cfg.Name)),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		ctx:        context.Background(),
	}, nil
}

func (c *Channel) Name() string { return c.config.Name }

// Path is where the interactive endpoint expects Slack's POSTs.
func (c *Channel) Path() string { return c.config.Path }

func (c *Channel) IsBound(topic string) bool {
	_, ok := c.bindings[topic]
	return ok
}

func (c *Channel) Approvals() *pubsub.Topic[messenger.Vote] { return &c.approvals }

func (c *Channel) Refusals() *pubsub.Topic[messenger.Vote] { return &c.refusals }

// Start serves the interactive endpoint on ListenAddr when configured.
// Otherwise the caller mounts Handler on its own server.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = context.WithoutCancel(ctx)
	if c.config.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+c.config.Path, c.Handler())
	ln, err := net.Listen("tcp", c.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("slack channel %s: %w", c.config.Name, err)
	}
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	c.logger.Info("slack channel listening", slog.String("addr", ln.Addr().String()))
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("slack interactive server failed", slog.String("error", err.Error()))
		}
	}(c.server)
	return nil
}

// Stop shuts down the interactive server if Start created one.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server = nil
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	c.logger.Info("slack channel stopping")
	return srv.Shutdown(ctx)
}

// --- Approvement messages ---

// messageRef identifies a posted message. Its JSON encoding is the token.
type messageRef struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

func (r messageRef) token() messenger.Token {
	b, _ := json.Marshal(r)
	return messenger.Token(b)
}

func parseToken(tok messenger.Token) (messageRef, error) {
	var r messageRef
	if err := json.Unmarshal([]byte(tok), &r); err != nil {
		return r, fmt.Errorf("invalid slack token %q: %w", tok, err)
	}
	return r, nil
}

func section(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func button(text, actionID, value, style string) map[string]any {
	return map[string]any{
		"type":      "button",
		"text":      map[string]any{"type": "plain_text", "text": text},
		"action_id": actionID,
		"value":     value,
		"style":     style,
	}
}

// voteBlocks renders the content with the approve/refuse buttons.
func voteBlocks(content string, a domain.Approvement) []map[string]any {
	return []map[string]any{
		section(content),
		{
			"type":     "actions",
			"block_id": "quorum_vote",
			"elements": []map[string]any{
				button(fmt.Sprintf("Approve (%d/%d)", len(a.ApprovedBy), a.Topic.RequireVotes), "approve", valueApprove, "primary"),
				button("Refuse", "refuse", valueRefuse, "danger"),
			},
		},
	}
}

// Register renders the binding template and posts it with vote buttons.
func (c *Channel) Register(ctx context.Context, a domain.Approvement, data map[string]any) (messenger.Token, error) {
	b, ok := c.bindings[a.Topic.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", messenger.ErrNotBound, a.Topic.Name)
	}
	content, err := b.tmpl.Render(data)
	if err != nil {
		return "", err
	}
	if err := c.ledger.Reserve(a.ID, a.Topic.Name, content); err != nil {
		return "", err
	}

	ref, err := c.postMessage(ctx, "chat.postMessage", map[string]any{
		"channel": b.ChannelID,
		"text":    content,
		"blocks":  voteBlocks(content, a),
	})
	if err != nil {
		if rerr := c.ledger.Release(a.ID); rerr != nil {
			c.logger.Warn("releasing approvement record", slog.String("error", rerr.Error()))
		}
		return "", err
	}

	tok := ref.token()
	if err := c.ledger.Bind(a.ID, tok); err != nil {
		return "", err
	}
	return tok, nil
}

// Update refreshes the approve button with the current count.
func (c *Channel) Update(ctx context.Context, a domain.Approvement, tok messenger.Token) error {
	ref, err := parseToken(tok)
	if err != nil {
		return err
	}
	content, err := c.ledger.Content(a.ID)
	if err != nil {
		return fmt.Errorf("loading content of approvement %s: %w", a.ID, err)
	}
	_, err = c.postMessage(ctx, "chat.update", map[string]any{
		"channel": ref.Channel,
		"ts":      ref.TS,
		"text":    content,
		"blocks":  voteBlocks(content, a),
	})
	return err
}

func (c *Channel) CloseApproved(ctx context.Context, a domain.Approvement, tok messenger.Token) error {
	return c.close(ctx, a, tok, "_Approved by:_ "+messenger.Mentions(a.ApprovedBy))
}

func (c *Channel) CloseRefused(ctx context.Context, a domain.Approvement, tok messenger.Token) error {
	line := "_Refused by:_"
	if a.RefusedBy != nil {
		line += " " + messenger.Mention(a.RefusedBy)
	}
	return c.close(ctx, a, tok, line)
}

func (c *Channel) CloseExpired(ctx context.Context, a domain.Approvement, tok messenger.Token) error {
	return c.close(ctx, a, tok, "_Expired_")
}

func (c *Channel) close(ctx context.Context, a domain.Approvement, tok messenger.Token, line string) error {
	ref, err := parseToken(tok)
	if err != nil {
		return err
	}
	content, err := c.ledger.Content(a.ID)
	if err != nil {
		return fmt.Errorf("loading content of approvement %s: %w", a.ID, err)
	}
	text := messenger.WithAuditLine(content, line)
	_, err = c.postMessage(ctx, "chat.update", map[string]any{
		"channel": ref.Channel,
		"ts":      ref.TS,
		"text":    text,
		"blocks":  []map[string]any{section(text)},
	})
	return err
}

func (c *Channel) Forget(_ context.Context, approvementID string) error {
	return c.ledger.Forget(approvementID)
}

// --- Interactive endpoint ---

// Handler returns the signed interactive endpoint.
func (c *Channel) Handler() http.Handler {
	return http.HandlerFunc(c.handleInteraction)
}

func (c *Channel) handleInteraction(w http.ResponseWriter, r *http.Request) {
	body, err := c.readAndVerify(r)
	if err != nil {
		c.logger.Warn("slack interaction signature failed", slog.String("error", err.Error()))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Slack sends interactive payloads as form-encoded with a "payload" field.
	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var payload interactionPayload
	if err := json.Unmarshal([]byte(values.Get("payload")), &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if payload.Type != "block_actions" || len(payload.Actions) == 0 {
		c.logger.Debug("ignoring slack interaction", slog.String("type", payload.Type))
		w.WriteHeader(http.StatusOK)
		return
	}

	ref := messageRef{Channel: payload.Channel.ID, TS: payload.Container.MessageTS}
	if ref.Channel == "" {
		ref.Channel = payload.Container.ChannelID
	}
	if ref.TS == "" {
		ref.TS = payload.Message.TS
	}
	tok := ref.token()
	id, ok := c.ledger.Resolve(tok)
	if !ok {
		c.logger.Debug("interaction for unknown message", slog.String("token", string(tok)))
		w.WriteHeader(http.StatusOK)
		return
	}

	topic, err := c.ledger.Topic(id)
	if err != nil {
		c.logger.Warn("loading approvement topic", slog.String("approvement_id", id), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)
		return
	}
	if b, ok := c.bindings[topic]; ok && !messenger.Allowed(b.Approvers, payload.User.Username) {
		writeSlackResponse(w, "You are not authorized to vote on this approvement.")
		return
	}
	if err := c.limiter.Allow(payload.User.ID); err != nil {
		writeSlackResponse(w, "Rate limit exceeded. Please wait before trying again.")
		return
	}

	vote := messenger.Vote{
		Channel:       c.config.Name,
		ApprovementID: id,
		Approver: domain.SlackApprover{
			UserID:      payload.User.ID,
			Username:    payload.User.Username,
			ChannelID:   ref.Channel,
			ChannelName: payload.Channel.Name,
			MessageTS:   ref.TS,
		},
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	action := payload.Actions[0]
	switch action.Value {
	case valueApprove:
		err = c.approvals.Publish(ctx, vote)
	case valueRefuse:
		err = c.refusals.Publish(ctx, vote)
	default:
		err = fmt.Errorf("unexpected action value %q", action.Value)
	}
	if err != nil {
		c.logger.Warn("slack vote failed",
			slog.String("approvement_id", id),
			slog.String("error", err.Error()),
		)
	}
	w.WriteHeader(http.StatusOK)
}

// readAndVerify reads the request body and verifies the Slack HMAC-SHA256 signature.
func (c *Channel) readAndVerify(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSlackRequestSize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	defer r.Body.Close()

	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if timestamp == "" || signature == "" {
		return nil, fmt.Errorf("missing signature headers")
	}

	ts, err := parseUnixTimestamp(timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	if age := c.now().Sub(ts); age > signatureMaxAge || age < -signatureMaxAge {
		return nil, fmt.Errorf("request timestamp outside replay window (%v)", age)
	}

	if !hmac.Equal([]byte(Sign(c.config.SigningSecret, timestamp, body)), []byte(signature)) {
		return nil, fmt.Errorf("signature mismatch")
	}
	return body, nil
}

// Sign computes the v0 signature Slack sends in X-Slack-Signature.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// --- Slack API ---

// APIError is a Slack Web API reply with ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s failed: %s", e.Method, e.Code)
}

func (c *Channel) postMessage(ctx context.Context, method string, message map[string]any) (messageRef, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return messageRef{}, fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.apiURL()+"/"+method, bytes.NewReader(body))
	if err != nil {
		return messageRef{}, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.config.BotToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return messageRef{}, fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSlackRequestSize)).Decode(&result); err != nil {
		return messageRef{}, fmt.Errorf("decoding slack %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !result.OK {
		return messageRef{}, &APIError{Method: method, Code: result.Error}
	}
	return messageRef{Channel: result.Channel, TS: result.TS}, nil
}

// --- Types ---

type interactionPayload struct {
	Type      string              `json:"type"`
	User      slackUser           `json:"user"`
	Channel   slackChannel        `json:"channel"`
	Container container           `json:"container"`
	Message   slackMessage        `json:"message"`
	Actions   []interactionAction `json:"actions"`
}

type interactionAction struct {
	ActionID string `json:"action_id"`
	Value    string `json:"value"`
}

type slackUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type slackChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type container struct {
	MessageTS string `json:"message_ts"`
	ChannelID string `json:"channel_id"`
}

type slackMessage struct {
	TS string `json:"ts"`
}

// --- Helpers ---

func writeSlackResponse(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"response_type": "ephemeral",
		"text":          text,
	})
}

func parseUnixTimestamp(s string) (time.Time, error) {
	var ts int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return time.Time{}, fmt.Errorf("non-numeric timestamp: %q", s)
		}
		if ts > (math.MaxInt64-9)/10 {
			return time.Time{}, fmt.Errorf("timestamp overflow: %q", s)
		}
		ts = ts*10 + int64(c-'0')
	}
	return time.Unix(ts, 0), nil
}
