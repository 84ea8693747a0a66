// Package telegram implements an approvement channel on the Telegram Bot
// API. Approvements are posted as HTML messages with an inline keyboard;
// votes arrive as callback queries read by long polling getUpdates.
//
// Security:
//   - Bot token from TELEGRAM_BOT_TOKEN env var, never logged
//   - Optional per-binding approver allowlist (Telegram usernames)
//   - Per-user rate limiting on button presses
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
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
	defaultAPIURL      = "https://api.telegram.org"
	defaultPollTimeout = 16 * time.Second
	maxUpdatesPerPoll  = 100
	maxResponseSize    = 16 << 20 // Fits a full batch of maximum length messages.
	maxRetryBackoff    = 30 * time.Second

	dataApprove = "Y"
	dataRefuse  = "N"
)

// Binding posts approvements of Topic to the chat ChatID.
type Binding struct {
	Topic     string
	ChatID    int64
	Template  string   // html/template source; values are HTML-escaped.
	Approvers []string // Telegram usernames allowed to vote. Empty = anyone in the chat.
}

// Config configures a Telegram channel.
type Config struct {
	Name         string
	BotToken     string        // From TELEGRAM_BOT_TOKEN env var.
	APIURL       string        // Default https://api.telegram.org.
	PollInterval time.Duration // Pause between getUpdates batches, clamped to [240ms, 60s].
	PollTimeout  time.Duration // Long poll timeout. 0 = 16s.
	Bindings     []Binding
	RateLimit    ratelimit.Config
}

func (c Config) pollTimeout() time.Duration {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return defaultPollTimeout
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

// Channel is the Telegram approvement channel.
type Channel struct {
	config     Config
	bindings   map[string]binding
	ledger     *messenger.Ledger
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	httpClient *http.Client

	approvals pubsub.Topic[messenger.Vote]
	refusals  pubsub.Topic[messenger.Vote]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Telegram channel. Correlation records are kept in store.
func New(cfg Config, store *kvstore.Store, logger *slog.Logger) (*Channel, error) {
	if cfg.Name == "" {
		cfg.Name = "telegram"
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram channel %s: bot token is required", cfg.Name)
	}
	cfg.PollInterval = messenger.ClampPollInterval(cfg.PollInterval)

	bindings := make(map[string]binding, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		if _, dup := bindings[b.Topic]; dup {
			return nil, fmt.Errorf("telegram channel %s: topic %s bound twice", cfg.Name, b.Topic)
		}
		tmpl, err := messenger.ParseHTMLTemplate(cfg.Name+"/"+b.Topic, b.Template)
		if err != nil {
			return nil, err
		}
		bindings[b.Topic] = binding{Binding: b, tmpl: tmpl}
	}

	return &Channel{
		config:   cfg,
		bindings: bindings,
		ledger:   messenger.NewLedger(cfg.Name, store),
		limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		logger:   logger.With(slog.String("channel", cfg.Name)),
		httpClient: &http.Client{
			Timeout: cfg.pollTimeout() + 10*time.Second,
		},
	}, nil
}

func (c *Channel) Name() string { return c.config.Name }

func (c *Channel) IsBound(topic string) bool {
	_, ok := c.bindings[topic]
	return ok
}

func (c *Channel) Approvals() *pubsub.Topic[messenger.Vote] { return &c.approvals }

func (c *Channel) Refusals() *pubsub.Topic[messenger.Vote] { return &c.refusals }

// Start launches the long polling loop and returns immediately.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("telegram channel %s already started", c.config.Name)
	}
	ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.done = make(chan struct{})
	go c.poll(ctx, c.done)
	return nil
}

// Stop ends the polling loop and waits for it, bounded by ctx.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	c.logger.Info("telegram channel stopping poller")
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Approvement messages ---

// messageRef identifies a posted message. Its JSON encoding is the token.
type messageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

func (r messageRef) token() messenger.Token {
	b, _ := json.Marshal(r)
	return messenger.Token(b)
}

func parseToken(tok messenger.Token) (messageRef, error) {
	var r messageRef
	if err := json.Unmarshal([]byte(tok), &r); err != nil {
		return r, fmt.Errorf("invalid telegram token %q: %w", tok, err)
	}
	return r, nil
}

func keyboard(a domain.Approvement) InlineKeyboardMarkup {
	return InlineKeyboardMarkup{
		InlineKeyboard: [][]InlineKeyboardButton{{
			{Text: fmt.Sprintf("Approve (%d/%d)", len(a.ApprovedBy), a.Topic.RequireVotes), CallbackData: dataApprove},
			{Text: "Refuse", CallbackData: dataRefuse},
		}},
	}
}

// Register renders the binding template and posts it silently with the
// vote keyboard.
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

	var msg Message
	err = c.callAPI(ctx, "sendMessage", map[string]any{
		"chat_id":              b.ChatID,
		"text":                 content,
		"parse_mode":           "HTML",
		"disable_notification": true,
		"reply_markup":         keyboard(a),
	}, &msg)
	if err != nil {
		if rerr := c.ledger.Release(a.ID); rerr != nil {
			c.logger.Warn("releasing approvement record", slog.String("error", rerr.Error()))
		}
		return "", err
	}

	tok := messageRef{ChatID: msg.Chat.ID, MessageID: msg.MessageID}.token()
	if err := c.ledger.Bind(a.ID, tok); err != nil {
		return "", err
	}
	c.logger.Debug("approvement posted",
		slog.String("approvement_id", a.ID),
		slog.Int64("chat_id", msg.Chat.ID),
		slog.Int64("message_id", msg.MessageID),
	)
	return tok, nil
}

// Update refreshes the approve button with the current count.
func (c *Channel) Update(ctx context.Context, a domain.Approvement, tok messenger.Token) error {
	ref, err := parseToken(tok)
	if err != nil {
		return err
	}
	return c.callAPI(ctx, "editMessageReplyMarkup", map[string]any{
		"chat_id":      ref.ChatID,
		"message_id":   ref.MessageID,
		"reply_markup": keyboard(a),
	}, nil)
}

func (c *Channel) CloseApproved(ctx context.Context, a domain.Approvement, tok messenger.Token) error {
	return c.close(ctx, a, tok, "<i>Approved by: </i>"+messenger.Mentions(a.ApprovedBy))
}

func (c *Channel) CloseRefused(ctx context.Context, a domain.Approvement, tok messenger.Token) error {
	line := "<i>Refused by: </i>"
	if a.RefusedBy != nil {
		line += messenger.Mention(a.RefusedBy)
	}
	return c.close(ctx, a, tok, line)
}

func (c *Channel) CloseExpired(ctx context.Context, a domain.Approvement, tok messenger.Token) error {
	return c.close(ctx, a, tok, "<i>Expired</i>")
}

// close replaces the message with its content plus an audit line. Leaving
// out reply_markup removes the keyboard.
func (c *Channel) close(ctx context.Context, a domain.Approvement, tok messenger.Token, line string) error {
	ref, err := parseToken(tok)
	if err != nil {
		return err
	}
	content, err := c.ledger.Content(a.ID)
	if err != nil {
		return fmt.Errorf("loading content of approvement %s: %w", a.ID, err)
	}
	return c.callAPI(ctx, "editMessageText", map[string]any{
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
		"text":       messenger.WithAuditLine(content, line),
		"parse_mode": "HTML",
	}, nil)
}

func (c *Channel) Forget(_ context.Context, approvementID string) error {
	return c.ledger.Forget(approvementID)
}

// --- Long Polling ---

func (c *Channel) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	c.logger.Info("telegram channel starting long polling",
		slog.Duration("timeout", c.config.pollTimeout()),
		slog.Duration("interval", c.config.PollInterval),
	)

	var cursor int64
	backoff := time.Second
	for {
		updates, err := c.getUpdates(ctx, cursor+1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("telegram getUpdates failed", slog.String("error", err.Error()))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxRetryBackoff)
			continue
		}
		backoff = time.Second

		for i := range updates {
			c.processUpdate(ctx, &updates[i])
			cursor = max(cursor, updates[i].UpdateID)
		}
		if !sleep(ctx, c.config.PollInterval) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Channel) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	var raw []json.RawMessage
	err := c.callAPI(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           maxUpdatesPerPoll,
		"timeout":         int(c.config.pollTimeout() / time.Second),
		"allowed_updates": []string{"callback_query"},
	}, &raw)
	if err != nil {
		return nil, err
	}
	return c.decodeUpdates(raw), nil
}

// decodeUpdates decodes each update on its own. An update that does not
// decode keeps only its id, so the cursor still moves past it.
func (c *Channel) decodeUpdates(raw []json.RawMessage) []Update {
	updates := make([]Update, 0, len(raw))
	for _, r := range raw {
		var u Update
		if err := json.Unmarshal(r, &u); err != nil {
			var id struct {
				UpdateID int64 `json:"update_id"`
			}
			_ = json.Unmarshal(r, &id)
			c.logger.Warn("skipping malformed telegram update",
				slog.Int64("update_id", id.UpdateID),
				slog.String("error", err.Error()),
			)
			u = Update{UpdateID: id.UpdateID}
		}
		updates = append(updates, u)
	}
	return updates
}

func (c *Channel) processUpdate(ctx context.Context, u *Update) {
	if u.CallbackQuery == nil {
		c.logger.Debug("ignoring non-callback update", slog.Int64("update_id", u.UpdateID))
		return
	}
	if err := c.handleCallback(ctx, u.CallbackQuery); err != nil {
		c.logger.Warn("telegram callback failed",
			slog.Int64("update_id", u.UpdateID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Channel) handleCallback(ctx context.Context, cb *CallbackQuery) error {
	if cb.From == nil || cb.Message == nil {
		return fmt.Errorf("callback query %s without sender or message", cb.ID)
	}

	tok := messageRef{ChatID: cb.Message.Chat.ID, MessageID: cb.Message.MessageID}.token()
	id, ok := c.ledger.Resolve(tok)
	if !ok {
		c.logger.Debug("callback for unknown message", slog.String("token", string(tok)))
		c.answerCallback(ctx, cb.ID, "")
		return nil
	}
	topic, err := c.ledger.Topic(id)
	if err != nil {
		return fmt.Errorf("loading topic of approvement %s: %w", id, err)
	}
	if b, ok := c.bindings[topic]; ok && !messenger.Allowed(b.Approvers, cb.From.Username) {
		c.answerCallback(ctx, cb.ID, "Not authorized.")
		return nil
	}
	if err := c.limiter.Allow(strconv.FormatInt(cb.From.ID, 10)); err != nil {
		c.answerCallback(ctx, cb.ID, "Too many requests, try again later.")
		return nil
	}

	vote := messenger.Vote{
		Channel:       c.config.Name,
		ApprovementID: id,
		Approver: domain.TelegramApprover{
			UserID:    cb.From.ID,
			Username:  cb.From.Username,
			ChatID:    cb.Message.Chat.ID,
			ChatTitle: cb.Message.Chat.Title,
			ChatType:  cb.Message.Chat.Type,
			MessageID: cb.Message.MessageID,
			CreatedAt: time.Unix(cb.Message.Date, 0).UTC(),
		},
	}

	var topicErr error
	switch cb.Data {
	case dataApprove:
		topicErr = c.approvals.Publish(ctx, vote)
	case dataRefuse:
		topicErr = c.refusals.Publish(ctx, vote)
	default:
		c.answerCallback(ctx, cb.ID, "")
		return fmt.Errorf("unexpected callback data %q", cb.Data)
	}
	c.answerCallback(ctx, cb.ID, "")
	return topicErr
}

// --- Telegram API ---

func (c *Channel) answerCallback(ctx context.Context, callbackID, text string) {
	err := c.callAPI(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
	if err != nil {
		c.logger.Debug("answerCallbackQuery failed", slog.String("error", err.Error()))
	}
}

// APIError is a Telegram API reply with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.Code, e.Description)
}

// callAPI posts params as JSON and decodes the result field into out
// when out is non-nil.
func (c *Channel) callAPI(ctx context.Context, method string, params map[string]any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL embeds the bot token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&result); err != nil {
		return fmt.Errorf("decoding telegram %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !result.OK {
		code := result.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: result.Description}
	}
	if out != nil {
		if err := json.Unmarshal(result.Result, out); err != nil {
			return fmt.Errorf("decoding telegram %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Channel) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.config.apiURL(), c.config.BotToken, method)
}

// --- Types ---

// Update represents a Telegram Bot API update.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message represents a Telegram message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

// CallbackQuery represents an inline keyboard button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data"`
}

// User represents a Telegram user.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat represents a Telegram chat.
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// InlineKeyboardMarkup represents inline keyboard buttons.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton represents a single inline keyboard button.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}
