package domain

import (
	"encoding/json"
	"time"
)

// Approver identifies who cast a vote. The set of variants is closed:
// only this package can implement it. Code that needs per-variant behavior
// implements ApproverVisitor, which fails to compile when a variant is
// added and not handled.
type Approver interface {
	// Equal reports whether other is the same variant with identical fields.
	Equal(other Approver) bool
	Accept(v ApproverVisitor)
	approver()
}

// ApproverVisitor handles every Approver variant.
type ApproverVisitor interface {
	VisitTelegram(TelegramApprover)
	VisitSlack(SlackApprover)
}

// TelegramApprover is a vote cast through a Telegram inline button.
// CreatedAt is the date of the message that carried the button, so a
// repeated click by the same user compares equal.
type TelegramApprover struct {
	UserID    int64
	Username  string
	ChatID    int64
	ChatTitle string
	ChatType  string
	MessageID int64
	CreatedAt time.Time
}

func (TelegramApprover) approver() {}

func (a TelegramApprover) Accept(v ApproverVisitor) { v.VisitTelegram(a) }

func (a TelegramApprover) Equal(other Approver) bool {
	o, ok := other.(TelegramApprover)
	if !ok {
		return false
	}
	return a.UserID == o.UserID &&
		a.Username == o.Username &&
		a.ChatID == o.ChatID &&
		a.ChatTitle == o.ChatTitle &&
		a.ChatType == o.ChatType &&
		a.MessageID == o.MessageID &&
		a.CreatedAt.Equal(o.CreatedAt)
}

func (a TelegramApprover) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Source    string    `json:"source"`
		UserID    int64     `json:"user_id"`
		Username  string    `json:"username"`
		ChatID    int64     `json:"chat_id"`
		ChatTitle string    `json:"chat_title,omitempty"`
		ChatType  string    `json:"chat_type,omitempty"`
		MessageID int64     `json:"message_id"`
		CreatedAt time.Time `json:"created_at"`
	}{"telegram", a.UserID, a.Username, a.ChatID, a.ChatTitle, a.ChatType, a.MessageID, a.CreatedAt})
}

// SlackApprover is a vote cast through a Slack Block Kit button.
type SlackApprover struct {
	UserID      string
	Username    string
	ChannelID   string
	ChannelName string
	MessageTS   string
}

func (SlackApprover) approver() {}

func (a SlackApprover) Accept(v ApproverVisitor) { v.VisitSlack(a) }

func (a SlackApprover) Equal(other Approver) bool {
	o, ok := other.(SlackApprover)
	return ok && a == o
}

func (a SlackApprover) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Source      string `json:"source"`
		UserID      string `json:"user_id"`
		Username    string `json:"username"`
		ChannelID   string `json:"channel_id"`
		ChannelName string `json:"channel_name,omitempty"`
		MessageTS   string `json:"message_ts"`
	}{"slack", a.UserID, a.Username, a.ChannelID, a.ChannelName, a.MessageTS})
}

// Source returns the channel family an approver came from.
func Source(a Approver) string {
	var s sourceVisitor
	a.Accept(&s)
	return string(s)
}

type sourceVisitor string

func (s *sourceVisitor) VisitTelegram(TelegramApprover) { *s = "telegram" }
func (s *sourceVisitor) VisitSlack(SlackApprover)       { *s = "slack" }

// DisplayName returns a human readable handle for logs and audit records.
func DisplayName(a Approver) string {
	var d displayVisitor
	a.Accept(&d)
	return string(d)
}

type displayVisitor string

func (d *displayVisitor) VisitTelegram(a TelegramApprover) { *d = displayVisitor(a.Username) }

func (d *displayVisitor) VisitSlack(a SlackApprover) {
	if a.Username != "" {
		*d = displayVisitor(a.Username)
		return
	}
	*d = displayVisitor(a.UserID)
}
