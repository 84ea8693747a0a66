package messenger

import (
	"html"
	"strings"

	"github.com/jkaninda/quorum/internal/domain"
)

// Mention renders an approver the way its channel family addresses users.
func Mention(a domain.Approver) string {
	var m mentionVisitor
	a.Accept(&m)
	return string(m)
}

// Mentions joins the mentions of approvers with single spaces.
func Mentions(approvers []domain.Approver) string {
	parts := make([]string, 0, len(approvers))
	for _, a := range approvers {
		parts = append(parts, Mention(a))
	}
	return strings.Join(parts, " ")
}

type mentionVisitor string

func (m *mentionVisitor) VisitTelegram(a domain.TelegramApprover) {
	*m = mentionVisitor("@" + html.EscapeString(a.Username))
}

func (m *mentionVisitor) VisitSlack(a domain.SlackApprover) {
	*m = mentionVisitor("<@" + a.UserID + ">")
}

// WithAuditLine appends line to content, inserting a newline only when
// content does not already end with one.
func WithAuditLine(content, line string) string {
	if content == "" || strings.HasSuffix(content, "\n") {
		return content + line
	}
	return content + "\n" + line
}
