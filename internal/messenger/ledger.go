package messenger

import (
	"errors"
	"fmt"

	"github.com/jkaninda/quorum/internal/kvstore"
)

// Ledger keeps one channel's correlation records in a shared kvstore:
// the rendered message content, the topic, and the token <-> approvement
// id mapping in both directions. Keys are namespaced by channel name.
type Ledger struct {
	name  string
	store *kvstore.Store
}

// NewLedger returns a ledger for the channel called name.
func NewLedger(name string, store *kvstore.Store) *Ledger {
	return &Ledger{name: name, store: store}
}

func (l *Ledger) contentKey(id string) string {
	return fmt.Sprintf("%s:messageContent_by_approvementId(%s)", l.name, id)
}

func (l *Ledger) topicKey(id string) string {
	return fmt.Sprintf("%s:topic_by_approvementId(%s)", l.name, id)
}

func (l *Ledger) tokenKey(id string) string {
	return fmt.Sprintf("%s:approvementMessageToken_by_approvementId(%s)", l.name, id)
}

func (l *Ledger) idKey(tok Token) string {
	return fmt.Sprintf("%s:approvementId_by_approvementMessageToken(%s)", l.name, tok)
}

// Reserve records the rendered content for a new approvement. It fails
// with ErrDuplicateApprovement when content already exists for id.
func (l *Ledger) Reserve(id, topic, content string) error {
	return l.store.Update(func(tx *kvstore.Tx) error {
		_, exists, err := tx.Find(l.contentKey(id))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrDuplicateApprovement, id)
		}
		if _, _, err := tx.Set(l.contentKey(id), content); err != nil {
			return err
		}
		_, _, err = tx.Set(l.topicKey(id), topic)
		return err
	})
}

// Release undoes Reserve after a failed post.
func (l *Ledger) Release(id string) error {
	return l.store.Update(func(tx *kvstore.Tx) error {
		if _, _, err := tx.Delete(l.contentKey(id)); err != nil {
			return err
		}
		_, _, err := tx.Delete(l.topicKey(id))
		return err
	})
}

// Bind stores the token of the posted message for id.
func (l *Ledger) Bind(id string, tok Token) error {
	return l.store.Update(func(tx *kvstore.Tx) error {
		if _, _, err := tx.Set(l.tokenKey(id), string(tok)); err != nil {
			return err
		}
		_, _, err := tx.Set(l.idKey(tok), id)
		return err
	})
}

// Content returns the rendered message content stored for id.
func (l *Ledger) Content(id string) (string, error) {
	return l.store.Get(l.contentKey(id))
}

// Topic returns the topic name stored for id.
func (l *Ledger) Topic(id string) (string, error) {
	return l.store.Get(l.topicKey(id))
}

// Token returns the message token stored for id.
func (l *Ledger) Token(id string) (Token, error) {
	v, err := l.store.Get(l.tokenKey(id))
	return Token(v), err
}

// Resolve maps a message token back to its approvement id.
func (l *Ledger) Resolve(tok Token) (string, bool) {
	return l.store.Find(l.idKey(tok))
}

// Forget deletes every record kept for id.
func (l *Ledger) Forget(id string) error {
	return l.store.Update(func(tx *kvstore.Tx) error {
		tok, ok, err := tx.Find(l.tokenKey(id))
		if err != nil {
			return err
		}
		if ok {
			if _, _, err := tx.Delete(l.idKey(Token(tok))); err != nil {
				return err
			}
		}
		for _, key := range []string{l.contentKey(id), l.topicKey(id), l.tokenKey(id)} {
			if _, _, err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// IsMissing reports whether err means a ledger record does not exist.
func IsMissing(err error) bool {
	return errors.Is(err, kvstore.ErrNoSuchKey)
}
