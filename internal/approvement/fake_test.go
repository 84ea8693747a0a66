package approvement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/messenger"
	"github.com/jkaninda/quorum/internal/pubsub"
)

type call struct {
	op    string
	id    string
	votes int
	token messenger.Token
}

// fakeChannel records every engine call.
type fakeChannel struct {
	name   string
	topics map[string]bool

	mu          sync.Mutex
	calls       []call
	registerErr error
	notifyErr   error
	started     bool
	stopped     bool
	forgotten   []string
	closeCtxErr []error // ctx.Err() seen by each CloseExpired.

	// When hold is set, Update signals held and blocks until hold is closed.
	hold chan struct{}
	held chan struct{}

	approvals pubsub.Topic[messenger.Vote]
	refusals  pubsub.Topic[messenger.Vote]
}

func newFakeChannel(name string, topics ...string) *fakeChannel {
	f := &fakeChannel{name: name, topics: map[string]bool{}}
	for _, t := range topics {
		f.topics[t] = true
	}
	return f
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeChannel) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeChannel) IsBound(topic string) bool { return f.topics[topic] }

func (f *fakeChannel) record(op string, a domain.Approvement, tok messenger.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, id: a.ID, votes: len(a.ApprovedBy), token: tok})
	if op == "register" {
		return f.registerErr
	}
	return f.notifyErr
}

func (f *fakeChannel) Register(_ context.Context, a domain.Approvement, _ map[string]any) (messenger.Token, error) {
	tok := messenger.Token(fmt.Sprintf("%s/%s", f.name, a.ID))
	if err := f.record("register", a, tok); err != nil {
		return "", err
	}
	return tok, nil
}

func (f *fakeChannel) Update(_ context.Context, a domain.Approvement, tok messenger.Token) error {
	if f.hold != nil {
		f.held <- struct{}{}
		<-f.hold
	}
	return f.record("update", a, tok)
}

func (f *fakeChannel) CloseApproved(_ context.Context, a domain.Approvement, tok messenger.Token) error {
	return f.record("approved", a, tok)
}

func (f *fakeChannel) CloseRefused(_ context.Context, a domain.Approvement, tok messenger.Token) error {
	return f.record("refused", a, tok)
}

func (f *fakeChannel) CloseExpired(ctx context.Context, a domain.Approvement, tok messenger.Token) error {
	f.mu.Lock()
	f.closeCtxErr = append(f.closeCtxErr, ctx.Err())
	f.mu.Unlock()
	return f.record("expired", a, tok)
}

func (f *fakeChannel) Forget(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
	return nil
}

func (f *fakeChannel) Approvals() *pubsub.Topic[messenger.Vote] { return &f.approvals }
func (f *fakeChannel) Refusals() *pubsub.Topic[messenger.Vote]  { return &f.refusals }

func (f *fakeChannel) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.op
	}
	return out
}

func (f *fakeChannel) count(op string) int {
	n := 0
	for _, o := range f.ops() {
		if o == op {
			n++
		}
	}
	return n
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memRecorder collects recorded outcomes.
type memRecorder struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
}

func (r *memRecorder) Record(_ context.Context, s domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *memRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func tgUser(id int64, name string) domain.TelegramApprover {
	return domain.TelegramApprover{UserID: id, Username: name, ChatID: -100, ChatType: "group"}
}
