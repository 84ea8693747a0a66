package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/quorum/internal/approvement"
	"github.com/jkaninda/quorum/internal/domain"
)

type fakeEngine struct {
	lastData  map[string]any
	createErr error
}

func (f *fakeEngine) Topics() []domain.Topic {
	return []domain.Topic{{Name: "deploy", Description: "Production deploys", RequireVotes: 2, ExpireTimeout: 90 * time.Second}}
}

func (f *fakeEngine) Create(_ context.Context, topic string, data map[string]any) (domain.Snapshot, error) {
	if f.createErr != nil {
		return domain.Snapshot{}, f.createErr
	}
	if topic != "deploy" {
		return domain.Snapshot{}, approvement.ErrUnknownTopic
	}
	f.lastData = data
	return domain.Snapshot{Approvement: domain.Approvement{ID: "ap-1"}}, nil
}

func (f *fakeEngine) Get(_ context.Context, topic, id string) (domain.Snapshot, error) {
	if id != "ap-1" {
		return domain.Snapshot{}, approvement.ErrNoSuchApprovement
	}
	return domain.Snapshot{
		Approvement: domain.Approvement{
			ID:        id,
			Topic:     f.Topics()[0],
			RefusedBy: domain.TelegramApprover{UserID: 7, Username: "carol"},
		},
		Status: domain.StatusRefused,
	}, nil
}

func newTestServer(e *fakeEngine) *Server {
	return New(e, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func call(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content items = %d", len(res.Content))
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is not text: %#v", res.Content[0])
	}
	return tc.Text
}

func TestServer_ListTopics(t *testing.T) {
	s := newTestServer(&fakeEngine{})
	res, err := s.listTopics(context.Background(), call(nil))
	if err != nil {
		t.Fatal(err)
	}
	var topics []topicResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &topics); err != nil {
		t.Fatal(err)
	}
	if len(topics) != 1 || topics[0].ExpireTimeout != 90 || topics[0].RequireVotes != 2 {
		t.Errorf("topics = %+v", topics)
	}
}

func TestServer_CreateApprovement(t *testing.T) {
	e := &fakeEngine{}
	s := newTestServer(e)

	res, err := s.createApprovement(context.Background(), call(map[string]any{
		"topic": "deploy",
		"data":  map[string]any{"build": 1024.0, "env": "prod"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || !strings.Contains(resultText(t, res), `"ap-1"`) {
		t.Fatalf("result = %s", resultText(t, res))
	}
	if n, ok := e.lastData["build"].(json.Number); !ok || n.String() != "1024" {
		t.Errorf("build = %#v", e.lastData["build"])
	}

	res, _ = s.createApprovement(context.Background(), call(map[string]any{"topic": "deploy", "data": `{"env":"staging"}`}))
	if res.IsError || e.lastData["env"] != "staging" {
		t.Errorf("string data: %v %v", res.IsError, e.lastData)
	}
}

func TestServer_CreateApprovementErrors(t *testing.T) {
	e := &fakeEngine{}
	s := newTestServer(e)
	ctx := context.Background()

	if res, _ := s.createApprovement(ctx, call(map[string]any{})); !res.IsError {
		t.Error("missing topic should be a tool error")
	}
	if res, _ := s.createApprovement(ctx, call(map[string]any{"topic": "deploy", "data": []any{1}})); !res.IsError {
		t.Error("array data should be a tool error")
	}
	if res, _ := s.createApprovement(ctx, call(map[string]any{"topic": "nope"})); !res.IsError {
		t.Error("unknown topic should be a tool error")
	}

	e.createErr = errors.New("dial tcp 10.0.0.7:443: refused")
	res, _ := s.createApprovement(ctx, call(map[string]any{"topic": "deploy"}))
	if !res.IsError || strings.Contains(resultText(t, res), "10.0.0.7") {
		t.Errorf("internal error result = %s", resultText(t, res))
	}
}

func TestServer_GetApprovement(t *testing.T) {
	s := newTestServer(&fakeEngine{})
	ctx := context.Background()

	res, err := s.getApprovement(ctx, call(map[string]any{"topic": "deploy", "approvement_id": "ap-1"}))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "REFUSED" {
		t.Errorf("status = %v", got["status"])
	}
	refuser, _ := got["refuseBy"].(map[string]any)
	if refuser["username"] != "carol" || refuser["source"] != "telegram" {
		t.Errorf("refuseBy = %v", got["refuseBy"])
	}

	if res, _ := s.getApprovement(ctx, call(map[string]any{"topic": "deploy", "approvement_id": "zzz"})); !res.IsError {
		t.Error("unknown approvement should be a tool error")
	}
	if res, _ := s.getApprovement(ctx, call(map[string]any{"topic": "deploy"})); !res.IsError {
		t.Error("missing approvement_id should be a tool error")
	}
}

func TestServer_MCPServerRegistersTools(t *testing.T) {
	srv := newTestServer(&fakeEngine{}).MCPServer()
	resp := srv.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"list_topics", "create_approvement", "get_approvement"} {
		if !strings.Contains(string(b), `"`+name+`"`) {
			t.Errorf("tool %s not listed in %s", name, b)
		}
	}
}
