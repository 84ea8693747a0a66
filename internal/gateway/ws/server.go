// Package ws streams approvement status changes to WebSocket clients.
// Every snapshot published by the engine is sent as one JSON text message;
// clients may narrow the stream to a single topic with ?topic=name.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/pubsub"
)

const (
	defaultBufferSize   = 16
	defaultWriteTimeout = 10 * time.Second
)

// Config configures the status stream.
type Config struct {
	BufferSize   int           // Messages queued per client before it is dropped. 0 = 16.
	WriteTimeout time.Duration // 0 = 10s.
}

// Message is the JSON form of one status change.
type Message struct {
	ApprovementID string            `json:"approvementId"`
	Topic         string            `json:"topic"`
	RequireVotes  int               `json:"requireVotes"`
	ExpireAt      time.Time         `json:"expireAt"`
	Status        string            `json:"status"`
	ApprovedBy    []domain.Approver `json:"approvedBy"`
	RefuseBy      domain.Approver   `json:"refuseBy"`
}

func newMessage(s domain.Snapshot) Message {
	approvedBy := s.ApprovedBy
	if approvedBy == nil {
		approvedBy = []domain.Approver{}
	}
	return Message{
		ApprovementID: s.ID,
		Topic:         s.Topic.Name,
		RequireVotes:  s.Topic.RequireVotes,
		ExpireAt:      s.ExpireAt.UTC(),
		Status:        s.Status.String(),
		ApprovedBy:    approvedBy,
		RefuseBy:      s.RefusedBy,
	}
}

// client is one connected subscriber.
type client struct {
	topic    string // Empty = every topic.
	send     chan []byte
	overflow chan struct{}
	once     sync.Once
}

func (c *client) drop() {
	c.once.Do(func() { close(c.overflow) })
}

// Server fans engine snapshots out to WebSocket clients.
type Server struct {
	changes *pubsub.Topic[domain.Snapshot]
	cfg     Config
	logger  *slog.Logger

	mu          sync.Mutex
	clients     map[*client]struct{}
	unsubscribe func()
	done        chan struct{}
	stopOnce    sync.Once
}

// NewServer creates a status stream over changes.
func NewServer(changes *pubsub.Topic[domain.Snapshot], cfg Config, logger *slog.Logger) *Server {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Server{
		changes: changes,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

// Start subscribes to status changes and blocks until ctx is canceled or
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.unsubscribe == nil {
		s.unsubscribe = s.changes.Subscribe(s.broadcast)
	}
	s.mu.Unlock()

	s.logger.Info("websocket status stream started")
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	return nil
}

// Stop unsubscribes from the engine and disconnects every client.
func (s *Server) Stop(_ context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.unsubscribe != nil {
			s.unsubscribe()
			s.unsubscribe = nil
		}
		s.mu.Unlock()
		close(s.done)
		s.logger.Info("websocket status stream stopped")
	})
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// broadcast queues snap for every interested client. A client whose queue
// is full is dropped rather than slowing the engine down.
func (s *Server) broadcast(_ context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(newMessage(snap))
	if err != nil {
		s.logger.Error("encoding status message",
			slog.String("approvement_id", snap.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.topic != "" && c.topic != snap.Topic.Name {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(s.clients, c)
			c.drop()
			s.logger.Warn("websocket client too slow, dropping", slog.String("topic_filter", c.topic))
		}
	}
	return nil
}

func (s *Server) add(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		topic:    r.URL.Query().Get("topic"),
		send:     make(chan []byte, s.cfg.BufferSize),
		overflow: make(chan struct{}),
	}
	s.add(c)
	defer s.remove(c)

	s.logger.Debug("websocket client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("topic_filter", c.topic),
	)
	s.serve(r.Context(), conn, c)
}

// serve writes queued messages until the client leaves, is dropped or the
// server stops. Incoming data messages are ignored.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, c *client) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-c.overflow:
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case data := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
