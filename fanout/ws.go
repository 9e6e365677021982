package fanout

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"leaseflow/address"
	"leaseflow/ledger"
)

const (
	DefaultHeartbeat = 30 * time.Second
	writeTimeout     = 5 * time.Second
)

// TokenVerifier resolves a bearer token to the party that holds it.
type TokenVerifier interface {
	Verify(token string) (address.Address, error)
}

// inbound is any client message; fields are read by type.
type inbound struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Resource string `json:"resource,omitempty"`
	ID       string `json:"id,omitempty"`
}

// Server exposes the hub over websockets.
type Server struct {
	hub       *Hub
	verifier  TokenVerifier
	heartbeat time.Duration
	origins   []string
	logger    *slog.Logger
}

func NewServer(hub *Hub, verifier TokenVerifier) *Server {
	return &Server{
		hub:       hub,
		verifier:  verifier,
		heartbeat: DefaultHeartbeat,
		logger:    slog.Default().With("component", "fanout_ws"),
	}
}

func (s *Server) WithHeartbeat(d time.Duration) *Server {
	if d > 0 {
		s.heartbeat = d
	}
	return s
}

// WithOrigins sets the accepted Origin patterns for cross-origin clients.
func (s *Server) WithOrigins(patterns []string) *Server {
	s.origins = patterns
	return s
}

func (s *Server) WithLogger(logger *slog.Logger) *Server {
	if logger != nil {
		s.logger = logger.With("component", "fanout_ws")
	}
	return s
}

// RunHeartbeat ticks the hub's heartbeat until ctx is cancelled.
func (s *Server) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Heartbeat()
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := s.hub.Connect()
	defer s.hub.Disconnect(client)

	go s.pinger(ctx, conn, client)
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(ctx, conn, client) }()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-client.Done():
			_ = conn.Close(websocket.StatusPolicyViolation, "heartbeat missed")
			return
		case err := <-readErr:
			if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("read loop ended", "client", client.ID, "error", err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-client.Events():
			for _, evt := range client.Drain() {
				if err := s.write(ctx, conn, evt); err != nil {
					_ = conn.Close(websocket.StatusInternalError, "write_failed")
					return
				}
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, evt Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, evt)
}

func (s *Server) pinger(ctx context.Context, conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.heartbeat)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				s.hub.Touch(client)
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, client *Client) error {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		s.hub.Touch(client)
		if reply := s.handle(client, msg); reply != nil {
			if err := s.write(ctx, conn, *reply); err != nil {
				return err
			}
		}
	}
}

// handle applies one client message and returns the direct reply.
func (s *Server) handle(client *Client, msg inbound) *Event {
	switch msg.Type {
	case "auth":
		party, err := s.verifier.Verify(msg.Token)
		if err != nil {
			return &Event{Type: "auth_error", Data: map[string]string{"message": "invalid token"}}
		}
		if err := s.hub.Authenticate(client, party); err != nil {
			return &Event{Type: "auth_error", Data: map[string]string{"message": err.Error()}}
		}
		return &Event{Type: "auth_success", Data: map[string]string{"party": party.String()}}
	case "subscribe", "unsubscribe":
		kind := ledger.Kind(msg.Resource)
		addr, err := address.Parse(msg.ID)
		if err != nil || !kind.Valid() {
			return &Event{Type: msg.Type + "_error", ID: msg.ID, Data: map[string]string{"message": "unknown resource"}}
		}
		if msg.Type == "unsubscribe" {
			s.hub.Unsubscribe(client, kind, addr)
			return &Event{Type: "unsubscribed", ID: msg.ID, Data: map[string]string{"resource": msg.Resource}}
		}
		if err := s.hub.Subscribe(client, kind, addr); err != nil {
			return &Event{Type: "subscribe_error", ID: msg.ID, Data: map[string]string{"message": err.Error()}}
		}
		return &Event{Type: "subscribed", ID: msg.ID, Data: map[string]string{"resource": msg.Resource}}
	default:
		return &Event{Type: "error", Data: map[string]string{"message": "unknown message type"}}
	}
}
