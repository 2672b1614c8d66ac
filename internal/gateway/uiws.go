package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// uiFrame is one JSON message on the UI stream socket, either direction.
type uiFrame struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	Content       string          `json:"content,omitempty"`
	InputMode     string          `json:"inputMode,omitempty"`
	VoiceMetadata map[string]any  `json:"voiceMetadata,omitempty"`
}

type errorFrame struct {
	Type          string `json:"type"` // always "error"
	Code          string `json:"code"`
	Message       string `json:"message"`
	Severity      string `json:"severity"`
	RetryPossible bool   `json:"retry_possible"`
}

// wsSender adapts a UI socket to the fabric's Sender. Notification bytes
// are wrapped in the clientframe envelope; writes are serialized.
type wsSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSender) Send(ctx context.Context, payload []byte) error {
	frame, err := json.Marshal(uiFrame{Type: "notification", Data: payload})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

func (s *wsSender) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// handleUIStream serves the UI notification socket: authenticate, greet,
// register for live delivery, replay pending rows, then accept inbound
// user messages until the peer drops.
func (g *Gateway) handleUIStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if err := g.tokens.Verify(r.URL.Query().Get("token"), sessionID, "ui"); err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("ui stream accept failed", "session_id", sessionID, "err", err)
		return
	}
	ctx := r.Context()
	sender := &wsSender{conn: conn}

	if err := sender.sendJSON(ctx, map[string]string{"type": "connected"}); err != nil {
		conn.Close(websocket.StatusInternalError, "greeting failed")
		return
	}

	g.registry.Add(sessionID, sender)
	g.metrics.ConnectedClients.Add(ctx, 1)
	defer func() {
		g.registry.Remove(sessionID, sender)
		g.metrics.ConnectedClients.Add(ctx, -1)
		conn.Close(websocket.StatusNormalClosure, "session over")
	}()

	if err := g.fabric.ReplayPending(ctx, sessionID, sender); err != nil {
		slog.Warn("pending replay incomplete", "session_id", sessionID, "err", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame uiFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sender.sendJSON(ctx, errorFrame{
				Type: "error", Code: "bad_frame", Message: "invalid JSON",
				Severity: "warning", RetryPossible: true,
			})
			continue
		}
		switch frame.Type {
		case "user_message":
			if frame.Content == "" {
				sender.sendJSON(ctx, errorFrame{
					Type: "error", Code: "empty_message", Message: "content is required",
					Severity: "warning", RetryPossible: true,
				})
				continue
			}
			err := g.dispatchUserMessage(ctx, userMessageRequest{
				SessionID:     sessionID,
				Content:       frame.Content,
				InputMode:     frame.InputMode,
				VoiceMetadata: frame.VoiceMetadata,
			})
			if err != nil {
				slog.Error("user message dispatch failed", "session_id", sessionID, "err", err)
				sender.sendJSON(ctx, errorFrame{
					Type: "error", Code: "dispatch_failed", Message: "message not delivered",
					Severity: "error", RetryPossible: true,
				})
			}
		case "ping":
			sender.sendJSON(ctx, map[string]string{"type": "pong"})
		default:
			sender.sendJSON(ctx, errorFrame{
				Type: "error", Code: "unknown_type", Message: "unsupported frame type",
				Severity: "warning", RetryPossible: true,
			})
		}
	}
}
