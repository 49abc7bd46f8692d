package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lunamoth/lunamoth/internal/bus"
	"github.com/lunamoth/lunamoth/internal/config"
)

// wsFrame is the wire format in both directions.
type wsFrame struct {
	Type    string `json:"type"` // "message" | "response" | "progress"
	Content string `json:"content"`
	Seq     int64  `json:"seq,omitempty"` // client-assigned, used for dedup
}

// WebSocketAdapter serves a local websocket console. Each connection is its
// own conversation.
type WebSocketAdapter struct {
	Base
	cfg *config.WebSocketConfig

	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	nextID int
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local console endpoint; origin checking is the reverse proxy's job.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewWebSocketAdapter creates a WebSocketAdapter.
func NewWebSocketAdapter(cfg *config.WebSocketConfig, b *bus.Bus) *WebSocketAdapter {
	return &WebSocketAdapter{
		Base:  NewBase(bus.ChannelWebSocket, b, nil),
		cfg:   cfg,
		conns: make(map[string]*websocket.Conn),
	}
}

func (w *WebSocketAdapter) Name() string { return bus.ChannelWebSocket }

func (w *WebSocketAdapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleUpgrade)

	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", w.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("websocket: listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("websocket: serve: %w", err)
	}
}

func (w *WebSocketAdapter) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(rw, r, nil)
	if err != nil {
		slog.Warn("websocket: upgrade failed", "err", err)
		return
	}

	w.mu.Lock()
	w.nextID++
	connID := fmt.Sprintf("ws-%d", w.nextID)
	w.conns[connID] = conn
	w.mu.Unlock()

	slog.Info("websocket: client connected", "id", connID, "remote", r.RemoteAddr)
	go w.readLoop(connID, conn)
}

func (w *WebSocketAdapter) readLoop(connID string, conn *websocket.Conn) {
	defer func() {
		w.mu.Lock()
		delete(w.conns, connID)
		w.mu.Unlock()
		_ = conn.Close()
		slog.Info("websocket: client disconnected", "id", connID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Content == "" {
			continue
		}
		eventID := ""
		if frame.Seq > 0 {
			eventID = fmt.Sprintf("%s-%d", connID, frame.Seq)
		}
		w.HandleMessage(connID, connID, frame.Content, eventID, nil, nil)
	}
}

func (w *WebSocketAdapter) Send(_ context.Context, msg bus.OutboundMessage) error {
	w.mu.Lock()
	conn, ok := w.conns[msg.ChatID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("websocket: connection %s gone", msg.ChatID)
	}

	kind := "response"
	if prog, _ := msg.Metadata["_progress"].(bool); prog {
		kind = "progress"
	}
	frame := wsFrame{Type: kind, Content: msg.Content}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
