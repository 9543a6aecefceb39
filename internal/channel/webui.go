package channel

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/stellarlinkco/leasebroker/internal/bus"
	"github.com/stellarlinkco/leasebroker/internal/config"
)

//go:embed static
var staticFiles embed.FS

const webUIChannelName = "webui"

// wsMessage is the frame format in both directions. Server frames carry
// either an Event or a command reply in Content.
type wsMessage struct {
	Type    string                `json:"type"`
	Content string                `json:"content,omitempty"`
	Event   *bus.NegotiationEvent `json:"event,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

// WebUIChannel serves a live negotiation feed over websocket.
type WebUIChannel struct {
	BaseChannel
	addr     string
	server   *http.Server
	clients  sync.Map
	nextID   atomic.Int64
	statusFn atomic.Value // func() any
}

func NewWebUIChannel(cfg config.WebUIConfig, gwCfg config.GatewayConfig, b *bus.MessageBus) (*WebUIChannel, error) {
	port := gwCfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	return &WebUIChannel{
		BaseChannel: NewBaseChannel(webUIChannelName, b, nil),
		addr:        net.JoinHostPort(gwCfg.Host, strconv.Itoa(port)),
	}, nil
}

// SetStatusFunc installs the provider behind GET /api/status.
func (w *WebUIChannel) SetStatusFunc(fn func() any) {
	w.statusFn.Store(fn)
}

// Handler exposes the routes without starting a listener.
func (w *WebUIChannel) Handler() (http.Handler, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("embed static fs: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", w.handleWS)
	mux.HandleFunc("/api/status", w.handleStatus)
	return mux, nil
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	handler, err := w.Handler()
	if err != nil {
		return err
	}
	w.server = &http.Server{
		Addr:              w.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[webui] listening on %s", w.addr)
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[webui] server error: %v", err)
		}
	}()
	return nil
}

func (w *WebUIChannel) handleStatus(wr http.ResponseWriter, r *http.Request) {
	fn, _ := w.statusFn.Load().(func() any)
	if fn == nil {
		http.Error(wr, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	wr.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(wr).Encode(fn()); err != nil {
		log.Printf("[webui] encode status: %v", err)
	}
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[webui] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("webui-%d", w.nextID.Add(1))
	w.clients.Store(clientID, &wsClient{conn: conn, id: clientID})
	log.Printf("[webui] client connected: %s", clientID)

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[webui] client disconnected: %s", clientID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "command" || msg.Content == "" {
			continue
		}

		w.bus.Inbound <- bus.InboundMessage{
			Channel:   webUIChannelName,
			SenderID:  clientID,
			ChatID:    clientID,
			Content:   msg.Content,
			Timestamp: time.Now(),
		}
	}
}

// Send writes events to every client and command replies to the client that
// asked.
func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	frame := wsMessage{Type: "reply", Content: msg.Content}
	if msg.Event != nil {
		frame = wsMessage{Type: "event", Event: msg.Event}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	if msg.Event == nil && msg.ChatID != "" {
		client, ok := w.clients.Load(msg.ChatID)
		if !ok {
			return fmt.Errorf("webui client %s gone", msg.ChatID)
		}
		return w.write(client.(*wsClient), data)
	}

	w.clients.Range(func(key, value any) bool {
		if err := w.write(value.(*wsClient), data); err != nil {
			log.Printf("[webui] write to %s: %v", key, err)
		}
		return true
	})
	return nil
}

func (w *WebUIChannel) write(c *wsClient, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebUIChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			log.Printf("[webui] shutdown error: %v", err)
		}
	}
	w.clients.Range(func(key, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	log.Printf("[webui] stopped")
	return nil
}
