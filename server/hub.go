package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hydraresearch/nautilus/history"
	"github.com/hydraresearch/nautilus/notify"
	"github.com/hydraresearch/nautilus/printer"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// jsonRPCRequest represents an incoming JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id"`
}

// jsonRPCResponse represents an outgoing JSON-RPC 2.0 response.
type jsonRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// jsonRPCNotification represents a server-to-client notification (no id).
type jsonRPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsClient is one connected WebSocket client.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub fans notifications, write events and history changes out to
// every WebSocket client. It implements notify.Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	server  *Server
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]bool)}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a notification to all connected clients.
func (h *Hub) Broadcast(method string, params interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := jsonRPCNotification{JSONRPC: "2.0", Method: method, Params: params}
	for c := range h.clients {
		if err := c.send(n); err != nil {
			log.Printf("WebSocket broadcast error: %v", err)
		}
	}
}

func (h *Hub) Show(m notify.Message) string {
	if m.ID == "" {
		m.ID = notify.NewID()
	}
	h.Broadcast("notify_message", []interface{}{m})
	return m.ID
}

func (h *Hub) Progress(id string, percent float64) {
	h.Broadcast("notify_message_progress", []interface{}{
		map[string]interface{}{"id": id, "progress": percent},
	})
}

func (h *Hub) Hide(id string) {
	h.Broadcast("notify_message_hidden", []interface{}{
		map[string]interface{}{"id": id},
	})
}

// WriteEvent forwards a device write event. It has the shape of
// printer.EventFunc.
func (h *Hub) WriteEvent(ev printer.Event) {
	h.Broadcast("notify_write_event", []interface{}{ev})
}

// HistoryChanged forwards a history change. It has the shape of
// history.ChangedCallback.
func (h *Hub) HistoryChanged(action history.ChangedAction, job history.Job) {
	h.Broadcast("notify_history_changed", []interface{}{
		map[string]interface{}{
			"action": action,
			"job":    job,
		},
	})
}

// HandleWebSocket upgrades the connection and serves JSON-RPC requests
// until the client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &wsClient{conn: conn}
	h.register(client)
	defer func() {
		h.unregister(client)
		conn.Close()
	}()

	log.Printf("WebSocket client connected from %s", r.RemoteAddr)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			break
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(message, &req); err != nil {
			client.send(jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "Parse error"},
			})
			continue
		}

		h.handleRPC(client, &req)
	}
}

func (h *Hub) handleRPC(client *wsClient, req *jsonRPCRequest) {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}

	s := h.server
	switch {
	case s == nil:
		resp.Error = &rpcError{Code: -32603, Message: "server not ready"}

	case req.Method == "server.info":
		resp.Result = s.info()

	case req.Method == "printers.list":
		resp.Result = s.printerList()

	case req.Method == "printers.state":
		name := extractStringParam(req.Params, "printer")
		d, err := s.printers.Get(name)
		if err != nil {
			resp.Error = &rpcError{Code: -32602, Message: err.Error()}
			break
		}
		resp.Result = d.Snapshot()

	case req.Method == "history.list":
		jobs, count := s.history.ListJobs(
			extractIntParam(req.Params, "start"),
			extractIntParam(req.Params, "limit"),
			extractStringParam(req.Params, "printer"),
			extractStringParam(req.Params, "order"),
		)
		resp.Result = map[string]interface{}{"count": count, "jobs": jobs}

	case req.Method == "history.totals":
		resp.Result = map[string]interface{}{"job_totals": s.history.GetTotals()}

	default:
		log.Printf("WebSocket RPC: unknown method=%s", req.Method)
		resp.Error = &rpcError{Code: -32601, Message: "Method not found: " + req.Method}
	}

	if err := client.send(resp); err != nil {
		log.Printf("WebSocket response send error: %v", err)
	}
}

// extractStringParam pulls a string field from named params.
func extractStringParam(params interface{}, key string) string {
	if p, ok := params.(map[string]interface{}); ok {
		if v, ok := p[key].(string); ok {
			return v
		}
	}
	return ""
}

// extractIntParam pulls a numeric field from named params.
func extractIntParam(params interface{}, key string) int {
	if p, ok := params.(map[string]interface{}); ok {
		switch v := p[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}
