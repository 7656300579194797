package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codetaoist/taishanglaojun/internal/config"
	"github.com/codetaoist/taishanglaojun/internal/errors"
	"github.com/codetaoist/taishanglaojun/internal/logging"
	"github.com/codetaoist/taishanglaojun/internal/models"
	syncsvc "github.com/codetaoist/taishanglaojun/internal/sync"
	"github.com/codetaoist/taishanglaojun/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Desktop-app backend: clients connect from the local machine
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connection is one device's live WebSocket session.
type connection struct {
	deviceID string
	userID   string
	conn     *websocket.Conn
	send     chan []byte

	mu            sync.Mutex
	lastHeartbeat int64 // unix nanoseconds
}

func (c *connection) touchHeartbeat(ts int64) {
	c.mu.Lock()
	if ts > c.lastHeartbeat {
		c.lastHeartbeat = ts
	}
	c.mu.Unlock()
}

func (c *connection) heartbeatAt() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Manager maintains the live device connections of all users and routes
// realtime messages between them. One device holds at most one
// connection; a reconnect replaces the previous session.
type Manager struct {
	cfg     *config.SyncConfig
	service *syncsvc.Service

	mu          sync.RWMutex
	connections map[string]*connection          // device_id -> connection
	userDevices map[string]map[string]struct{}  // user_id -> device ids
	closed      bool

	server *http.Server
	wg     sync.WaitGroup
}

// NewManager creates the realtime manager and wires its presence into
// the sync service.
func NewManager(service *syncsvc.Service, cfg *config.SyncConfig) *Manager {
	m := &Manager{
		cfg:         cfg,
		service:     service,
		connections: make(map[string]*connection),
		userDevices: make(map[string]map[string]struct{}),
	}
	service.SetPresence(m.IsOnline)
	return m
}

// HandleWebSocket upgrades an HTTP request to a device session. The
// device must identify itself with user_id and device_id query
// parameters and be registered with the sync service.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	deviceID := r.URL.Query().Get("device_id")
	if userID == "" || deviceID == "" {
		http.Error(w, "user_id and device_id are required", http.StatusBadRequest)
		return
	}
	device, err := m.service.GetDevice(deviceID)
	if err != nil || device.UserID != userID {
		http.Error(w, "unknown device", http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("Failed to upgrade connection", err, map[string]interface{}{
			"device_id": deviceID,
		})
		return
	}

	c := &connection{
		deviceID:      deviceID,
		userID:        userID,
		conn:          ws,
		send:          make(chan []byte, m.cfg.SendBufferSize),
		lastHeartbeat: time.Now().UnixNano(),
	}

	if !m.register(c) {
		ws.Close()
		return
	}

	m.wg.Add(2)
	go m.writePump(c)
	go m.readPump(c)

	m.announcePresence(c, MessageDeviceOnline, device)
}

// register adds a connection, replacing any previous session of the same
// device. Returns false when the manager is shutting down.
func (m *Manager) register(c *connection) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if prev, ok := m.connections[c.deviceID]; ok {
		close(prev.send)
		prev.conn.Close()
	}
	m.connections[c.deviceID] = c
	devices, ok := m.userDevices[c.userID]
	if !ok {
		devices = make(map[string]struct{})
		m.userDevices[c.userID] = devices
	}
	devices[c.deviceID] = struct{}{}
	total := len(m.connections)
	m.mu.Unlock()

	logging.Info("Device connected", map[string]interface{}{
		"device_id":   c.deviceID,
		"user_id":     c.userID,
		"connections": total,
	})
	return true
}

// unregister removes a connection and broadcasts the device going
// offline. Safe to call more than once per connection.
func (m *Manager) unregister(c *connection) {
	m.mu.Lock()
	current, ok := m.connections[c.deviceID]
	if !ok || current != c {
		// Already replaced by a newer session of the same device
		m.mu.Unlock()
		return
	}
	delete(m.connections, c.deviceID)
	close(c.send)
	if devices, ok := m.userDevices[c.userID]; ok {
		delete(devices, c.deviceID)
		if len(devices) == 0 {
			delete(m.userDevices, c.userID)
		}
	}
	m.mu.Unlock()

	logging.Info("Device disconnected", map[string]interface{}{
		"device_id": c.deviceID,
		"user_id":   c.userID,
	})

	m.announcePresence(c, MessageDeviceOffline, nil)
}

func (m *Manager) announcePresence(c *connection, t MessageType, device *models.DeviceRecord) {
	data := PresenceData{}
	if device != nil {
		data.DeviceType = device.DeviceType
		data.DeviceName = device.DeviceName
	}
	msg, err := NewMessage(t, c.userID, c.deviceID, data)
	if err != nil {
		return
	}
	m.Broadcast(msg)
}

// shouldForward is the single gate every forwarded frame passes. It is
// total: any message and target it does not explicitly allow is refused.
func (m *Manager) shouldForward(msg *Message, target *connection) bool {
	if target == nil || msg == nil {
		return false
	}
	// Never forward across users, never echo to the sender
	if target.userID != msg.UserID || target.deviceID == msg.DeviceID {
		return false
	}

	switch msg.Type {
	case MessageDataUpdate, MessageChatMessage, MessageFriendStatusUpdate,
		MessageDeviceOnline, MessageDeviceOffline:
		return true
	case MessageSyncRequest, MessageSyncResponse, MessageHeartbeat:
		// Point-to-point or connection-local, never fanned out
		return false
	default:
		return false
	}
}

// Broadcast fans a message out to every eligible connection of the
// sending user. A device whose send buffer is full is disconnected
// rather than allowed to stall the rest.
func (m *Manager) Broadcast(msg *Message) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		logging.Error("Failed to marshal broadcast", err, nil)
		return 0
	}

	m.mu.RLock()
	var targets []*connection
	for deviceID := range m.userDevices[msg.UserID] {
		if c, ok := m.connections[deviceID]; ok && m.shouldForward(msg, c) {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if m.trySend(c, payload) {
			delivered++
		}
	}
	return delivered
}

// trySend enqueues a payload without blocking. The liveness check and
// the send happen under the read lock; the channel is only closed under
// the write lock, so the send can never race a close. Overflow kills the
// connection: a reader that cannot keep up reconnects and resyncs.
func (m *Manager) trySend(c *connection, payload []byte) bool {
	m.mu.RLock()
	if m.connections[c.deviceID] != c {
		m.mu.RUnlock()
		return false
	}
	var sent bool
	select {
	case c.send <- payload:
		sent = true
	default:
	}
	m.mu.RUnlock()

	if sent {
		return true
	}
	logging.Warn("Send buffer overflow, dropping connection", map[string]interface{}{
		"device_id": c.deviceID,
	})
	c.conn.Close()
	m.unregister(c)
	return false
}

// SendToDevice delivers a message to one specific device.
func (m *Manager) SendToDevice(deviceID string, msg *Message) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errors.New(errors.ErrShuttingDown, "realtime service is shutting down")
	}
	c, ok := m.connections[deviceID]
	m.mu.RUnlock()
	if !ok {
		return errors.New(errors.ErrNotConnected, "device not connected: "+deviceID)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidMessage, "failed to marshal message", err)
	}
	if !m.trySend(c, payload) {
		return errors.New(errors.ErrNotConnected, "device not connected: "+deviceID)
	}
	return nil
}

// SendToUser delivers a message to every connected device of a user,
// except the authoring device. Returns the delivery count.
func (m *Manager) SendToUser(userID string, msg *Message) int {
	msg.UserID = userID
	return m.Broadcast(msg)
}

// IsOnline reports whether a device holds a live connection with a
// heartbeat inside the configured window.
func (m *Manager) IsOnline(deviceID string) bool {
	m.mu.RLock()
	c, ok := m.connections[deviceID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	cutoff := time.Now().Add(-m.cfg.HeartbeatWindow).UnixNano()
	return c.heartbeatAt() >= cutoff
}

// GetOnlineDevices returns the ids of a user's devices that are
// connected and inside the heartbeat window.
func (m *Manager) GetOnlineDevices(userID string) []string {
	cutoff := time.Now().Add(-m.cfg.HeartbeatWindow).UnixNano()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var online []string
	for deviceID := range m.userDevices[userID] {
		if c, ok := m.connections[deviceID]; ok && c.heartbeatAt() >= cutoff {
			online = append(online, deviceID)
		}
	}
	return online
}

// readPump consumes frames from one device until the connection dies.
// Malformed frames are dropped without killing the session.
func (m *Manager) readPump(c *connection) {
	defer func() {
		m.unregister(c)
		c.conn.Close()
		m.wg.Done()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Connection read error", map[string]interface{}{
					"device_id": c.deviceID,
					"error":     err.Error(),
				})
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logging.Warn("Dropping malformed frame", map[string]interface{}{
				"device_id": c.deviceID,
				"error":     err.Error(),
			})
			continue
		}
		// The envelope identity always comes from the session, not the frame
		msg.UserID = c.userID
		msg.DeviceID = c.deviceID

		m.dispatch(c, &msg)
	}
}

// dispatch routes one inbound frame.
func (m *Manager) dispatch(c *connection, msg *Message) {
	switch msg.Type {
	case MessageHeartbeat:
		c.touchHeartbeat(time.Now().UnixNano())

	case MessageSyncRequest:
		m.handleSyncRequest(c, msg)

	case MessageDataUpdate, MessageChatMessage, MessageFriendStatusUpdate:
		c.touchHeartbeat(time.Now().UnixNano())
		m.Broadcast(msg)

	default:
		logging.Warn("Dropping frame of unknown type", map[string]interface{}{
			"device_id": c.deviceID,
			"type":      msg.Type,
		})
	}
}

// handleSyncRequest answers a sync_request with a sync_response carrying
// the requesting device's incremental delta and a fresh sync token. The
// response goes only to the requesting connection.
func (m *Manager) handleSyncRequest(c *connection, msg *Message) {
	var req SyncRequestData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logging.Warn("Dropping malformed sync request", map[string]interface{}{
				"device_id": c.deviceID,
				"error":     err.Error(),
			})
			return
		}
	}

	records, err := m.service.GetIncrementalSync(c.userID, c.deviceID, req.Since)
	if err != nil {
		logging.Error("Sync request failed", err, map[string]interface{}{
			"device_id": c.deviceID,
		})
		return
	}
	if len(req.DataTypes) > 0 {
		filtered := records[:0]
		for _, rec := range records {
			for _, t := range req.DataTypes {
				if rec.DataType == t {
					filtered = append(filtered, rec)
					break
				}
			}
		}
		records = filtered
	}
	if records == nil {
		records = []*models.SyncRecord{}
	}

	resp, err := NewMessage(MessageSyncResponse, c.userID, c.deviceID, SyncResponseData{
		SyncToken: uuid.New(),
		Records:   records,
	})
	if err != nil {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	m.trySend(c, payload)
}

// writePump drains one device's send channel onto the wire.
func (m *Manager) writePump(c *connection) {
	defer func() {
		c.conn.Close()
		m.wg.Done()
	}()

	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	// Channel closed: say goodbye properly
	c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// StartService starts the WebSocket endpoint on the configured port.
// Blocks until the server stops.
func (m *Manager) StartService() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.HandleWebSocket)

	m.mu.Lock()
	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.cfg.ListenPort),
		Handler: mux,
	}
	srv := m.server
	m.mu.Unlock()

	logging.Info("Realtime service listening", map[string]interface{}{
		"port": m.cfg.ListenPort,
	})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(errors.ErrInternal, "realtime service failed", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes every session and waits
// for the pumps to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	srv := m.server
	m.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	for _, c := range conns {
		c.conn.Close()
		m.unregister(c)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	logging.Info("Realtime service stopped", nil)
	return nil
}
