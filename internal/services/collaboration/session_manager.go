package collaboration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ravipandeydu/interview-pro-sub000/internal/awareness"
	"github.com/ravipandeydu/interview-pro-sub000/internal/crdt"
	"github.com/ravipandeydu/interview-pro-sub000/internal/logging"
	"github.com/ravipandeydu/interview-pro-sub000/internal/middleware"
	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
	"github.com/ravipandeydu/interview-pro-sub000/internal/services"
)

/*
LEARNING: CRDT SYNC ROOMS

Each room owns a server replica of the document plus an awareness table.

  client step 1 ─▶ replica answers with the ops the client lacks (step 2)
  replica step 1 ─▶ client answers with its offline edits
  client update ─▶ replica.ApplyUpdate ─▶ persist ─▶ relay to the other sessions

The replica is rebuilt from persisted updates when the first session joins
and the log is compacted into one snapshot when the last session leaves.

Key Concepts:
1. **Event loop**: register/unregister are serialized through channels
2. **One writer per connection**: WritePump owns the socket for writes
3. **Origins**: updates are tagged with the session that sent them so they
   are never echoed back
*/

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
	maxFrame   = 4 << 20
)

// Room is one CRDT document and the sessions editing it
type Room struct {
	Name      string
	doc       *crdt.Doc
	awareness *awareness.Awareness
	sessions  map[*Session]bool
	// awareness client ids announced by each session
	clients map[*Session]map[uint64]bool
	mu      sync.Mutex
	off     []func()
}

// Session represents an active sync connection
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte // Buffered channel for outbound frames
	Manager *SessionManager
	room    *Room
	done    chan struct{}
	once    sync.Once
}

type registration struct {
	session *Session
	result  chan error
}

// SessionManager manages all sync rooms
// Learning: Central hub for coordinating real-time collaboration
type SessionManager struct {
	rooms      map[string]*Room
	register   chan registration
	unregister chan *Session
	mu         sync.RWMutex

	updates services.UpdateRepository
	log     logr.Logger

	done     chan struct{}
	stopOnce sync.Once
}

func NewSessionManager(updates services.UpdateRepository, log logr.Logger) *SessionManager {
	return &SessionManager{
		rooms:      make(map[string]*Room),
		register:   make(chan registration),
		unregister: make(chan *Session),
		updates:    updates,
		log:        logging.OrDefault(log).WithName("sync"),
		done:       make(chan struct{}),
	}
}

// Start begins the session manager event loop
func (sm *SessionManager) Start() {
	sm.log.Info("🔄 Starting CRDT sync rooms...")

	go func() {
		for {
			select {
			case <-sm.done:
				return
			case reg := <-sm.register:
				reg.result <- sm.handleRegister(reg.session)
			case session := <-sm.unregister:
				sm.handleUnregister(session)
			}
		}
	}()

	go sm.cleanupLoop()
	sm.log.Info("✓ CRDT sync rooms started")
}

// Register adds a session to its room, loading the room if needed
func (sm *SessionManager) Register(session *Session) error {
	reg := registration{session: session, result: make(chan error, 1)}
	select {
	case sm.register <- reg:
		return <-reg.result
	case <-sm.done:
		return fmt.Errorf("session manager stopped")
	}
}

func (sm *SessionManager) Unregister(session *Session) {
	select {
	case sm.unregister <- session:
	case <-sm.done:
	}
}

func (sm *SessionManager) handleRegister(session *Session) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	room, ok := sm.rooms[session.RoomName]
	if !ok {
		var err error
		room, err = sm.loadRoom(session.RoomName)
		if err != nil {
			return err
		}
		sm.rooms[session.RoomName] = room
	}

	room.mu.Lock()
	room.sessions[session] = true
	room.clients[session] = make(map[uint64]bool)
	total := len(room.sessions)
	room.mu.Unlock()
	session.room = room

	sm.log.Info("session joined room", "session", session.ID, "room", room.Name, "user", session.UserID, "total", total)
	return nil
}

// loadRoom rebuilds a replica from the persisted log
func (sm *SessionManager) loadRoom(name string) (*Room, error) {
	room := &Room{
		Name:      name,
		doc:       crdt.NewDoc(),
		awareness: awareness.New(0),
		sessions:  make(map[*Session]bool),
		clients:   make(map[*Session]map[uint64]bool),
	}
	// the server publishes no presence of its own
	room.awareness.SetLocalState(nil)

	if sm.updates != nil {
		ctx, span := middleware.StartSpan(context.Background(), "CRDT.LoadRoom", attribute.String("room", name))
		rows, err := sm.updates.GetAllUpdates(ctx, name)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			span.End()
			return nil, fmt.Errorf("load room %s: %w", name, err)
		}
		for _, row := range rows {
			if err := room.doc.ApplyUpdate(row.Update, nil); err != nil {
				sm.log.Error(err, "skipping corrupt stored update", "room", name, "id", row.ID)
			}
		}
		span.SetAttributes(attribute.Int("updates", len(rows)))
		span.End()
	}

	room.off = append(room.off,
		room.doc.OnUpdate(func(update []byte, origin any) {
			sender, _ := origin.(*Session)
			sm.persist(room, update)
			room.broadcast(crdt.UpdateMessage(update), sender)
		}),
		room.awareness.OnUpdate(func(change awareness.Change, origin any) {
			sender, _ := origin.(*Session)
			data, err := room.awareness.EncodeUpdate(change.All())
			if err != nil {
				sm.log.Error(err, "encode awareness", "room", name)
				return
			}
			room.broadcast(crdt.EncodeMessage(models.MessageTypeAwareness, data), sender)
		}),
	)
	return room, nil
}

func (sm *SessionManager) persist(room *Room, update []byte) {
	if sm.updates == nil {
		return
	}
	var clientID uint64
	if ops, err := crdt.DecodeUpdate(update); err == nil && len(ops) > 0 {
		clientID = ops[0].ID.Client
	}
	ctx, span := middleware.StartSpan(context.Background(), "CRDT.StoreUpdate",
		attribute.String("room", room.Name),
		attribute.Int("update.size", len(update)),
	)
	defer span.End()
	if err := sm.updates.StoreUpdate(ctx, room.Name, update, clientID); err != nil {
		middleware.AddSpanError(ctx, err)
		sm.log.Error(err, "failed to store crdt update", "room", room.Name)
	}
}

// handleUnregister removes a session, drops its awareness entries and
// compacts the room once it is empty
func (sm *SessionManager) handleUnregister(session *Session) {
	room := session.room
	if room == nil {
		return
	}

	room.mu.Lock()
	if !room.sessions[session] {
		room.mu.Unlock()
		return
	}
	delete(room.sessions, session)
	var owned []uint64
	for id := range room.clients[session] {
		owned = append(owned, id)
	}
	delete(room.clients, session)
	remaining := len(room.sessions)
	room.mu.Unlock()

	session.close()
	room.awareness.RemoveStates(owned, session)

	sm.log.Info("session left room", "session", session.ID, "room", room.Name, "remaining", remaining)
	if remaining > 0 {
		return
	}

	sm.mu.Lock()
	if sm.rooms[room.Name] == room {
		delete(sm.rooms, room.Name)
	}
	sm.mu.Unlock()
	sm.compact(room)
}

func (sm *SessionManager) compact(room *Room) {
	for _, off := range room.off {
		off()
	}
	if sm.updates == nil {
		return
	}
	snapshot, err := room.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		sm.log.Error(err, "snapshot room", "room", room.Name)
		return
	}
	ctx, span := middleware.StartSpan(context.Background(), "CRDT.Compact", attribute.String("room", room.Name))
	defer span.End()
	if err := sm.updates.ReplaceUpdates(ctx, room.Name, snapshot); err != nil {
		middleware.AddSpanError(ctx, err)
		sm.log.Error(err, "failed to compact room", "room", room.Name)
	}
}

// broadcast queues a frame for every session except sender
func (r *Room) broadcast(msg []byte, sender *Session) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		if s != sender {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.trySend(msg)
	}
}

func (r *Room) trackClients(session *Session, ids []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned, ok := r.clients[session]
	if !ok {
		return
	}
	for _, id := range ids {
		owned[id] = true
	}
}

// RoomText returns the replica content of a named text in a loaded room
func (sm *SessionManager) RoomText(room, text string) (string, bool) {
	sm.mu.RLock()
	r, ok := sm.rooms[room]
	sm.mu.RUnlock()
	if !ok {
		return "", false
	}
	return r.doc.Text(text).String(), true
}

// SessionCount reports the sessions connected to a room
func (sm *SessionManager) SessionCount(room string) int {
	sm.mu.RLock()
	r, ok := sm.rooms[room]
	sm.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// cleanupLoop drops awareness entries of clients that stopped renewing
func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(awareness.OutdatedTimeout / 10)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.mu.RLock()
			rooms := make([]*Room, 0, len(sm.rooms))
			for _, r := range sm.rooms {
				rooms = append(rooms, r)
			}
			sm.mu.RUnlock()
			for _, r := range rooms {
				r.awareness.CheckOutdated()
			}
		}
	}
}

// Shutdown closes every session and compacts every room
func (sm *SessionManager) Shutdown() {
	sm.stopOnce.Do(func() {
		sm.log.Info("🛑 Shutting down CRDT sync rooms...")
		close(sm.done)

		sm.mu.Lock()
		rooms := sm.rooms
		sm.rooms = make(map[string]*Room)
		sm.mu.Unlock()

		for _, room := range rooms {
			room.mu.Lock()
			for s := range room.sessions {
				s.close()
			}
			room.sessions = make(map[*Session]bool)
			room.mu.Unlock()
			sm.compact(room)
		}
		sm.log.Info("✓ CRDT sync rooms shutdown complete")
	})
}

// Session methods

func newSession(info *models.Session, conn *websocket.Conn, m *SessionManager) *Session {
	return &Session{
		Session: info,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		Manager: m,
		done:    make(chan struct{}),
	}
}

// trySend queues a frame; a full buffer means the client is too slow and
// the connection is closed
func (s *Session) trySend(msg []byte) {
	select {
	case <-s.done:
	case s.Send <- msg:
	default:
		s.Manager.log.Info("⚠️ session buffer full, closing connection", "session", s.ID)
		s.close()
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.Conn.Close()
	})
}

// ReadPump reads frames from the connection until it drops
// Learning: Each session has its own goroutine reading from the WebSocket
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Manager.Unregister(s)
		s.close()
	}()

	s.Conn.SetReadLimit(maxFrame)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.Manager.log.Error(err, "sync websocket error", "session", s.ID)
			}
			return
		}
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.LastActiveAt = time.Now()
		if kind != websocket.BinaryMessage {
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "CRDT.ProcessMessage",
			attribute.String("session.id", s.ID),
			attribute.String("room", s.RoomName),
			attribute.Int("message.size", len(message)),
		)
		if err := s.handle(message); err != nil {
			middleware.AddSpanError(msgCtx, err)
			s.Manager.log.Error(err, "bad sync frame", "session", s.ID)
		}
		span.End()
	}
}

func (s *Session) handle(message []byte) error {
	t, payload, err := crdt.DecodeMessage(message)
	if err != nil {
		return err
	}
	room := s.room
	switch t {
	case models.MessageTypeSync:
		reply, err := crdt.SyncStep2(room.doc, payload)
		if err != nil {
			return err
		}
		s.trySend(reply)
	case models.MessageTypeSyncUpdate:
		return room.doc.ApplyUpdate(payload, s)
	case models.MessageTypeAwareness:
		ids, err := awareness.DecodeClients(payload)
		if err != nil {
			return err
		}
		room.trackClients(s, ids)
		return room.awareness.ApplyUpdate(payload, s)
	case models.MessageTypeQueryAwareness:
		return s.sendAwareness()
	}
	return nil
}

// SendInitialState starts the handshake: our step 1 and the known awareness
func (s *Session) SendInitialState() error {
	s.trySend(crdt.SyncStep1(s.room.doc))
	return s.sendAwareness()
}

func (s *Session) sendAwareness() error {
	if len(s.room.awareness.States()) == 0 {
		return nil
	}
	data, err := s.room.awareness.EncodeFullState()
	if err != nil {
		return err
	}
	s.trySend(crdt.EncodeMessage(models.MessageTypeAwareness, data))
	return nil
}

// WritePump writes queued frames to the connection
// Learning: Separate goroutine for writing prevents blocking on slow clients.
// Frames are written one per message because the type byte frames the payload.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			s.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case message := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
