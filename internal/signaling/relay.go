package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"huddle/internal/logger"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
	sendBuffer   = 64

	// RoomCapacity is the number of peers a call room admits.
	RoomCapacity = 2

	defaultRate  = rate.Limit(20)
	defaultBurst = 40
)

type Options struct {
	// Bus fans relayed frames out to other server instances. Optional.
	Bus    Bus
	Logger *zap.Logger
	// RateLimit and Burst bound the frames a single connection may send.
	RateLimit   rate.Limit
	Burst       int
	CheckOrigin func(*http.Request) bool
	// Observe is called with the type of every relayed signal.
	Observe func(frameType string)
}

// Relay is the signaling websocket endpoint. It pairs peers into rooms and
// forwards offers, answers and candidates between them without looking at
// the payloads.
type Relay struct {
	upgrader websocket.Upgrader
	bus      Bus
	log      *zap.Logger
	limit    rate.Limit
	burst    int
	observe  func(string)

	mu    sync.Mutex
	rooms map[string]map[string]*peer
	peers map[string]*peer
}

type peer struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	room    string
	limiter *rate.Limiter
	canJoin func(roomID string) bool
	closed  bool
}

func NewRelay(opts Options) *Relay {
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRate
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Relay{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		bus:      opts.Bus,
		log:      logger.OrNop(opts.Logger).Named("signaling"),
		limit:    opts.RateLimit,
		burst:    opts.Burst,
		observe:  opts.Observe,
		rooms:    make(map[string]map[string]*peer),
		peers:    make(map[string]*peer),
	}
}

// Run consumes frames published by other instances until ctx ends. Without a
// bus it just waits.
func (r *Relay) Run(ctx context.Context) error {
	if r.bus == nil {
		<-ctx.Done()
		return nil
	}
	return r.bus.Subscribe(ctx, func(f Frame) {
		r.mu.Lock()
		r.deliverLocked(f)
		r.mu.Unlock()
	})
}

// RoomSize returns the number of local peers in a room.
func (r *Relay) RoomSize(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}

// ServeHTTP admits any caller to any room.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Serve(w, req, nil)
}

// Serve upgrades the connection and runs the peer. canJoin, when set, decides
// which rooms the peer may enter.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, canJoin func(roomID string) bool) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	p := &peer{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(r.limit, r.burst),
		canJoin: canJoin,
	}
	r.mu.Lock()
	r.peers[p.id] = p
	r.enqueueLocked(p, Frame{Type: TypeWelcome, From: p.id})
	r.mu.Unlock()
	r.log.Debug("peer connected", zap.String("peer", p.id))

	go p.writePump()
	r.readPump(p)
}

func (r *Relay) readPump(p *peer) {
	defer func() {
		r.disconnect(p)
		p.conn.Close()
	}()
	p.conn.SetReadLimit(maxFrameSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Debug("read failed", zap.String("peer", p.id), zap.Error(err))
			}
			return
		}
		if !p.limiter.Allow() {
			r.reply(p, errorFrame("rate limited"))
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			r.reply(p, errorFrame("malformed frame"))
			continue
		}
		switch {
		case f.Type == TypeJoinRoom:
			r.join(p, f.RoomID)
		case f.Type == TypeLeaveRoom:
			r.leave(p)
		case IsSignal(f.Type):
			r.relaySignal(p, f)
		default:
			r.reply(p, errorFrame("unknown frame type"))
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) join(p *peer, roomID string) {
	if roomID == "" {
		r.reply(p, errorFrame("roomId required"))
		return
	}
	if p.canJoin != nil && !p.canJoin(roomID) {
		r.reply(p, Frame{Type: TypeError, RoomID: roomID, Error: "not a member of this session"})
		return
	}
	var published []Frame

	r.mu.Lock()
	if p.room == roomID {
		r.enqueueLocked(p, joinedFrame(roomID, r.othersLocked(roomID, p.id)))
		r.mu.Unlock()
		return
	}
	if len(r.rooms[roomID]) >= RoomCapacity {
		r.enqueueLocked(p, Frame{Type: TypeError, RoomID: roomID, Error: "room full"})
		r.mu.Unlock()
		return
	}
	if left, ok := r.leaveLocked(p); ok {
		published = append(published, left)
	}
	existing := r.othersLocked(roomID, p.id)
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]*peer)
		r.rooms[roomID] = members
	}
	members[p.id] = p
	p.room = roomID
	r.enqueueLocked(p, joinedFrame(roomID, existing))
	announce := Frame{Type: TypePeerJoined, RoomID: roomID, From: p.id}
	r.deliverLocked(announce)
	r.mu.Unlock()

	r.log.Debug("joined room", zap.String("peer", p.id), zap.String("room", roomID), zap.Int("existing", len(existing)))
	r.publish(append(published, announce)...)
}

func (r *Relay) leave(p *peer) {
	r.mu.Lock()
	left, ok := r.leaveLocked(p)
	r.mu.Unlock()
	if ok {
		r.publish(left)
	}
}

func (r *Relay) disconnect(p *peer) {
	r.mu.Lock()
	left, ok := r.leaveLocked(p)
	delete(r.peers, p.id)
	p.closed = true
	close(p.send)
	r.mu.Unlock()
	if ok {
		r.publish(left)
	}
	r.log.Debug("peer disconnected", zap.String("peer", p.id))
}

// leaveLocked removes p from its room and tells the rest of the room.
func (r *Relay) leaveLocked(p *peer) (Frame, bool) {
	if p.room == "" {
		return Frame{}, false
	}
	roomID := p.room
	members := r.rooms[roomID]
	delete(members, p.id)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
	p.room = ""
	left := Frame{Type: TypePeerLeft, RoomID: roomID, From: p.id}
	r.deliverLocked(left)
	return left, true
}

func (r *Relay) relaySignal(p *peer, f Frame) {
	r.mu.Lock()
	if p.room == "" {
		r.enqueueLocked(p, errorFrame("not in a room"))
		r.mu.Unlock()
		return
	}
	f.From = p.id
	f.RoomID = p.room
	f.Error = ""
	delivered := r.deliverLocked(f)
	if delivered == 0 && f.To != "" && r.bus == nil {
		r.enqueueLocked(p, Frame{Type: TypeError, RoomID: f.RoomID, To: f.To, Error: "peer not found"})
	}
	r.mu.Unlock()

	if r.observe != nil {
		r.observe(f.Type)
	}
	r.publish(f)
}

// deliverLocked hands f to the addressed peer, or to every room member but
// the sender when f has no recipient.
func (r *Relay) deliverLocked(f Frame) int {
	members := r.rooms[f.RoomID]
	if f.To != "" {
		if q, ok := members[f.To]; ok {
			r.enqueueLocked(q, f)
			return 1
		}
		return 0
	}
	n := 0
	for id, q := range members {
		if id == f.From {
			continue
		}
		r.enqueueLocked(q, f)
		n++
	}
	return n
}

func (r *Relay) othersLocked(roomID, self string) []string {
	ids := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		if id != self {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Relay) reply(p *peer, f Frame) {
	r.mu.Lock()
	r.enqueueLocked(p, f)
	r.mu.Unlock()
}

func (r *Relay) enqueueLocked(p *peer, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		r.log.Warn("encode frame", zap.Error(err))
		return
	}
	if p.closed {
		return
	}
	select {
	case p.send <- data:
	default:
		// readPump notices the closed conn and disconnects the peer
		r.log.Warn("peer too slow, closing", zap.String("peer", p.id), zap.String("type", f.Type))
		p.closed = true
		_ = p.conn.Close()
	}
}

func (r *Relay) publish(frames ...Frame) {
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	for _, f := range frames {
		if err := r.bus.Publish(ctx, f); err != nil {
			r.log.Warn("bus publish failed", zap.String("type", f.Type), zap.Error(err))
		}
	}
}

func joinedFrame(roomID string, existing []string) Frame {
	payload, _ := json.Marshal(existing)
	return Frame{Type: TypeJoined, RoomID: roomID, Payload: payload}
}
