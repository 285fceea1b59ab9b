package pad

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lepko/internal/keyval"
	"lepko/internal/observability/metrics"
)

const (
	roomKeyPrefix = "pad:room:"
	roomIDBytes   = 6

	// DefaultRoomTTL bounds how long a registered room marker survives
	// without anyone joining it.
	DefaultRoomTTL = 24 * time.Hour

	defaultSendBuffer = 64
)

// ErrAccessDenied is returned when a join attempt fails. The caller cannot
// distinguish a wrong password from a room that does not exist.
var ErrAccessDenied = errors.New("invalid room or password")

// JoinStatus reports what a successful join did to the room.
type JoinStatus string

const (
	// StatusPasswordSet means the member was the first occupant and its
	// password now gates the room.
	StatusPasswordSet JoinStatus = "password_set"
	// StatusAccessGranted means the member matched the password set by an
	// earlier occupant.
	StatusAccessGranted JoinStatus = "access_granted"
)

// HubConfig carries the dependencies and tunables for a Hub.
type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// Markers, when set together with RequireMarker, restricts joins to
	// rooms that were registered beforehand.
	Markers       keyval.Store
	RequireMarker bool
	RoomTTL       time.Duration

	// SendBuffer is the per-member outbound queue depth. A member whose
	// queue is full when a broadcast arrives is disconnected.
	SendBuffer int
}

// Hub owns every active room. All membership and password transitions are
// serialised under a single mutex, which is what makes the first-writer
// password race safe.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	markers       keyval.Store
	requireMarker bool
	roomTTL       time.Duration

	sendBuffer int

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	id           string
	passwordHash string
	members      map[*Member]struct{}
}

// Member is one connected participant of a room. Outbound messages are
// queued on Out; the transport drains it.
type Member struct {
	hub    *Hub
	roomID string
	out    chan []byte
	once   sync.Once
}

// RoomID reports which room the member belongs to.
func (m *Member) RoomID() string { return m.roomID }

// Out is the member's outbound queue. It is closed when the member leaves
// or is disconnected.
func (m *Member) Out() <-chan []byte { return m.out }

func (m *Member) close() {
	m.once.Do(func() {
		close(m.out)
		if m.hub != nil && m.hub.metrics != nil {
			m.hub.metrics.ObservePadLeave()
		}
	})
}

// NewHub builds a Hub. RequireMarker without a marker store is a
// configuration error.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.RequireMarker && cfg.Markers == nil {
		return nil, errors.New("pad: marker requirement needs a marker store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	roomTTL := cfg.RoomTTL
	if roomTTL <= 0 {
		roomTTL = DefaultRoomTTL
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		logger:        logger,
		metrics:       cfg.Metrics,
		markers:       cfg.Markers,
		requireMarker: cfg.RequireMarker,
		roomTTL:       roomTTL,
		sendBuffer:    sendBuffer,
	}, nil
}

// RegisterRoom records a room marker so the room can be joined while the hub
// runs in marker mode. An empty id asks for a generated one. The chosen id
// is returned.
func (h *Hub) RegisterRoom(ctx context.Context, id string) (string, error) {
	if h.markers == nil {
		return "", errors.New("pad: no marker store configured")
	}
	if id == "" {
		raw := make([]byte, roomIDBytes)
		if _, err := rand.Read(raw); err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}
		id = hex.EncodeToString(raw)
	}
	if err := h.markers.Put(ctx, roomKeyPrefix+id, "1", h.roomTTL); err != nil {
		return "", fmt.Errorf("register room %q: %w", id, err)
	}
	return id, nil
}

// Join admits a member into a room, creating the room if it is empty. The
// first member's password becomes the room password; later members must
// match it. A failed match returns ErrAccessDenied with no hint about
// whether the room exists.
func (h *Hub) Join(ctx context.Context, roomID, password string) (*Member, JoinStatus, error) {
	if h.requireMarker {
		ok, err := h.markers.Exists(ctx, roomKeyPrefix+roomID)
		if err != nil {
			return nil, "", fmt.Errorf("check room marker: %w", err)
		}
		if !ok {
			return nil, "", ErrAccessDenied
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms == nil {
		h.rooms = make(map[string]*room)
	}
	rm, ok := h.rooms[roomID]
	if !ok {
		hash, err := hashPassword(password)
		if err != nil {
			return nil, "", fmt.Errorf("hash room password: %w", err)
		}
		rm = &room{id: roomID, passwordHash: hash, members: make(map[*Member]struct{})}
		h.rooms[roomID] = rm
		member := h.admit(rm)
		h.logger.Debug("room opened", "room", roomID)
		h.observeJoin(StatusPasswordSet)
		return member, StatusPasswordSet, nil
	}

	match, err := verifyPassword(rm.passwordHash, password)
	if err != nil {
		return nil, "", fmt.Errorf("verify room password: %w", err)
	}
	if !match {
		h.observeJoin("")
		return nil, "", ErrAccessDenied
	}
	member := h.admit(rm)
	h.observeJoin(StatusAccessGranted)
	return member, StatusAccessGranted, nil
}

func (h *Hub) admit(rm *room) *Member {
	member := &Member{hub: h, roomID: rm.id, out: make(chan []byte, h.sendBuffer)}
	rm.members[member] = struct{}{}
	return member
}

// Leave removes the member and forgets the room when it empties. Safe to
// call more than once.
func (h *Hub) Leave(member *Member) {
	if member == nil {
		return
	}
	h.mu.Lock()
	rm, ok := h.rooms[member.roomID]
	if ok {
		if _, present := rm.members[member]; present {
			delete(rm.members, member)
			if len(rm.members) == 0 {
				delete(h.rooms, member.roomID)
				h.logger.Debug("room forgotten", "room", member.roomID)
			}
		}
	}
	h.mu.Unlock()
	member.close()
}

// Broadcast delivers a message to every member of the sender's room except
// the sender. Members whose queues are full are disconnected rather than
// blocking the room.
func (h *Hub) Broadcast(sender *Member, message []byte) {
	if sender == nil {
		return
	}
	var stalled []*Member

	h.mu.Lock()
	rm, ok := h.rooms[sender.roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := rm.members[sender]; !present {
		h.mu.Unlock()
		return
	}
	for member := range rm.members {
		if member == sender {
			continue
		}
		select {
		case member.out <- message:
		default:
			stalled = append(stalled, member)
		}
	}
	for _, member := range stalled {
		delete(rm.members, member)
	}
	if len(rm.members) == 0 {
		delete(h.rooms, sender.roomID)
	}
	h.mu.Unlock()

	for _, member := range stalled {
		member.close()
		h.logger.Warn("member dropped, outbound queue full", "room", sender.roomID)
		if h.metrics != nil {
			h.metrics.ObservePadDisconnect("slow_consumer")
		}
	}
	if h.metrics != nil {
		h.metrics.ObservePadMessage()
	}
}

// RoomCount reports how many rooms currently have occupants.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// MemberCount reports the number of occupants of a room, zero when the room
// is unknown.
func (h *Hub) MemberCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.members)
}

func (h *Hub) observeJoin(status JoinStatus) {
	if h.metrics == nil {
		return
	}
	switch status {
	case StatusPasswordSet:
		h.metrics.ObservePadJoin("password_set")
	case StatusAccessGranted:
		h.metrics.ObservePadJoin("access_granted")
	default:
		h.metrics.ObservePadJoin("denied")
	}
}
