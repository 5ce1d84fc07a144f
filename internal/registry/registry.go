package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/amora/realtime/internal/domain"
)

const defaultShards = 64

var (
	ErrNilHandle       = errors.New("nil handle")
	ErrAlreadyExists   = errors.New("handle already registered")
	ErrNotRegistered   = errors.New("handle not registered")
	ErrInvalidRoomName = errors.New("invalid room id")
)

// Hook is called with the user whose local connection count changed between zero and non-zero.
// Hooks run on the caller's goroutine after all locks are released, so two hooks for the same user
// may be observed out of order; consumers should re-check IsConnected.
type Hook func(domain.UserID)

type hooks struct {
	onFirst Hook
	onLast  Hook
}

type userShard struct {
	mu     sync.RWMutex
	byUser map[domain.UserID]map[string]*Handle
}

type roomShard struct {
	mu     sync.RWMutex
	byRoom map[string]map[string]*Handle
}

type Registry struct {
	users  []userShard
	rooms  []roomShard
	byConn sync.Map // connection id -> *Handle
	count  atomic.Int64
	hooks  atomic.Pointer[hooks]
}

type Option func(*Registry)

// WithShards overrides the number of lock shards. n must be positive.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.users = make([]userShard, n)
			r.rooms = make([]roomShard, n)
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		users: make([]userShard, defaultShards),
		rooms: make([]roomShard, defaultShards),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.users {
		r.users[i].byUser = make(map[domain.UserID]map[string]*Handle)
	}
	for i := range r.rooms {
		r.rooms[i].byRoom = make(map[string]map[string]*Handle)
	}
	r.hooks.Store(&hooks{})
	return r
}

// SetHooks installs the first-connection and last-disconnect callbacks. Either may be nil.
func (r *Registry) SetHooks(onFirst, onLast Hook) {
	r.hooks.Store(&hooks{onFirst: onFirst, onLast: onLast})
}

func (r *Registry) userShardFor(u domain.UserID) *userShard {
	return &r.users[uint64(u)%uint64(len(r.users))]
}

func (r *Registry) roomShardFor(room string) *roomShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return &r.rooms[h.Sum32()%uint32(len(r.rooms))]
}

// Register inserts h. The first handle for a user fires the onFirst hook.
func (r *Registry) Register(h *Handle) error {
	if h == nil {
		return ErrNilHandle
	}

	s := r.userShardFor(h.UserID)
	s.mu.Lock()
	if h.registered {
		s.mu.Unlock()
		return ErrAlreadyExists
	}
	handles, exists := s.byUser[h.UserID]
	if !exists {
		handles = make(map[string]*Handle)
		s.byUser[h.UserID] = handles
	}
	handles[h.ID] = h
	h.registered = true
	s.mu.Unlock()

	r.byConn.Store(h.ID, h)
	r.count.Add(1)

	if !exists {
		if hook := r.hooks.Load().onFirst; hook != nil {
			hook(h.UserID)
		}
	}
	return nil
}

// Deregister removes h and all of its room memberships. It reports whether h was registered,
// so calling it from several close paths is safe.
func (r *Registry) Deregister(h *Handle) bool {
	if h == nil {
		return false
	}

	s := r.userShardFor(h.UserID)
	s.mu.Lock()
	if !h.registered {
		s.mu.Unlock()
		return false
	}
	h.registered = false

	handles := s.byUser[h.UserID]
	delete(handles, h.ID)
	last := len(handles) == 0
	if last {
		delete(s.byUser, h.UserID)
	}

	for room := range h.rooms {
		r.removeFromRoom(room, h.ID)
	}
	clear(h.rooms)
	s.mu.Unlock()

	r.byConn.Delete(h.ID)
	r.count.Add(-1)

	if last {
		if hook := r.hooks.Load().onLast; hook != nil {
			hook(h.UserID)
		}
	}
	return true
}

// Lookup finds a registered handle by connection id.
func (r *Registry) Lookup(connID string) (*Handle, bool) {
	v, ok := r.byConn.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// HandlesFor returns a snapshot of the user's handles.
func (r *Registry) HandlesFor(u domain.UserID) []*Handle {
	s := r.userShardFor(u)
	s.mu.RLock()
	defer s.mu.RUnlock()

	handles := s.byUser[u]
	if len(handles) == 0 {
		return nil
	}
	out := make([]*Handle, 0, len(handles))
	for _, h := range handles {
		out = append(out, h)
	}
	return out
}

func (r *Registry) IsConnected(u domain.UserID) bool {
	s := r.userShardFor(u)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[u]) > 0
}

// ConnectedUserIDs returns every user with at least one local handle.
func (r *Registry) ConnectedUserIDs() []domain.UserID {
	var out []domain.UserID
	for i := range r.users {
		s := &r.users[i]
		s.mu.RLock()
		for u := range s.byUser {
			out = append(out, u)
		}
		s.mu.RUnlock()
	}
	return out
}

// All returns a snapshot of every registered handle.
func (r *Registry) All() []*Handle {
	out := make([]*Handle, 0, r.count.Load())
	for i := range r.users {
		s := &r.users[i]
		s.mu.RLock()
		for _, handles := range s.byUser {
			for _, h := range handles {
				out = append(out, h)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

func (r *Registry) Count() int {
	return int(r.count.Load())
}

// JoinRoom adds a registered handle to a room. Joining twice is a no-op.
func (r *Registry) JoinRoom(h *Handle, room string) error {
	if room == "" {
		return ErrInvalidRoomName
	}
	if err := domain.ValidateRoomID(room); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRoomName, err)
	}

	s := r.userShardFor(h.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !h.registered {
		return ErrNotRegistered
	}
	if _, ok := h.rooms[room]; ok {
		return nil
	}
	h.rooms[room] = struct{}{}

	rs := r.roomShardFor(room)
	rs.mu.Lock()
	members, ok := rs.byRoom[room]
	if !ok {
		members = make(map[string]*Handle)
		rs.byRoom[room] = members
	}
	members[h.ID] = h
	rs.mu.Unlock()
	return nil
}

// LeaveRoom removes the handle from a room. Leaving a room that was never joined is a no-op.
func (r *Registry) LeaveRoom(h *Handle, room string) error {
	s := r.userShardFor(h.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !h.registered {
		return ErrNotRegistered
	}
	if _, ok := h.rooms[room]; !ok {
		return nil
	}
	delete(h.rooms, room)
	r.removeFromRoom(room, h.ID)
	return nil
}

// RoomsOf returns the rooms a handle has joined.
func (r *Registry) RoomsOf(h *Handle) []string {
	s := r.userShardFor(h.UserID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		out = append(out, room)
	}
	return out
}

// HandlesInRoom returns a snapshot of the room's members on this process.
func (r *Registry) HandlesInRoom(room string) []*Handle {
	rs := r.roomShardFor(room)
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	members := rs.byRoom[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Handle, 0, len(members))
	for _, h := range members {
		out = append(out, h)
	}
	return out
}

// CloseAll closes every handle's connection. Connections deregister themselves on close.
func (r *Registry) CloseAll(reason string) int {
	handles := r.All()
	for _, h := range handles {
		h.Close(reason)
	}
	return len(handles)
}

// removeFromRoom must be called with the owning user shard held.
func (r *Registry) removeFromRoom(room, connID string) {
	rs := r.roomShardFor(room)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	members := rs.byRoom[room]
	delete(members, connID)
	if len(members) == 0 {
		delete(rs.byRoom, room)
	}
}
