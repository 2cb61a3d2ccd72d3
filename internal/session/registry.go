package session

import (
	"errors"
	"regexp"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
)

var (
	ErrInvalidRoom   = errors.New("invalid room id")
	ErrNilConn       = errors.New("nil connection")
	ErrAlreadyJoined = errors.New("connection already joined a room")
	ErrRoomFull      = errors.New("room is full")
)

const shardCount = 32

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidRoomID reports whether id is an acceptable room identifier.
func ValidRoomID(id string) bool { return roomIDPattern.MatchString(id) }

// memberSet is one room's membership. Once dead it is unlinked from its shard
// and must never gain members again.
type memberSet struct {
	mu      sync.Mutex
	members map[*Conn]struct{}
	dead    bool
}

type shard struct {
	mu    sync.Mutex
	rooms map[string]*memberSet
}

// Registry maps room ids to the connections currently joined to them.
// Rooms are spread over shards so churn in one room never blocks another
// room's broadcasts beyond a map lookup.
type Registry struct {
	shards     [shardCount]shard
	index      sync.Map // *Conn -> room id
	maxMembers int
}

// NewRegistry returns an empty registry. maxMembers caps each room; 0 means unlimited.
func NewRegistry(maxMembers int) *Registry {
	r := &Registry{maxMembers: maxMembers}
	for i := range r.shards {
		r.shards[i].rooms = make(map[string]*memberSet)
	}
	return r
}

func (r *Registry) shardFor(roomID string) *shard {
	return &r.shards[xxhash.Sum64String(roomID)%shardCount]
}

// Join adds conn to roomID, creating the room if needed.
func (r *Registry) Join(roomID string, conn *Conn) error {
	if !ValidRoomID(roomID) {
		return ErrInvalidRoom
	}
	if conn == nil {
		return ErrNilConn
	}
	if _, loaded := r.index.LoadOrStore(conn, roomID); loaded {
		return ErrAlreadyJoined
	}

	sh := r.shardFor(roomID)
	for {
		sh.mu.Lock()
		set := sh.rooms[roomID]
		if set == nil {
			set = &memberSet{members: make(map[*Conn]struct{})}
			sh.rooms[roomID] = set
		}
		sh.mu.Unlock()

		set.mu.Lock()
		if set.dead {
			// Lost a race with pruning; the shard entry is gone or about to be.
			set.mu.Unlock()
			sh.mu.Lock()
			if sh.rooms[roomID] == set {
				delete(sh.rooms, roomID)
			}
			sh.mu.Unlock()
			continue
		}
		if r.maxMembers > 0 && len(set.members) >= r.maxMembers {
			set.mu.Unlock()
			r.index.CompareAndDelete(conn, roomID)
			return ErrRoomFull
		}
		set.members[conn] = struct{}{}
		set.mu.Unlock()
		return nil
	}
}

// Leave removes conn from roomID. Removing an absent connection is a no-op.
func (r *Registry) Leave(roomID string, conn *Conn) {
	if conn == nil {
		return
	}
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	set := sh.rooms[roomID]
	sh.mu.Unlock()
	if set == nil {
		return
	}

	set.mu.Lock()
	if _, ok := set.members[conn]; !ok {
		set.mu.Unlock()
		return
	}
	delete(set.members, conn)
	r.index.CompareAndDelete(conn, roomID)
	prune := len(set.members) == 0
	if prune {
		set.dead = true
	}
	set.mu.Unlock()

	if prune {
		sh.mu.Lock()
		if sh.rooms[roomID] == set {
			delete(sh.rooms, roomID)
		}
		sh.mu.Unlock()
	}
}

// MembersExcluding returns a point-in-time copy of roomID's members without excluded.
func (r *Registry) MembersExcluding(roomID string, excluded *Conn) []*Conn {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	set := sh.rooms[roomID]
	sh.mu.Unlock()
	if set == nil {
		return nil
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]*Conn, 0, len(set.members))
	for c := range set.members {
		if c != excluded {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Count(roomID string) int {
	return len(r.MembersExcluding(roomID, nil))
}

// RoomOf returns the room conn is currently joined to.
func (r *Registry) RoomOf(conn *Conn) (string, bool) {
	v, ok := r.index.Load(conn)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// RoomCount is the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		n += len(sh.rooms)
		sh.mu.Unlock()
	}
	return n
}

// CloseAll closes every registered connection with a going-away frame.
// Membership is released by each connection's own cleanup path.
func (r *Registry) CloseAll() {
	var conns []*Conn
	r.index.Range(func(k, _ any) bool {
		conns = append(conns, k.(*Conn))
		return true
	})
	for _, c := range conns {
		_ = c.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	}
}
