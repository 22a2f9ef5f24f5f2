package memory

import (
	"context"
	"sync"
	"time"

	"callify/internal/core/domain"
	"callify/internal/core/ports"
)

// roomState holds one room's member set behind its own lock, so joins and
// leaves on unrelated rooms never contend.
type roomState struct {
	mu      sync.Mutex
	members []domain.Member
	// gone marks a room collected after its last member left; a joiner that
	// raced the collection retries with a fresh roomState.
	gone bool
}

// RoomRegistry is the in-memory membership bookkeeping. r.mu guards only the
// two maps; member-set mutations happen under the per-room lock. Lock order
// is roomState.mu before r.mu, everywhere.
type RoomRegistry struct {
	mu    sync.Mutex
	rooms map[domain.RoomCode]*roomState
	index map[domain.ConnectionID]domain.RoomCode
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[domain.RoomCode]*roomState),
		index: make(map[domain.ConnectionID]domain.RoomCode),
	}
}

var _ ports.RoomRegistry = (*RoomRegistry)(nil)

func (r *RoomRegistry) Join(ctx context.Context, conn domain.Member, room domain.RoomCode) ([]domain.Member, error) {
	for {
		r.mu.Lock()
		if current, ok := r.index[conn.ConnectionID]; ok && current != room {
			r.mu.Unlock()
			return nil, domain.ErrAlreadyInOtherRoom
		}
		rm, ok := r.rooms[room]
		if !ok {
			rm = &roomState{}
			r.rooms[room] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.gone {
			rm.mu.Unlock()
			continue
		}

		// Idempotent rejoin: already a member, return the current list.
		for _, m := range rm.members {
			if m.ConnectionID == conn.ConnectionID {
				snap := snapshot(rm.members)
				rm.mu.Unlock()
				return snap, nil
			}
		}

		r.mu.Lock()
		if current, ok := r.index[conn.ConnectionID]; ok && current != room {
			r.mu.Unlock()
			rm.mu.Unlock()
			return nil, domain.ErrAlreadyInOtherRoom
		}
		r.index[conn.ConnectionID] = room
		r.mu.Unlock()

		if conn.JoinedAt.IsZero() {
			conn.JoinedAt = time.Now()
		}
		rm.members = append(rm.members, conn)
		snap := snapshot(rm.members)
		rm.mu.Unlock()
		return snap, nil
	}
}

func (r *RoomRegistry) Leave(ctx context.Context, id domain.ConnectionID) (domain.RoomCode, []domain.Member, bool) {
	r.mu.Lock()
	room, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return "", nil, false
	}
	rm := r.rooms[room]
	r.mu.Unlock()

	rm.mu.Lock()
	for i, m := range rm.members {
		if m.ConnectionID == id {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}

	r.mu.Lock()
	delete(r.index, id)
	if len(rm.members) == 0 {
		rm.gone = true
		delete(r.rooms, room)
	}
	r.mu.Unlock()

	remaining := snapshot(rm.members)
	rm.mu.Unlock()
	return room, remaining, true
}

func (r *RoomRegistry) RoomOf(ctx context.Context, id domain.ConnectionID) (domain.RoomCode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.index[id]
	return room, ok
}

func (r *RoomRegistry) Members(ctx context.Context, room domain.RoomCode) []domain.Member {
	r.mu.Lock()
	rm, ok := r.rooms[room]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return snapshot(rm.members)
}

// RoomCount reports how many rooms currently have members.
func (r *RoomRegistry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func snapshot(members []domain.Member) []domain.Member {
	out := make([]domain.Member, len(members))
	copy(out, members)
	return out
}
