package ports

import (
	"context"

	"callify/internal/core/domain"
)

// RoomRegistry is the authoritative room-membership bookkeeping. Rooms are
// implicit: they exist while they have members and are garbage afterwards.
//
// Implementations must make every read-modify-write atomic per room: a join
// and a concurrent leave on the same room serialize, so a member list handed
// to a joiner is never stale.
type RoomRegistry interface {
	// Join adds the connection to the room's member set. Rejoining the same
	// room is a no-op returning the current list. Joining while a member of a
	// different room fails with domain.ErrAlreadyInOtherRoom and leaves the
	// original membership untouched. The returned list is ordered by join
	// time and includes the joiner.
	Join(ctx context.Context, conn domain.Member, room domain.RoomCode) ([]domain.Member, error)

	// Leave removes the connection from whatever room it is in and reports
	// the room code plus the remaining members so the caller can notify
	// them. Not being in any room is a no-op returning ok=false.
	Leave(ctx context.Context, id domain.ConnectionID) (room domain.RoomCode, remaining []domain.Member, ok bool)

	// RoomOf reports the room the connection currently belongs to.
	RoomOf(ctx context.Context, id domain.ConnectionID) (domain.RoomCode, bool)

	// Members returns the current member list of a room, ordered by join
	// time. An unknown room yields an empty list.
	Members(ctx context.Context, room domain.RoomCode) []domain.Member
}
