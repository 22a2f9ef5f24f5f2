package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"callify/internal/core/domain"
	"callify/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "callify:"

// joinScript atomically checks the connection's current room, claims it, and
// returns the member list ordered by join time. Atomicity per room comes from
// Redis executing scripts serially.
//
// KEYS[1] = conn hash, KEYS[2] = room zset, KEYS[3] = room names hash, KEYS[4] = rooms set
// ARGV[1] = room code, ARGV[2] = conn id, ARGV[3] = display name, ARGV[4] = join time (unix nanos)
// Returns: {"ERR_OTHER_ROOM"} or {"OK", id1, score1, name1, id2, ...}
var joinScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "room")
if current and current ~= ARGV[1] then
  return {"ERR_OTHER_ROOM"}
end
redis.call("HSET", KEYS[1], "room", ARGV[1], "display_name", ARGV[3])
redis.call("ZADD", KEYS[2], "NX", ARGV[4], ARGV[2])
redis.call("HSET", KEYS[3], ARGV[2], ARGV[3])
redis.call("SADD", KEYS[4], ARGV[1])
local out = {"OK"}
local members = redis.call("ZRANGE", KEYS[2], 0, -1, "WITHSCORES")
for i = 1, #members, 2 do
  out[#out+1] = members[i]
  out[#out+1] = members[i+1]
  out[#out+1] = redis.call("HGET", KEYS[3], members[i]) or ""
end
return out
`)

// leaveScript removes the connection from its room and returns the room code
// plus the remaining members. Empty rooms are deleted.
//
// KEYS[1] = conn hash; ARGV[1] = conn id, ARGV[2] = key prefix
// Returns: {} or {room, id1, score1, name1, ...}
var leaveScript = redis.NewScript(`
local room = redis.call("HGET", KEYS[1], "room")
if not room then
  return {}
end
local zkey = ARGV[2] .. "room:" .. room .. ":members"
local nkey = ARGV[2] .. "room:" .. room .. ":names"
redis.call("ZREM", zkey, ARGV[1])
redis.call("HDEL", nkey, ARGV[1])
redis.call("DEL", KEYS[1])
local out = {room}
local members = redis.call("ZRANGE", zkey, 0, -1, "WITHSCORES")
if #members == 0 then
  redis.call("DEL", zkey, nkey)
  redis.call("SREM", ARGV[2] .. "rooms", room)
  return out
end
for i = 1, #members, 2 do
  out[#out+1] = members[i]
  out[#out+1] = members[i+1]
  out[#out+1] = redis.call("HGET", nkey, members[i]) or ""
end
return out
`)

// RoomRegistry is the Redis-backed registry variant, for deployments that
// want membership to survive a broker restart. Scripted commands keep each
// join/leave atomic with respect to concurrent operations on the same room.
type RoomRegistry struct {
	client *redis.Client
}

func NewRoomRegistry(client *redis.Client) *RoomRegistry {
	return &RoomRegistry{client: client}
}

var _ ports.RoomRegistry = (*RoomRegistry)(nil)

func (r *RoomRegistry) connKey(id domain.ConnectionID) string {
	return keyPrefix + "conn:" + string(id)
}

func (r *RoomRegistry) membersKey(room domain.RoomCode) string {
	return fmt.Sprintf("%sroom:%s:members", keyPrefix, room)
}

func (r *RoomRegistry) namesKey(room domain.RoomCode) string {
	return fmt.Sprintf("%sroom:%s:names", keyPrefix, room)
}

func (r *RoomRegistry) roomsKey() string {
	return keyPrefix + "rooms"
}

func (r *RoomRegistry) Join(ctx context.Context, conn domain.Member, room domain.RoomCode) ([]domain.Member, error) {
	joinedAt := conn.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}

	res, err := joinScript.Run(ctx, r.client,
		[]string{r.connKey(conn.ConnectionID), r.membersKey(room), r.namesKey(room), r.roomsKey()},
		string(room), string(conn.ConnectionID), conn.DisplayName, joinedAt.UnixNano(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("registry join: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("registry join: empty script reply")
	}
	if res[0] == "ERR_OTHER_ROOM" {
		return nil, domain.ErrAlreadyInOtherRoom
	}
	return parseMembers(res[1:]), nil
}

func (r *RoomRegistry) Leave(ctx context.Context, id domain.ConnectionID) (domain.RoomCode, []domain.Member, bool) {
	res, err := leaveScript.Run(ctx, r.client,
		[]string{r.connKey(id)},
		string(id), keyPrefix,
	).StringSlice()
	if err != nil || len(res) == 0 {
		return "", nil, false
	}
	return domain.RoomCode(res[0]), parseMembers(res[1:]), true
}

func (r *RoomRegistry) RoomOf(ctx context.Context, id domain.ConnectionID) (domain.RoomCode, bool) {
	room, err := r.client.HGet(ctx, r.connKey(id), "room").Result()
	if err != nil {
		return "", false
	}
	return domain.RoomCode(room), true
}

func (r *RoomRegistry) Members(ctx context.Context, room domain.RoomCode) []domain.Member {
	ids, err := r.client.ZRangeWithScores(ctx, r.membersKey(room), 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return nil
	}

	names, _ := r.client.HGetAll(ctx, r.namesKey(room)).Result()

	members := make([]domain.Member, 0, len(ids))
	for _, z := range ids {
		id, _ := z.Member.(string)
		members = append(members, domain.Member{
			ConnectionID: domain.ConnectionID(id),
			DisplayName:  names[id],
			JoinedAt:     time.Unix(0, int64(z.Score)),
		})
	}
	return members
}

// RoomCount reports how many rooms currently have members.
func (r *RoomRegistry) RoomCount() int {
	n, err := r.client.SCard(context.Background(), r.roomsKey()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// parseMembers decodes the flat {id, score, name, ...} script reply.
func parseMembers(flat []string) []domain.Member {
	members := make([]domain.Member, 0, len(flat)/3)
	for i := 0; i+2 < len(flat); i += 3 {
		nanos, _ := strconv.ParseInt(flat[i+1], 10, 64)
		members = append(members, domain.Member{
			ConnectionID: domain.ConnectionID(flat[i]),
			DisplayName:  flat[i+2],
			JoinedAt:     time.Unix(0, nanos),
		})
	}
	return members
}
