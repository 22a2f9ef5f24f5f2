package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"callify/internal/core/domain"
	"callify/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const historyMaxEntries = 100

type historyEntry struct {
	RoomCode domain.RoomCode `json:"room_code"`
	JoinedAt time.Time       `json:"joined_at"`
}

// HistoryRecorder keeps a capped per-user list of joined meetings. The broker
// calls it fire-and-forget; callers decide what to do with errors.
type HistoryRecorder struct {
	client *redis.Client
}

func NewHistoryRecorder(client *redis.Client) *HistoryRecorder {
	return &HistoryRecorder{client: client}
}

var _ ports.HistoryRecorder = (*HistoryRecorder)(nil)

func (h *HistoryRecorder) historyKey(user domain.UserID) string {
	return keyPrefix + "history:" + string(user)
}

func (h *HistoryRecorder) RecordJoin(ctx context.Context, user domain.UserID, room domain.RoomCode) error {
	if user == "" {
		// Anonymous participants leave no history.
		return nil
	}

	data, err := json.Marshal(historyEntry{RoomCode: room, JoinedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	key := h.historyKey(user)
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, historyMaxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record join history: %w", err)
	}
	return nil
}
