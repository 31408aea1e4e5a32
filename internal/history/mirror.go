package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/verifai/internal/transaction"
)

// Mirror is a durable replica of user history. The in-memory Store stays
// authoritative for scoring; the mirror only survives restarts.
type Mirror interface {
	Append(ctx context.Context, tx transaction.Transaction) error
	Load(ctx context.Context, userID string) ([]transaction.Transaction, error)
}

const redisKeyPrefix = "verifai:history:"

// RedisMirror stores each user's history as a Redis list of JSON documents.
type RedisMirror struct {
	client     redis.UniversalClient
	maxEntries int
	logger     *slog.Logger
}

// NewRedisMirror creates a Redis-backed mirror. maxEntries caps each list
// (0 keeps everything).
func NewRedisMirror(client redis.UniversalClient, maxEntries int, logger *slog.Logger) *RedisMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{client: client, maxEntries: maxEntries, logger: logger}
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}

// Append pushes tx to the tail of the user's list and trims the head.
func (m *RedisMirror) Append(ctx context.Context, tx transaction.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	key := redisKey(tx.UserID)
	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if m.maxEntries > 0 {
		pipe.LTrim(ctx, key, int64(-m.maxEntries), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror transaction %s: %w", tx.ID, err)
	}
	return nil
}

// Load returns the user's mirrored history, oldest first. Entries that do
// not decode are left out and reported in a warning.
func (m *RedisMirror) Load(ctx context.Context, userID string) ([]transaction.Transaction, error) {
	raw, err := m.client.LRange(ctx, redisKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", userID, err)
	}
	return m.decode(userID, raw), nil
}

func (m *RedisMirror) decode(userID string, raw []string) []transaction.Transaction {
	out := make([]transaction.Transaction, 0, len(raw))
	var (
		skipped  int
		firstErr error
	)
	for _, item := range raw {
		var tx transaction.Transaction
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			skipped++
			continue
		}
		out = append(out, tx)
	}
	if skipped > 0 {
		m.logger.Warn("skipped undecodable mirrored history entries",
			"user_id", userID, "skipped", skipped, "loaded", len(out), "error", firstErr)
	}
	return out
}

// Ping reports whether Redis is reachable.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
