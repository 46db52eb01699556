// Package leader gates periodic tasks that must run on exactly one hub
// instance at a time.
package leader

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Elector answers whether this node currently owns a named task
type Elector interface {
	IsLeader(taskID string) bool
}

// Static always answers the same - the single-node and test elector
type Static struct {
	Leader bool
}

func (s Static) IsLeader(taskID string) bool {
	return s.Leader
}

const lockTTL = 15 * time.Second

// RedisElector owns a task by holding a per-task Redis lock. The first node
// to claim the lock keeps renewing it; others take over when it lapses
type RedisElector struct {
	client *redis.Client
	nodeID string
}

func NewRedisElector(client *redis.Client) *RedisElector {
	hostname, _ := os.Hostname()

	return &RedisElector{
		client: client,
		nodeID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	}
}

func (e *RedisElector) IsLeader(taskID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lockKey := fmt.Sprintf("sirihub:leader:%s", taskID)

	acquired, err := e.client.SetNX(ctx, lockKey, e.nodeID, lockTTL).Result()
	if err != nil {
		log.Error().Err(err).Str("task", taskID).Msg("Leader lock check failed")
		return false
	}
	if acquired {
		log.Info().Str("task", taskID).Str("node", e.nodeID).Msg("Acquired leadership")
		return true
	}

	owner, err := e.client.Get(ctx, lockKey).Result()
	if err != nil {
		return false
	}
	if owner == e.nodeID {
		// Still ours - refresh the lease
		e.client.Expire(ctx, lockKey, lockTTL)
		return true
	}

	return false
}
