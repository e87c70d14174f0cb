// Package redis implements coordinator election and membership on Redis.
// Membership is a heartbeat key per node; the coordinator is whichever node
// holds a redsync mutex, extended on every heartbeat.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"go.uber.org/zap"
)

// Config controls heartbeat cadence and expiry.
type Config struct {
	NodeID            string
	Prefix            string
	HeartbeatInterval time.Duration
	MemberTTL         time.Duration
}

// Node is one grid member backed by Redis.
type Node struct {
	client *redis.Client
	cfg    Config
	mutex  *redsync.Mutex
	leader atomic.Bool
	logger *zap.Logger
}

// New creates a Node. Call Run (or Heartbeat) to join the cluster.
func New(client *redis.Client, cfg Config, logger *zap.Logger) (*Node, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "crawlgrid:"
	}
	if cfg.MemberTTL <= 0 {
		cfg.MemberTTL = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.MemberTTL {
		cfg.HeartbeatInterval = cfg.MemberTTL / 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rs := redsync.New(goredis.NewPool(client))
	return &Node{
		client: client,
		cfg:    cfg,
		mutex: rs.NewMutex(cfg.Prefix+"coordinator",
			redsync.WithExpiry(cfg.MemberTTL),
			redsync.WithTries(1),
		),
		logger: logger.Named("cluster").With(zap.String("node_id", cfg.NodeID)),
	}, nil
}

// NodeID returns this node's id.
func (n *Node) NodeID() string {
	return n.cfg.NodeID
}

// IsCoordinator reports whether this node held the election lock at its last
// heartbeat.
func (n *Node) IsCoordinator() bool {
	return n.leader.Load()
}

func (n *Node) memberKey(id string) string {
	return n.cfg.Prefix + "member:" + id
}

// Members lists nodes whose heartbeat key has not expired.
func (n *Node) Members(ctx context.Context) ([]string, error) {
	prefix := n.memberKey("")
	var out []string
	iter := n.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan members: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Heartbeat refreshes membership and then acquires or extends the
// coordinator lock.
func (n *Node) Heartbeat(ctx context.Context) error {
	if err := n.client.Set(ctx, n.memberKey(n.cfg.NodeID), time.Now().UTC().Format(time.RFC3339), n.cfg.MemberTTL).Err(); err != nil {
		return fmt.Errorf("refresh membership: %w", err)
	}

	if n.leader.Load() {
		ok, err := n.mutex.ExtendContext(ctx)
		if err != nil || !ok {
			n.leader.Store(false)
			n.logger.Warn("lost coordinator lock", zap.Error(err))
		}
		return nil
	}

	if err := n.mutex.LockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			return nil
		}
		return fmt.Errorf("acquire coordinator lock: %w", err)
	}
	n.leader.Store(true)
	n.logger.Info("elected coordinator")
	return nil
}

// Run heartbeats until ctx ends, then releases the lock and membership key.
func (n *Node) Run(ctx context.Context) {
	if err := n.Heartbeat(ctx); err != nil {
		n.logger.Error("heartbeat failed", zap.Error(err))
	}
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.leave()
			return
		case <-ticker.C:
			if err := n.Heartbeat(ctx); err != nil {
				n.logger.Error("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (n *Node) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if n.leader.Swap(false) {
		if _, err := n.mutex.UnlockContext(ctx); err != nil {
			n.logger.Warn("release coordinator lock failed", zap.Error(err))
		}
	}
	if err := n.client.Del(ctx, n.memberKey(n.cfg.NodeID)).Err(); err != nil {
		n.logger.Warn("remove membership failed", zap.Error(err))
	}
}
