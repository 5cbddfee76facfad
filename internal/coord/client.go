// Package coord implements node liveness and per-task leases on top of a
// shared KV store.
package coord

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetsched/pkg/logx"
)

const (
	lockPrefix = "lock:task:"
	nodePrefix = "node:"
	tokenSep   = "/"

	DefaultLeaseTTL = 30 * time.Second
	DefaultNodeTTL  = 60 * time.Second
)

type Config struct {
	NodeID   string
	LeaseTTL time.Duration
	NodeTTL  time.Duration
}

// Node is one live entry of the fleet membership list.
type Node struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname,omitempty"`
	Status    string    `json:"status"`
	Heartbeat time.Time `json:"heartbeat"`
	Started   time.Time `json:"started"`
}

type Client struct {
	kv  KV
	log logx.Logger

	nodeID   string
	hostname string
	started  time.Time
	leaseTTL time.Duration
	nodeTTL  time.Duration
}

func New(kv KV, cfg Config, log logx.Logger) *Client {
	id := strings.TrimSpace(cfg.NodeID)
	if id == "" {
		id = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.NodeTTL <= 0 {
		cfg.NodeTTL = DefaultNodeTTL
	}
	host, _ := os.Hostname()
	return &Client{
		kv:       kv,
		log:      log.With(logx.String("comp", "coord"), logx.String("node", id)),
		nodeID:   id,
		hostname: host,
		started:  time.Now(),
		leaseTTL: cfg.LeaseTTL,
		nodeTTL:  cfg.NodeTTL,
	}
}

func (c *Client) NodeID() string          { return c.nodeID }
func (c *Client) LeaseTTL() time.Duration { return c.leaseTTL }

func lockKey(taskID string) string { return lockPrefix + taskID }
func nodeKey(nodeID string) string { return nodePrefix + nodeID }

func (c *Client) nodeFields(now time.Time) map[string]string {
	return map[string]string{
		"id":        c.nodeID,
		"heartbeat": now.UTC().Format(time.RFC3339Nano),
		"status":    "active",
		"hostname":  c.hostname,
		"started":   c.started.UTC().Format(time.RFC3339Nano),
	}
}

// RegisterNode announces this node with the node TTL.
func (c *Client) RegisterNode(ctx context.Context) error {
	if err := c.kv.HSet(ctx, nodeKey(c.nodeID), c.nodeFields(time.Now()), c.nodeTTL); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	c.log.Debug("node registered")
	return nil
}

// UpdateNodeHeartbeat refreshes the heartbeat timestamp and TTL.
func (c *Client) UpdateNodeHeartbeat(ctx context.Context) error {
	if err := c.kv.HSet(ctx, nodeKey(c.nodeID), c.nodeFields(time.Now()), c.nodeTTL); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// DeregisterNode removes this node from the membership list.
func (c *Client) DeregisterNode(ctx context.Context) error {
	if err := c.kv.Delete(ctx, nodeKey(c.nodeID)); err != nil {
		return fmt.Errorf("deregister node: %w", err)
	}
	return nil
}

// ActiveNodes lists nodes whose registration has not expired.
func (c *Client) ActiveNodes(ctx context.Context) ([]Node, error) {
	keys, err := c.kv.Keys(ctx, nodePrefix)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	out := make([]Node, 0, len(keys))
	for _, k := range keys {
		h, err := c.kv.HGetAll(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", k, err)
		}
		if len(h) == 0 {
			continue
		}
		n := Node{
			ID:       h["id"],
			Hostname: h["hostname"],
			Status:   h["status"],
		}
		if n.ID == "" {
			n.ID = strings.TrimPrefix(k, nodePrefix)
		}
		n.Heartbeat, _ = time.Parse(time.RFC3339Nano, h["heartbeat"])
		n.Started, _ = time.Parse(time.RFC3339Nano, h["started"])
		out = append(out, n)
	}
	return out, nil
}

// Lease is one acquisition of a task lock. Its token is unique per
// acquisition: once the key expires and is taken again, even by the same
// node, the old Lease can no longer renew or release it.
type Lease struct {
	TaskID string
	token  string
}

func (c *Client) newToken() string { return c.nodeID + tokenSep + uuid.NewString() }

// AcquireTaskLock takes the lease for taskID if nobody holds a live one.
// A nil Lease with a nil error means someone else holds it.
func (c *Client) AcquireTaskLock(ctx context.Context, taskID string) (*Lease, error) {
	l := &Lease{TaskID: taskID, token: c.newToken()}
	ok, err := c.kv.SetNX(ctx, lockKey(taskID), l.token, c.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", taskID, err)
	}
	if !ok {
		return nil, nil
	}
	return l, nil
}

// RenewTaskLock extends the lease only while l is still the stored
// acquisition. false means exclusivity is lost and the caller must stop.
func (c *Client) RenewTaskLock(ctx context.Context, l *Lease) (bool, error) {
	if l == nil {
		return false, nil
	}
	ok, err := c.kv.CompareAndExpire(ctx, lockKey(l.TaskID), l.token, c.leaseTTL)
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", l.TaskID, err)
	}
	return ok, nil
}

// ReleaseTaskLock deletes the lease only if l is still the stored acquisition.
func (c *Client) ReleaseTaskLock(ctx context.Context, l *Lease) (bool, error) {
	if l == nil {
		return false, nil
	}
	ok, err := c.kv.CompareAndDelete(ctx, lockKey(l.TaskID), l.token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", l.TaskID, err)
	}
	return ok, nil
}

// LockHolder returns the node currently holding taskID's lease, or "".
func (c *Client) LockHolder(ctx context.Context, taskID string) (string, error) {
	v, ok, err := c.kv.Get(ctx, lockKey(taskID))
	if err != nil {
		return "", fmt.Errorf("lock holder %s: %w", taskID, err)
	}
	if !ok {
		return "", nil
	}
	if i := strings.LastIndex(v, tokenSep); i >= 0 {
		return v[:i], nil
	}
	return v, nil
}
