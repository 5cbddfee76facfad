package coord

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetsched/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newPair(kv KV) (*Client, *Client) {
	a := New(kv, Config{NodeID: "node-a", LeaseTTL: 10 * time.Second}, logx.Nop())
	b := New(kv, Config{NodeID: "node-b", LeaseTTL: 10 * time.Second}, logx.Nop())
	return a, b
}

func TestLockMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, b := newPair(NewMemoryKV())

	la, err := a.AcquireTaskLock(ctx, "t1")
	if err != nil || la == nil {
		t.Fatalf("a acquire: lease=%v err=%v", la, err)
	}
	lb, err := b.AcquireTaskLock(ctx, "t1")
	if err != nil || lb != nil {
		t.Fatalf("b acquire while held: lease=%v err=%v", lb, err)
	}
	forged := &Lease{TaskID: "t1", token: b.newToken()}
	if ok, _ := b.RenewTaskLock(ctx, forged); ok {
		t.Fatal("b renewed a lease it does not hold")
	}
	if ok, _ := b.ReleaseTaskLock(ctx, forged); ok {
		t.Fatal("b released a lease it does not hold")
	}
	if ok, _ := b.ReleaseTaskLock(ctx, nil); ok {
		t.Fatal("nil lease released")
	}
	if holder, _ := a.LockHolder(ctx, "t1"); holder != "node-a" {
		t.Fatalf("holder = %q, want node-a", holder)
	}

	if ok, _ := a.ReleaseTaskLock(ctx, la); !ok {
		t.Fatal("a release failed")
	}
	if l, _ := b.AcquireTaskLock(ctx, "t1"); l == nil {
		t.Fatal("b acquire after release failed")
	}
}

func TestLockConcurrentAcquire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := NewMemoryKV()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		c := New(kv, Config{LeaseTTL: time.Minute}, logx.Nop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l, _ := c.AcquireTaskLock(ctx, "shared"); l != nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := winners.Load(); n != 1 {
		t.Fatalf("winners = %d, want 1", n)
	}
}

func TestLockExpiresAndRenew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a, b := newPair(NewMemoryKV().WithClock(clk.Now))

	la, _ := a.AcquireTaskLock(ctx, "t1")
	if la == nil {
		t.Fatal("acquire failed")
	}
	clk.Advance(6 * time.Second)
	if ok, _ := a.RenewTaskLock(ctx, la); !ok {
		t.Fatal("renew failed")
	}
	clk.Advance(6 * time.Second)
	if l, _ := b.AcquireTaskLock(ctx, "t1"); l != nil {
		t.Fatal("renewed lease was taken over")
	}
	clk.Advance(5 * time.Second)
	if l, _ := b.AcquireTaskLock(ctx, "t1"); l == nil {
		t.Fatal("expired lease not reclaimable")
	}
	if ok, _ := a.RenewTaskLock(ctx, la); ok {
		t.Fatal("a renewed after losing the lease")
	}
}

func TestLockSameNodeReacquireInvalidatesOldLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	kv := NewMemoryKV().WithClock(clk.Now)
	// Two processes that share a configured node id, or one node re-acquiring
	// after its own lease expired.
	first := New(kv, Config{NodeID: "node-a", LeaseTTL: 10 * time.Second}, logx.Nop())
	second := New(kv, Config{NodeID: "node-a", LeaseTTL: 10 * time.Second}, logx.Nop())

	old, _ := first.AcquireTaskLock(ctx, "t1")
	if old == nil {
		t.Fatal("first acquire failed")
	}
	clk.Advance(11 * time.Second)

	for _, c := range []*Client{first, second} {
		cur, _ := c.AcquireTaskLock(ctx, "t1")
		if cur == nil {
			t.Fatal("re-acquire after expiry failed")
		}
		if ok, _ := first.RenewTaskLock(ctx, old); ok {
			t.Fatal("stale lease renewed after the key was re-acquired")
		}
		if ok, _ := first.ReleaseTaskLock(ctx, old); ok {
			t.Fatal("stale lease deleted the new holder's key")
		}
		if holder, _ := c.LockHolder(ctx, "t1"); holder != "node-a" {
			t.Fatalf("holder = %q, want node-a", holder)
		}
		if ok, _ := c.ReleaseTaskLock(ctx, cur); !ok {
			t.Fatal("current lease release failed")
		}
		old = cur
	}
}

func TestActiveNodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	kv := NewMemoryKV().WithClock(clk.Now)
	a := New(kv, Config{NodeID: "a", NodeTTL: time.Minute}, logx.Nop())
	b := New(kv, Config{NodeID: "b", NodeTTL: time.Minute}, logx.Nop())

	if err := a.RegisterNode(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterNode(ctx); err != nil {
		t.Fatal(err)
	}
	nodes, err := a.ActiveNodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 || nodes[0].ID != "a" || nodes[1].ID != "b" {
		t.Fatalf("nodes = %+v", nodes)
	}
	if nodes[0].Status != "active" || nodes[0].Heartbeat.IsZero() {
		t.Fatalf("node fields not populated: %+v", nodes[0])
	}

	clk.Advance(40 * time.Second)
	if err := a.UpdateNodeHeartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	clk.Advance(30 * time.Second)
	nodes, _ = a.ActiveNodes(ctx)
	if len(nodes) != 1 || nodes[0].ID != "a" {
		t.Fatalf("after b expired, nodes = %+v", nodes)
	}

	if err := a.DeregisterNode(ctx); err != nil {
		t.Fatal(err)
	}
	nodes, _ = a.ActiveNodes(ctx)
	if len(nodes) != 0 {
		t.Fatalf("after deregister, nodes = %+v", nodes)
	}
}
