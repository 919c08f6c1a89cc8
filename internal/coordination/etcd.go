package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/flowbroker/substream/internal/partition"
)

// sessionLeaseTTL bounds how long a session row survives without a
// heartbeat; RegisterSession renews it for the session's lifetime.
const sessionLeaseTTL = 15 // seconds

// EtcdClient is a Client backed by etcd, the coordination store laid out
// abstractly in spec.md §6. Layout, one persistent subtree per subscription:
//
//	/substream/{sub}/sessions/{sessionID}    -> clientID          (leased)
//	/substream/{sub}/partitions/{type}/{pid} -> partitionRecord
//	/substream/{sub}/offsets/{type}/{pid}    -> cursorRecord
//	/substream/{sub}/lock                    -> concurrency.Mutex prefix
//
// One EtcdClient is constructed per subscription; that is why none of its
// methods take a subscriptionID (spec.md §4.3 signatures don't either).
type EtcdClient struct {
	cli            *clientv3.Client
	log            logr.Logger
	subscriptionID string
	leases         map[string]clientv3.LeaseID
}

// NewEtcdClient wires a coordination Client, scoped to subscriptionID,
// against the given etcd endpoints — the same client construction the
// teacher's etcd scaler uses (clientv3.New with a dial timeout).
func NewEtcdClient(endpoints []string, subscriptionID string, log logr.Logger) (*EtcdClient, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("coordination: error connecting to etcd: %w", err)
	}
	return &EtcdClient{cli: cli, log: log, subscriptionID: subscriptionID, leases: make(map[string]clientv3.LeaseID)}, nil
}

func (c *EtcdClient) Close() error {
	return c.cli.Close()
}

func (c *EtcdClient) sessionsPrefix() string {
	return fmt.Sprintf("/substream/%s/sessions/", c.subscriptionID)
}

func (c *EtcdClient) sessionPath(sessionID string) string {
	return c.sessionsPrefix() + sessionID
}

func (c *EtcdClient) partitionsPrefix() string {
	return fmt.Sprintf("/substream/%s/partitions/", c.subscriptionID)
}

func (c *EtcdClient) offsetPath(key partition.Key) string {
	return fmt.Sprintf("/substream/%s/offsets/%s/%s", c.subscriptionID, key.EventType, key.PartitionID)
}

func (c *EtcdClient) lockPrefix() string {
	return fmt.Sprintf("/substream/%s/lock", c.subscriptionID)
}

type partitionRecord struct {
	OwningSessionID string `json:"owningSessionId"`
	State           string `json:"state"`
	CommittedOffset int64  `json:"committedOffset"`
}

type cursorRecord struct {
	Offset     int64  `json:"offset"`
	TimelineID string `json:"timelineId"`
}

func (c *EtcdClient) RegisterSession(ctx context.Context, s Session) error {
	lease, err := c.cli.Grant(ctx, sessionLeaseTTL)
	if err != nil {
		return fmt.Errorf("%w: grant lease: %v", ErrUnavailable, err)
	}
	_, err = c.cli.Put(ctx, c.sessionPath(s.SessionID), s.ClientID, clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("%w: register session: %v", ErrUnavailable, err)
	}
	c.leases[s.SessionID] = lease.ID

	ch, err := c.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("%w: keepalive: %v", ErrUnavailable, err)
	}
	// drain responses for the session's lifetime; the channel closes when
	// ctx is cancelled at session shutdown.
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (c *EtcdClient) UnregisterSession(ctx context.Context, s Session) error {
	_, err := c.cli.Delete(ctx, c.sessionPath(s.SessionID))
	if err != nil {
		return fmt.Errorf("%w: unregister session: %v", ErrUnavailable, err)
	}
	if lease, ok := c.leases[s.SessionID]; ok {
		_, _ = c.cli.Revoke(ctx, lease)
		delete(c.leases, s.SessionID)
	}
	return nil
}

func (c *EtcdClient) IsActiveSession(ctx context.Context, sessionID string) (bool, error) {
	resp, err := c.cli.Get(ctx, c.sessionPath(sessionID))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return len(resp.Kvs) > 0, nil
}

func (c *EtcdClient) ListPartitions(ctx context.Context) ([]partition.Partition, error) {
	resp, err := c.cli.Get(ctx, c.partitionsPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: list partitions: %v", ErrUnavailable, err)
	}
	out := make([]partition.Partition, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key, ok := parseTrailingKey(string(kv.Key))
		if !ok {
			continue
		}
		var rec partitionRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			c.log.Error(err, "coordination: malformed partition record", "key", string(kv.Key))
			continue
		}
		out = append(out, partition.Partition{
			Key:             key,
			OwningSessionID: rec.OwningSessionID,
			State:           partition.State(rec.State),
			CommittedOffset: rec.CommittedOffset,
		})
	}
	return out, nil
}

// parseTrailingKey extracts the final two "/"-separated segments of an
// etcd key as a partition.Key{EventType, PartitionID}.
func parseTrailingKey(etcdKey string) (partition.Key, bool) {
	parts := strings.Split(etcdKey, "/")
	if len(parts) < 2 {
		return partition.Key{}, false
	}
	return partition.Key{EventType: parts[len(parts)-2], PartitionID: parts[len(parts)-1]}, true
}

func (c *EtcdClient) ListSessions(ctx context.Context) ([]string, error) {
	resp, err := c.cli.Get(ctx, c.sessionsPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrUnavailable, err)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		parts := strings.Split(string(kv.Key), "/")
		out = append(out, parts[len(parts)-1])
	}
	return out, nil
}

// SubscribeForSessionListChanges watches the session subtree. The callback
// is invoked on the watch goroutine and must only enqueue work, per Design
// Note 9 — this type never calls back into session state directly.
func (c *EtcdClient) SubscribeForSessionListChanges(ctx context.Context, callback WatchCallback) (Watcher, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	rch := c.cli.Watch(watchCtx, c.sessionsPrefix(), clientv3.WithPrefix())
	go func() {
		for resp := range rch {
			if resp.Err() != nil {
				c.log.Error(resp.Err(), "coordination: session watch error", "subscriptionId", c.subscriptionID)
				continue
			}
			if len(resp.Events) > 0 {
				callback()
			}
		}
	}()
	return watcherFunc(cancel), nil
}

type watcherFunc func()

func (w watcherFunc) Close() error {
	w()
	return nil
}

// RebalanceSessions has no dedicated etcd-side computation: the watcher on
// the session subtree is the trigger. This re-touches a tick key so
// revision-based watchers observe forward progress even when the actual
// assignment computation is a no-op.
func (c *EtcdClient) RebalanceSessions(ctx context.Context) error {
	path := fmt.Sprintf("/substream/%s/rebalance-tick", c.subscriptionID)
	_, err := c.cli.Put(ctx, path, strconv.FormatInt(time.Now().UnixNano(), 10))
	if err != nil {
		return fmt.Errorf("%w: rebalance: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *EtcdClient) GetOffset(ctx context.Context, key partition.Key) (partition.Cursor, error) {
	resp, err := c.cli.Get(ctx, c.offsetPath(key))
	if err != nil {
		return partition.Cursor{}, fmt.Errorf("%w: get offset: %v", ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return partition.Cursor{Key: key, Offset: -1}, nil
	}
	var rec cursorRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return partition.Cursor{}, fmt.Errorf("coordination: malformed cursor record: %w", err)
	}
	return partition.Cursor{Key: key, Offset: rec.Offset, TimelineID: rec.TimelineID}, nil
}

func (c *EtcdClient) CommitOffsets(ctx context.Context, cursors []partition.Cursor, cmp partition.Comparator) ([]bool, error) {
	results := make([]bool, len(cursors))
	for i, cur := range cursors {
		ok, err := c.commitOne(ctx, cur, cmp)
		if err != nil {
			return results, err
		}
		results[i] = ok
	}
	return results, nil
}

func (c *EtcdClient) commitOne(ctx context.Context, cur partition.Cursor, cmp partition.Comparator) (bool, error) {
	path := c.offsetPath(cur.Key)
	resp, err := c.cli.Get(ctx, path)
	if err != nil {
		return false, fmt.Errorf("%w: commit get: %v", ErrUnavailable, err)
	}
	current := partition.Cursor{Key: cur.Key, Offset: -1}
	modRevision := int64(0)
	if len(resp.Kvs) > 0 {
		modRevision = resp.Kvs[0].ModRevision
		var rec cursorRecord
		if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err == nil {
			current.Offset = rec.Offset
			current.TimelineID = rec.TimelineID
		}
	}

	if cmp.Compare(cur, current) <= 0 {
		// equal (already committed) or stale: both return false, no error.
		return false, nil
	}

	rec := cursorRecord{Offset: cur.Offset, TimelineID: cur.TimelineID}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("coordination: marshal cursor: %w", err)
	}

	txnResp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(path), "=", modRevision)).
		Then(clientv3.OpPut(path, string(payload))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("%w: commit txn: %v", ErrUnavailable, err)
	}
	if !txnResp.Succeeded {
		// lost a race with a concurrent committer; treat as stale.
		return false, nil
	}
	return true, nil
}

func (c *EtcdClient) ResetCursors(ctx context.Context, cursors []partition.Cursor, timeoutMillis int64) error {
	return c.RunLocked(ctx, func(ctx context.Context) error {
		drainCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMillis)*time.Millisecond)
		defer cancel()
		<-drainCtx.Done()
		for _, cur := range cursors {
			rec := cursorRecord{Offset: cur.Offset, TimelineID: cur.TimelineID}
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("coordination: marshal reset cursor: %w", err)
			}
			if _, err := c.cli.Put(ctx, c.offsetPath(cur.Key), string(payload)); err != nil {
				return fmt.Errorf("%w: reset cursor: %v", ErrUnavailable, err)
			}
		}
		return nil
	})
}

func (c *EtcdClient) RunLocked(ctx context.Context, action func(ctx context.Context) error) error {
	session, err := concurrency.NewSession(c.cli)
	if err != nil {
		return fmt.Errorf("%w: lock session: %v", ErrUnavailable, err)
	}
	defer session.Close()

	mutex := concurrency.NewMutex(session, c.lockPrefix())
	if err := mutex.Lock(ctx); err != nil {
		return fmt.Errorf("%w: acquire lock: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := mutex.Unlock(context.Background()); err != nil {
			c.log.Error(err, "coordination: failed to release lock", "subscriptionId", c.subscriptionID)
		}
	}()

	return action(ctx)
}
