package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig holds etcd connection settings
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// EtcdLocker implements Locker with a lease-bound key per lock. The owner is
// stored as the value so any process can release on behalf of the same owner.
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdLocker connects to etcd
func NewEtcdLocker(cfg *EtcdConfig) (*EtcdLocker, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/locks/"
	}
	return &EtcdLocker{client: cli, prefix: prefix}, nil
}

// Close closes the etcd client
func (l *EtcdLocker) Close() error {
	return l.client.Close()
}

func (l *EtcdLocker) path(key string) string { return l.prefix + key }

// leaseSeconds rounds up; etcd leases have second granularity
func leaseSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func (l *EtcdLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	grant, err := l.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to grant lease: %w", err)
	}

	k := l.path(key)
	resp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, owner, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil || !resp.Succeeded {
		_, _ = l.client.Revoke(context.WithoutCancel(ctx), grant.ID)
		if err != nil {
			return false, fmt.Errorf("lock txn failed: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// Refresh keeps the lease alive. etcd leases keep their granted ttl, so the ttl
// argument only matters at Acquire.
func (l *EtcdLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	resp, err := l.client.Get(ctx, l.path(key))
	if err != nil {
		return false, err
	}
	if len(resp.Kvs) == 0 || string(resp.Kvs[0].Value) != owner {
		return false, nil
	}
	_, err = l.client.KeepAliveOnce(ctx, clientv3.LeaseID(resp.Kvs[0].Lease))
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to keep lease alive: %w", err)
	}
	return true, nil
}

func (l *EtcdLocker) Release(ctx context.Context, key, owner string) (bool, error) {
	k := l.path(key)
	resp, err := l.client.Get(ctx, k)
	if err != nil {
		return false, err
	}
	if len(resp.Kvs) == 0 || string(resp.Kvs[0].Value) != owner {
		return false, nil
	}
	kv := resp.Kvs[0]

	txn, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", owner), clientv3.Compare(clientv3.ModRevision(k), "=", kv.ModRevision)).
		Then(clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("unlock txn failed: %w", err)
	}
	if kv.Lease != 0 {
		_, _ = l.client.Revoke(ctx, clientv3.LeaseID(kv.Lease))
	}
	return txn.Succeeded, nil
}
