// Package discovery publishes the local endpoint in etcd and feeds the peers published by
// other nodes to a connection registry.
package discovery

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/util/etcdutil"
	"github.com/AutoMQ/remoting/pkg/util/logutil"
	"github.com/AutoMQ/remoting/pkg/util/traceutil"
)

const (
	// DefaultPrefix is the etcd key prefix under which endpoints are published
	DefaultPrefix = "/remoting/endpoints"
	// DefaultLeaseTTL is the TTL in seconds of a published endpoint whose node stopped keeping it alive
	DefaultLeaseTTL = 10
)

// ErrIdentityTaken is returned by Register if another node published the same identity
var ErrIdentityTaken = errors.New("identity already registered")

// Registry accepts peers found by discovery.
// It is implemented by remoting.Manager.
type Registry interface {
	AddConnection(node, service string)
}

// Etcd is an etcd backed peer directory.
// A node publishes "<prefix>/<identity> = <address>" under a lease, and connects to every other published node.
type Etcd struct {
	client   *clientv3.Client
	registry Registry
	prefix   string
	ttl      int64

	identity string
	address  string

	mu      sync.Mutex
	leaseID clientv3.LeaseID // 0 if not registered
	stop    context.CancelFunc
	keepers sync.WaitGroup

	lg *zap.Logger
}

// NewEtcd creates an Etcd directory for the node identity reachable at address.
// An empty prefix or a non-positive ttl means the default.
func NewEtcd(client *clientv3.Client, registry Registry, identity, address, prefix string, ttl int64, logger *zap.Logger) *Etcd {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Etcd{
		client:   client,
		registry: registry,
		prefix:   strings.TrimSuffix(prefix, "/"),
		ttl:      ttl,
		identity: identity,
		address:  address,
		lg:       logger.With(zap.String("identity", identity)),
	}
}

func (e *Etcd) key(identity string) string {
	return path.Join(e.prefix, identity)
}

// Register publishes the local endpoint under a lease, kept alive until Close is called or the client is closed.
// It fails with ErrIdentityTaken if the identity is already published.
func (e *Etcd) Register(ctx context.Context) error {
	logger := e.lg.With(traceutil.TraceLogField(ctx))

	lease, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	key := e.key(e.identity)
	resp, err := etcdutil.NewTxn(ctx, e.client, logger).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, e.address, clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		e.revoke(lease.ID)
		return errors.WithMessage(err, "publish endpoint")
	}
	if !resp.Succeeded {
		e.revoke(lease.ID)
		var holder string
		if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
			holder = string(kvs[0].Value)
		}
		return errors.WithMessagef(ErrIdentityTaken, "%s is published at %s", e.identity, holder)
	}

	kctx, stop := context.WithCancel(e.client.Ctx())
	ch, err := e.client.KeepAlive(kctx, lease.ID)
	if err != nil {
		stop()
		e.revoke(lease.ID)
		return errors.Wrap(err, "keep lease alive")
	}

	e.mu.Lock()
	e.leaseID = lease.ID
	e.stop = stop
	e.mu.Unlock()

	e.keepers.Add(1)
	go func() {
		defer logutil.LogPanic(logger)
		defer e.keepers.Done()
		for range ch {
		}
		logger.Info("stop keeping endpoint alive", zap.Int64("lease-id", int64(lease.ID)))
	}()

	logger.Info("endpoint published", zap.String("key", key), zap.String("address", e.address), zap.Int64("lease-id", int64(lease.ID)))
	return nil
}

// Run passes every published peer to the registry, then watches for new or moved peers until ctx is done.
// Removed peers are only logged, the registry keeps them.
func (e *Etcd) Run(ctx context.Context) error {
	logger := e.lg.With(traceutil.TraceLogField(ctx))
	prefix := e.prefix + "/"

	resp, err := etcdutil.Get(ctx, e.client, prefix, clientv3.WithPrefix())
	if err != nil {
		return errors.WithMessage(err, "load peers")
	}
	for _, kv := range resp.Kvs {
		e.handlePut(kv, logger)
	}

	wch := e.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case wr, ok := <-wch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("watch channel closed")
			}
			if err := wr.Err(); err != nil {
				return errors.Wrap(err, "watch peers")
			}
			for _, ev := range wr.Events {
				switch ev.Type {
				case mvccpb.PUT:
					e.handlePut(ev.Kv, logger)
				case mvccpb.DELETE:
					logger.Info("peer unpublished", zap.String("key", string(ev.Kv.Key)))
				}
			}
		}
	}
}

func (e *Etcd) handlePut(kv *mvccpb.KeyValue, logger *zap.Logger) {
	node := strings.TrimPrefix(string(kv.Key), e.prefix+"/")
	if node == "" || node == e.identity || strings.Contains(node, "/") {
		return
	}
	service := string(kv.Value)
	logger.Info("peer discovered", zap.String("node", node), zap.String("service", service))
	e.registry.AddConnection(node, service)
}

// Close unpublishes the local endpoint and stops keeping it alive
func (e *Etcd) Close(ctx context.Context) error {
	e.mu.Lock()
	id, stop := e.leaseID, e.stop
	e.leaseID, e.stop = 0, nil
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	var err error
	if id != 0 {
		if _, rerr := e.client.Revoke(ctx, id); rerr != nil {
			err = errors.Wrap(rerr, "revoke lease")
		}
	}
	e.keepers.Wait()
	return err
}

func (e *Etcd) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(e.client.Ctx(), etcdutil.DefaultRequestTimeout)
	defer cancel()
	if _, err := e.client.Revoke(ctx, id); err != nil {
		e.lg.Warn("failed to revoke lease", zap.Int64("lease-id", int64(id)), zap.Error(err))
	}
}
