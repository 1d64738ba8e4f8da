package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the etcd key prefix under which providers register:
//
//	Key:   {prefix}/{service}/{addr}
//	Value: JSON-encoded ServiceInstance
const DefaultPrefix = "/hello-connect"

type EtcdOptions struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	// Token is sent as gRPC metadata with every request (see WithToken).
	Token    string
	Username string
	Password string
	Logger   *zap.Logger
}

// EtcdRegistry implements Registry on etcd v3. Registrations hold a TTL lease
// that is kept alive in the background; when the provider dies the lease
// expires and its entry disappears.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	token  string
	log    *zap.Logger

	// keep-alives outlive the Register call and stop on Close
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease
}

func NewEtcdRegistry(opts EtcdOptions) (*EtcdRegistry, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd registry: no endpoints")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
		Logger:      opts.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		prefix: strings.TrimRight(opts.Prefix, "/"),
		token:  opts.Token,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + "/" + serviceName + "/"
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.servicePrefix(serviceName) + addr
}

// Register puts the instance under a fresh lease of ttl seconds and keeps
// the lease alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	ctx = WithToken(ctx, r.token)

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.key(serviceName, instance.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	ch, err := r.client.KeepAlive(WithToken(r.ctx, r.token), lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keep-alive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	r.log.Info("registered", zap.String("service", serviceName), zap.String("addr", instance.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister deletes the entry and revokes its lease, which also stops the
// keep-alive.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	ctx = WithToken(ctx, r.token)
	key := r.key(serviceName, addr)

	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return errors.Wrap(err, "revoke lease")
		}
	}
	return nil
}

// Discover lists the instances under {prefix}/{serviceName}/. Malformed
// entries are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	instances, _, err := r.list(WithToken(ctx, r.token), serviceName)
	return instances, err
}

// list reads the instances together with the store revision they were read at.
func (r *EtcdRegistry) list(ctx context.Context, serviceName string) ([]ServiceInstance, int64, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, errors.Wrapf(err, "discover %s", serviceName)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, resp.Header.Revision, nil
}

// Watch first delivers the current instance list, then re-reads the full list
// on every change after the revision that list was read at, so no change in
// between is lost. Only the latest list is buffered: a slow reader skips
// intermediate states.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	ctx = WithToken(ctx, r.token)

	go func() {
		defer close(ch)
		instances, rev, err := r.list(ctx, serviceName)
		if err != nil {
			r.log.Warn("watch snapshot failed", zap.String("service", serviceName), zap.Error(err))
			return
		}
		sendLatest(ch, instances)

		events := r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range events {
			if err := resp.Err(); err != nil {
				r.log.Warn("watch error", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			instances, _, err := r.list(ctx, serviceName)
			if err != nil {
				r.log.Warn("refresh after watch event failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			sendLatest(ch, instances)
		}
	}()

	return ch
}

// Close stops every keep-alive and closes the etcd client. Leases are left
// to expire.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}

// sendLatest replaces any unread value in ch with v. ch must have capacity 1
// and a single sender.
func sendLatest(ch chan []ServiceInstance, v []ServiceInstance) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}
