// Package registry publishes this node's mesh address in etcd and reports
// the other nodes registered there. It is a rendezvous source for networks
// where UDP broadcast does not reach every peer.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	Prefix = "/meshchat/nodes/"

	// DefaultTTL is the lease lifetime in seconds; a crashed node's entry
	// disappears after it.
	DefaultTTL = 10

	dialTimeout = 5 * time.Second
	opTimeout   = 3 * time.Second
)

var ErrBadEntry = errors.New("malformed registry entry")

// Handler receives a device id with the host and port it registered.
type Handler func(deviceID, host string, tcpPort int)

type Registry struct {
	cli *clientv3.Client
	id  string
	log *zap.Logger

	mu     sync.Mutex
	lease  clientv3.LeaseID
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(endpoints []string, deviceID string, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return &Registry{cli: cli, id: deviceID, log: log}, nil
}

func Key(deviceID string) string {
	return Prefix + deviceID
}

// ParseEntry decodes one key/value pair written by Register.
func ParseEntry(key, value []byte) (deviceID, host string, port int, err error) {
	deviceID = strings.TrimPrefix(string(key), Prefix)
	if deviceID == "" || deviceID == string(key) || strings.Contains(deviceID, "/") {
		return "", "", 0, fmt.Errorf("%w: key %q", ErrBadEntry, key)
	}
	h, p, err := net.SplitHostPort(string(value))
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %v", ErrBadEntry, err)
	}
	port, err = strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 || h == "" {
		return "", "", 0, fmt.Errorf("%w: address %q", ErrBadEntry, value)
	}
	return deviceID, h, port, nil
}

// Register writes addr under this node's key with a lease of ttl seconds
// and keeps the lease alive until Close.
func (r *Registry) Register(ctx context.Context, addr string, ttl int64) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	gctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	lease, err := r.cli.Grant(gctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	if _, err := r.cli.Put(gctx, Key(r.id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", Key(r.id), err)
	}

	kctx, kcancel := context.WithCancel(context.Background())
	ch, err := r.cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		kcancel()
		return fmt.Errorf("keepalive: %w", err)
	}

	r.mu.Lock()
	r.lease = lease.ID
	r.cancel = kcancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for range ch {
		}
		if kctx.Err() == nil {
			r.log.Warn("registry lease keepalive ended", zap.String("key", Key(r.id)))
		}
	}()

	r.log.Info("registered in etcd", zap.String("key", Key(r.id)), zap.String("addr", addr), zap.Int64("ttl", ttl))
	return nil
}

// Watch reports every node already registered and then each one that
// registers later, skipping this node. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, onPeer Handler) error {
	gctx, cancel := context.WithTimeout(ctx, opTimeout)
	resp, err := r.cli.Get(gctx, Prefix, clientv3.WithPrefix())
	cancel()
	if err != nil {
		return fmt.Errorf("list %s: %w", Prefix, err)
	}
	for _, kv := range resp.Kvs {
		r.report(kv, onPeer)
	}

	wch := r.cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("watch %s: %w", Prefix, err)
		}
		for _, ev := range wr.Events {
			if ev.Type != mvccpb.PUT {
				continue
			}
			r.report(ev.Kv, onPeer)
		}
	}
	return ctx.Err()
}

func (r *Registry) report(kv *mvccpb.KeyValue, onPeer Handler) {
	id, host, port, err := ParseEntry(kv.Key, kv.Value)
	if err != nil {
		r.log.Debug("ignoring registry entry", zap.Error(err))
		return
	}
	if id == r.id {
		return
	}
	r.log.Debug("registry peer", zap.String("device", id), zap.String("host", host), zap.Int("port", port))
	onPeer(id, host, port)
}

// Close stops the keepalive, revokes the lease so the entry disappears
// at once, and closes the client.
func (r *Registry) Close() error {
	r.mu.Lock()
	cancel, lease := r.cancel, r.lease
	r.cancel, r.lease = nil, 0
	r.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		ctx, done := context.WithTimeout(context.Background(), opTimeout)
		_, rerr := r.cli.Revoke(ctx, lease)
		done()
		err = multierr.Append(err, rerr)
	}
	err = multierr.Append(err, r.cli.Close())
	r.wg.Wait()
	return err
}
