// Copyright 2026 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package regcenter

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientV3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/retry"
)

// etcd operation names
const (
	etcdPut = "Put"
	etcdGet = "Get"
	etcdTxn = "Txn"
	etcdDel = "Del"
)

const (
	backoffBaseDelayInMs = 500
	// in previous/backoff retry pkg, the DefaultMaxInterval = 60 * time.Second
	backoffMaxDelayInMs = 60 * 1000
	// etcdClientTimeoutDuration represents the timeout duration for
	// etcd client to execute a remote call
	etcdClientTimeoutDuration = 30 * time.Second
	// reWatchBackoff is the pause before a broken watch stream is reopened
	reWatchBackoff    = 500 * time.Millisecond
	watchChBufferSize = 16

	defaultDialTimeout = 5 * time.Second
	defaultSessionTTL  = 10
	defaultNamespace   = "/tijob"
)

// set to var instead of const for mocking the value to speedup test
var maxTries int64 = 12

// EtcdConfig configures the etcd binding.
type EtcdConfig struct {
	// Endpoints of the etcd cluster.
	Endpoints []string
	// Namespace is the root prefix every key of this registry lives under,
	// so several deployments can share one cluster.
	Namespace string
	// DialTimeout bounds the initial dial.
	DialTimeout time.Duration
	// SessionTTL is the liveness lease in seconds. Peers take at most this
	// long to observe a crashed instance.
	SessionTTL int
}

func (c *EtcdConfig) adjust() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
	if !strings.HasPrefix(c.Namespace, "/") {
		c.Namespace = "/" + c.Namespace
	}
	c.Namespace = strings.TrimSuffix(c.Namespace, "/")
}

// EtcdRegistry implements Registry on an etcd v3 cluster. Ephemeral keys are
// lease-bound puts, atomic batches are transactions, the session keeps its
// lease alive in the background until it is lost or closed.
type EtcdRegistry struct {
	cli        *clientV3.Client
	sessionTTL int
	// clock is for making it easier to mock time-related data structures in unit tests
	clock clock.Clock

	mu      sync.RWMutex
	session *concurrency.Session
	closed  bool
}

// NewEtcdRegistry dials the cluster and establishes the first session.
func NewEtcdRegistry(ctx context.Context, cfg *EtcdConfig) (*EtcdRegistry, error) {
	cfg.adjust()
	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	cli, err := clientV3.New(clientV3.Config{
		Endpoints:   cfg.Endpoints,
		Context:     ctx,
		DialTimeout: cfg.DialTimeout,
		LogConfig:   &logConfig,
	})
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrRegAPICall, err)
	}
	cli.KV = namespace.NewKV(cli.KV, cfg.Namespace)
	cli.Watcher = namespace.NewWatcher(cli.Watcher, cfg.Namespace)
	cli.Lease = namespace.NewLease(cli.Lease, cfg.Namespace)

	r := &EtcdRegistry{
		cli:        cli,
		sessionTTL: cfg.SessionTTL,
		clock:      clock.New(),
	}
	if err := r.Reset(ctx); err != nil {
		_ = cli.Close()
		return nil, errors.Trace(err)
	}
	return r, nil
}

func retryRPC(rpcName string, etcdRPC func() error) error {
	// By default, etcd elections settle within seconds. Retrying for about a
	// minute rides over leader changes and rolling restarts.
	return retry.Do(context.Background(), func() error {
		err := etcdRPC()
		if err != nil && errors.Cause(err) != context.Canceled {
			log.Warn("etcd RPC failed", zap.String("RPC", rpcName), zap.Error(err))
		}
		etcdRequestCounter.WithLabelValues(rpcName).Inc()
		return err
	}, retry.WithBackoffBaseDelay(backoffBaseDelayInMs),
		retry.WithBackoffMaxDelay(backoffMaxDelayInMs),
		retry.WithMaxTries(maxTries),
		retry.WithIsRetryableErr(cerror.IsRetryableError))
}

// Get implements Registry.
func (r *EtcdRegistry) Get(ctx context.Context, key string) (string, error) {
	getCtx, cancel := context.WithTimeout(ctx, etcdClientTimeoutDuration)
	defer cancel()
	var resp *clientV3.GetResponse
	err := retryRPC(etcdGet, func() error {
		var inErr error
		resp, inErr = r.cli.Get(getCtx, key)
		return inErr
	})
	if err != nil {
		return "", cerror.WrapError(cerror.ErrRegAPICall, err)
	}
	if resp.Count == 0 {
		return "", cerror.ErrRegKeyNotExist.GenWithStackByArgs(key)
	}
	return string(resp.Kvs[0].Value), nil
}

// List implements Registry.
func (r *EtcdRegistry) List(ctx context.Context, root string) (map[string]string, error) {
	getCtx, cancel := context.WithTimeout(ctx, etcdClientTimeoutDuration)
	defer cancel()
	var resp *clientV3.GetResponse
	err := retryRPC(etcdGet, func() error {
		var inErr error
		resp, inErr = r.cli.Get(getCtx, subtree(root), clientV3.WithPrefix())
		return inErr
	})
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrRegAPICall, err)
	}
	kvs := make(map[string]string, resp.Count)
	for _, kv := range resp.Kvs {
		kvs[string(kv.Key)] = string(kv.Value)
	}
	return kvs, nil
}

// Set implements Registry.
func (r *EtcdRegistry) Set(ctx context.Context, key, value string) error {
	putCtx, cancel := context.WithTimeout(ctx, etcdClientTimeoutDuration)
	defer cancel()
	err := retryRPC(etcdPut, func() error {
		_, inErr := r.cli.Put(putCtx, key, value)
		return inErr
	})
	return cerror.WrapError(cerror.ErrRegAPICall, err)
}

// Remove implements Registry.
func (r *EtcdRegistry) Remove(ctx context.Context, key string) error {
	delCtx, cancel := context.WithTimeout(ctx, etcdClientTimeoutDuration)
	defer cancel()
	etcdRequestCounter.WithLabelValues(etcdDel).Inc()
	// We don't retry on delete operation. It's dangerous.
	_, err := r.cli.Txn(delCtx).Then(
		clientV3.OpDelete(key),
		clientV3.OpDelete(subtree(key), clientV3.WithPrefix()),
	).Commit()
	return cerror.WrapError(cerror.ErrRegAPICall, err)
}

// Exists implements Registry.
func (r *EtcdRegistry) Exists(ctx context.Context, key string) (bool, error) {
	getCtx, cancel := context.WithTimeout(ctx, etcdClientTimeoutDuration)
	defer cancel()
	var resp *clientV3.GetResponse
	err := retryRPC(etcdGet, func() error {
		var inErr error
		resp, inErr = r.cli.Get(getCtx, key, clientV3.WithCountOnly())
		return inErr
	})
	if err != nil {
		return false, cerror.WrapError(cerror.ErrRegAPICall, err)
	}
	return resp.Count > 0, nil
}

// CreateIfAbsent implements Registry.
func (r *EtcdRegistry) CreateIfAbsent(ctx context.Context, key, value string) (bool, error) {
	resp, err := r.createKey(ctx, key, value)
	if err != nil {
		return false, errors.Trace(err)
	}
	return resp.Succeeded, nil
}

// CreateEphemeral implements Registry.
func (r *EtcdRegistry) CreateEphemeral(ctx context.Context, key, value string) (bool, error) {
	session, err := r.currentSession()
	if err != nil {
		return false, errors.Trace(err)
	}
	select {
	case <-session.Done():
		// a put against the dead lease would only burn retries
		return false, cerror.WrapError(cerror.ErrRegAPICall, errors.New("session is expired"))
	default:
	}
	resp, err := r.createKey(ctx, key, value, clientV3.WithLease(session.Lease()))
	if err != nil {
		return false, errors.Trace(err)
	}
	if resp.Succeeded {
		return true, nil
	}
	// The create txn is retried, so a lost response can make a key we did
	// create look pre-existing. It is ours iff it carries our lease.
	for _, rangeResp := range resp.Responses {
		for _, kv := range rangeResp.GetResponseRange().GetKvs() {
			if kv.Lease == int64(session.Lease()) && string(kv.Value) == value {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *EtcdRegistry) createKey(
	ctx context.Context, key, value string, opts ...clientV3.OpOption,
) (*clientV3.TxnResponse, error) {
	txnCtx, cancel := context.WithTimeout(ctx, etcdClientTimeoutDuration)
	defer cancel()
	var resp *clientV3.TxnResponse
	err := retryRPC(etcdTxn, func() error {
		var inErr error
		resp, inErr = r.cli.Txn(txnCtx).
			If(clientV3.Compare(clientV3.CreateRevision(key), "=", 0)).
			Then(clientV3.OpPut(key, value, opts...)).
			Else(clientV3.OpGet(key)).
			Commit()
		return inErr
	})
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrRegAPICall, err)
	}
	return resp, nil
}

// Txn implements Registry.
func (r *EtcdRegistry) Txn(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	etcdOps := make([]clientV3.Op, 0, len(ops))
	for _, op := range ops {
		switch op.Type {
		case OpPut:
			etcdOps = append(etcdOps, clientV3.OpPut(op.Key, op.Value))
		case OpDelete:
			if op.Prefix {
				etcdOps = append(etcdOps,
					clientV3.OpDelete(subtree(op.Key), clientV3.WithPrefix()))
			} else {
				etcdOps = append(etcdOps, clientV3.OpDelete(op.Key))
			}
		}
	}
	txnCtx, cancel := context.WithTimeout(ctx, etcdClientTimeoutDuration)
	defer cancel()
	err := retryRPC(etcdTxn, func() error {
		_, inErr := r.cli.Txn(txnCtx).Then(etcdOps...).Commit()
		return inErr
	})
	return cerror.WrapError(cerror.ErrRegAPICall, err)
}

// Watch implements Registry.
func (r *EtcdRegistry) Watch(ctx context.Context, root string) <-chan Event {
	outCh := make(chan Event, watchChBufferSize)
	go r.watchWithChan(ctx, outCh, subtree(root))
	return outCh
}

// watchWithChan maintains the underlying etcd watch stream and forwards
// translated events to outCh. A broken stream is reopened from the last seen
// revision; after a compaction it restarts from now and the periodic
// reconcile pass repairs whatever was missed in between.
func (r *EtcdRegistry) watchWithChan(ctx context.Context, outCh chan<- Event, prefix string) {
	defer func() {
		close(outCh)
		log.Info("registry watch exited", zap.String("prefix", prefix))
	}()

	var lastRevision int64
	for {
		opts := []clientV3.OpOption{clientV3.WithPrefix()}
		if lastRevision > 0 {
			opts = append(opts, clientV3.WithRev(lastRevision+1))
		}
		watchCtx, cancel := context.WithCancel(ctx)
		watchCh := r.cli.Watch(watchCtx, prefix, opts...)
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				log.Warn("registry watch stream failed",
					zap.String("prefix", prefix), zap.Error(err))
				lastRevision = 0
				break
			}
			lastRevision = resp.Header.Revision
			for _, etcdEvent := range resp.Events {
				event := Event{
					Key:   string(etcdEvent.Kv.Key),
					Value: string(etcdEvent.Kv.Value),
				}
				switch etcdEvent.Type {
				case mvccpb.PUT:
					event.Type = EventPut
				case mvccpb.DELETE:
					event.Type = EventDelete
					event.Value = ""
				}
				select {
				case outCh <- event:
				case <-ctx.Done():
					cancel()
					return
				}
			}
		}
		cancel()
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(reWatchBackoff):
		}
	}
}

// Done implements Registry.
func (r *EtcdRegistry) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return r.session.Done()
}

// Reset implements Registry.
func (r *EtcdRegistry) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return cerror.ErrRegClosed.GenWithStackByArgs()
	}
	if r.session != nil {
		// the old lease is usually expired already, Close then only stops
		// the keepalive loop
		_ = r.session.Close()
		r.session = nil
	}
	session, err := concurrency.NewSession(r.cli, concurrency.WithTTL(r.sessionTTL))
	if err != nil {
		return cerror.WrapError(cerror.ErrRegAPICall, err)
	}
	r.session = session
	log.Info("registry session established",
		zap.Int("ttl", r.sessionTTL), zap.Int64("lease", int64(session.Lease())))
	return nil
}

// Close implements Registry.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.session != nil {
		// revokes the lease, ephemeral keys vanish right away instead of
		// lingering for a TTL
		_ = r.session.Close()
		r.session = nil
	}
	return errors.Trace(r.cli.Close())
}

func (r *EtcdRegistry) currentSession() (*concurrency.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.session == nil {
		return nil, cerror.ErrRegClosed.GenWithStackByArgs()
	}
	return r.session, nil
}
