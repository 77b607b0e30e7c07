package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/vaultedge/coreledger/internal/policy"
)

// policyRefPrefix is the etcd keyspace holding the pinned policy version
// for each account parameter set, e.g.
// /coreledger/policy-refs/savings-standard -> overdraft-check@v3
const policyRefPrefix = "/coreledger/policy-refs/"

// PolicyRefLoader resolves which exact policy version each parameter set is
// pinned to. Pins are immutable in flight: a change takes effect for
// batches admitted after the update, never for ones already validating.
type PolicyRefLoader struct {
	client *clientv3.Client
	logger *zap.Logger

	mu   sync.RWMutex
	pins map[string]policy.Ref
}

// NewPolicyRefLoader connects to etcd and loads the current pin set.
func NewPolicyRefLoader(endpoints []string, logger *zap.Logger) (*PolicyRefLoader, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &PolicyRefLoader{
		client: client,
		logger: logger,
		pins:   make(map[string]policy.Ref),
	}
	return l, nil
}

// Load reads every pin under the prefix.
func (l *PolicyRefLoader) Load(ctx context.Context) error {
	resp, err := l.client.Get(ctx, policyRefPrefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to load policy refs: %w", err)
	}
	pins := make(map[string]policy.Ref, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), policyRefPrefix)
		ref, err := policy.ParseRef(string(kv.Value))
		if err != nil {
			l.logger.Warn("skipping malformed policy ref",
				zap.String("key", string(kv.Key)),
				zap.String("value", string(kv.Value)),
				zap.Error(err),
			)
			continue
		}
		pins[name] = ref
	}
	l.mu.Lock()
	l.pins = pins
	l.mu.Unlock()
	return nil
}

// Resolve returns the pinned policy for a parameter set.
func (l *PolicyRefLoader) Resolve(paramSet string) (policy.Ref, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ref, ok := l.pins[paramSet]
	return ref, ok
}

// Watch applies pin updates until the context is cancelled. Updates only
// affect batches admitted after the change lands.
func (l *PolicyRefLoader) Watch(ctx context.Context) {
	ch := l.client.Watch(ctx, policyRefPrefix, clientv3.WithPrefix())
	for resp := range ch {
		if err := resp.Err(); err != nil {
			l.logger.Warn("policy ref watch error", zap.Error(err))
			continue
		}
		for _, ev := range resp.Events {
			name := strings.TrimPrefix(string(ev.Kv.Key), policyRefPrefix)
			switch ev.Type {
			case clientv3.EventTypePut:
				ref, err := policy.ParseRef(string(ev.Kv.Value))
				if err != nil {
					l.logger.Warn("ignoring malformed policy ref update",
						zap.String("param_set", name), zap.Error(err))
					continue
				}
				l.mu.Lock()
				l.pins[name] = ref
				l.mu.Unlock()
				l.logger.Info("policy ref updated",
					zap.String("param_set", name),
					zap.String("ref", ref.String()),
				)
			case clientv3.EventTypeDelete:
				l.mu.Lock()
				delete(l.pins, name)
				l.mu.Unlock()
				l.logger.Info("policy ref removed", zap.String("param_set", name))
			}
		}
	}
}

// Close releases the etcd connection.
func (l *PolicyRefLoader) Close() error {
	return l.client.Close()
}
