package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrNotLoader = errors.New("audit: primary store cannot load entries")

const (
	defaultReplicaBuffer  = 1024
	defaultReplicaTimeout = 5 * time.Second
)

// TeeStore writes to a primary store and hands each entry to best-effort
// replicas. Only the primary decides whether an entry counts as persisted.
// Replicas are fed from a bounded queue by their own goroutine, so a slow
// replica never holds up Write; when its queue is full the entry is dropped
// for that replica.
type TeeStore struct {
	primary  Store
	replicas []*replica
	logger   *zap.Logger
	closed   atomic.Bool
}

type replica struct {
	store   Store
	queue   chan Entry
	timeout time.Duration
	dropped atomic.Int64
	done    chan struct{}
}

func NewTeeStore(logger *zap.Logger, primary Store, replicas ...Store) *TeeStore {
	return newTeeStore(logger, defaultReplicaBuffer, defaultReplicaTimeout, primary, replicas...)
}

func newTeeStore(logger *zap.Logger, buffer int, timeout time.Duration, primary Store, replicas ...Store) *TeeStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &TeeStore{primary: primary, logger: logger}
	for _, s := range replicas {
		r := &replica{
			store:   s,
			queue:   make(chan Entry, buffer),
			timeout: timeout,
			done:    make(chan struct{}),
		}
		t.replicas = append(t.replicas, r)
		go t.drain(r)
	}
	return t
}

func (t *TeeStore) drain(r *replica) {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.Write(ctx, e); err != nil {
			t.logger.Warn("audit replica write failed", zap.Int64("id", e.ID), zap.Error(err))
		}
		cancel()
	}
}

func (t *TeeStore) Write(ctx context.Context, e Entry) error {
	err := t.primary.Write(ctx, e)
	if err != nil || t.closed.Load() {
		return err
	}
	for _, r := range t.replicas {
		select {
		case r.queue <- e:
		default:
			r.dropped.Add(1)
			t.logger.Warn("audit replica queue full, entry dropped", zap.Int64("id", e.ID))
		}
	}
	return nil
}

// Dropped is the number of entries not handed to replicas because a queue
// was full, summed over replicas.
func (t *TeeStore) Dropped() int64 {
	var n int64
	for _, r := range t.replicas {
		n += r.dropped.Load()
	}
	return n
}

func (t *TeeStore) LoadTail(ctx context.Context, limit int) ([]Entry, error) {
	l, ok := t.primary.(Loader)
	if !ok {
		return nil, ErrNotLoader
	}
	return l.LoadTail(ctx, limit)
}

// Close drains the replica queues before closing every store. Callers must
// not Write concurrently with Close.
func (t *TeeStore) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, r := range t.replicas {
		close(r.queue)
	}
	errs := []error{t.primary.Close()}
	for _, r := range t.replicas {
		<-r.done
		errs = append(errs, r.store.Close())
	}
	return errors.Join(errs...)
}
