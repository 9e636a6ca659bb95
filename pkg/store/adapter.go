package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/aixgo-dev/personachat/internal/logger"
	"github.com/aixgo-dev/personachat/pkg/observability"
)

const defaultWriteTimeout = 5 * time.Second

// Adapter is the best-effort face of a KV backend. TryLoad reports absence
// instead of failing and TrySave never fails: I/O errors are logged and the
// in-memory state stays authoritative.
//
// Writes are drained by one goroutine. Pending writes are merged per key so
// only the latest snapshot of each document is written, and TrySave never
// waits on the backend.
type Adapter struct {
	kv      KV
	log     *logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	pending map[string]string
	order   []string
	waiters []chan struct{}

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l *logger.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// WithWriteTimeout bounds each backend write.
func WithWriteTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAdapter starts the write queue for kv.
func NewAdapter(kv KV, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		kv:      kv,
		log:     logger.Nop(),
		timeout: defaultWriteTimeout,
		pending: make(map[string]string),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// KV returns the underlying backend.
func (a *Adapter) KV() KV {
	return a.kv
}

// TryLoad decodes the document stored under key into dst. It returns false
// when the document is absent, unreadable or malformed; dst may then hold a
// partial decode and should be discarded by the caller.
func (a *Adapter) TryLoad(ctx context.Context, key string, dst any) bool {
	raw, err := a.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.log.Warn("store load failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		a.log.Warn("store document malformed", "key", key, "error", err)
		return false
	}
	return true
}

// TrySave snapshots doc and queues it for writing. The snapshot is encoded
// before TrySave returns, so later mutations of doc are not observed. A newer
// snapshot replaces one still pending for the same key.
func (a *Adapter) TrySave(key string, doc any) {
	data, err := json.Marshal(doc)
	if err != nil {
		a.log.Warn("store encode failed", "key", key, "error", err)
		observability.RecordStoreWrite("encode_error")
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		observability.RecordStoreWrite("dropped")
		return
	}
	if _, ok := a.pending[key]; ok {
		observability.RecordStoreWrite("merged")
	} else {
		a.order = append(a.order, key)
	}
	a.pending[key] = string(data)
	a.mu.Unlock()

	a.signal()
}

// Flush blocks until every write queued before the call has been attempted.
func (a *Adapter) Flush(ctx context.Context) error {
	ch := make(chan struct{})

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()
	a.signal()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and closes the backend.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stop)
	<-a.done
	return a.kv.Close()
}

func (a *Adapter) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Adapter) run() {
	defer close(a.done)

	for {
		select {
		case <-a.wake:
			a.drain()
		case <-a.stop:
			a.drain()
			return
		}
	}
}

// drain writes every pending document, then releases the flush waiters that
// were registered alongside them.
func (a *Adapter) drain() {
	a.mu.Lock()
	pending, order, waiters := a.pending, a.order, a.waiters
	a.pending = make(map[string]string)
	a.order = nil
	a.waiters = nil
	a.mu.Unlock()

	for _, key := range order {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.kv.Set(ctx, key, pending[key])
		cancel()

		if err != nil {
			a.log.Warn("store save failed", "key", key, "error", err)
			observability.RecordStoreWrite("error")
			continue
		}
		observability.RecordStoreWrite("ok")
	}
	for _, ch := range waiters {
		close(ch)
	}
}
