package logplane

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/store"
	"github.com/cuemby/tenement/pkg/types"
)

const (
	// DefaultCapacity is the ring size when the config does not set one.
	DefaultCapacity = 4096

	subscriberBuffer = 256
	flushBatchSize   = 256
	flushInterval    = 250 * time.Millisecond
	maxMessageBytes  = 8 * 1024
)

// LogStore is the slice of the store the plane persists through.
type LogStore interface {
	InsertLogs(ctx context.Context, recs []types.LogRecord) error
	QueryLogs(ctx context.Context, f store.LogFilter) ([]types.LogRecord, error)
	MaxLogSeq(ctx context.Context) (uint64, error)
}

// Subscriber receives live log records. A subscriber that falls behind
// its buffer is dropped; the ring and the store are unaffected.
type Subscriber chan types.LogRecord

// Plane aggregates child stdio and supervisory events into a bounded
// in-memory ring, a broadcast channel, and a batched writer to the store.
type Plane struct {
	store LogStore

	mu    sync.Mutex
	ring  []types.LogRecord
	next  int // ring write position
	count int

	seq atomic.Uint64

	subMu sync.RWMutex
	subs  map[Subscriber]struct{}

	pending chan types.LogRecord
	dropped atomic.Uint64

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a plane backed by st with the given ring capacity. The
// sequence counter continues from the store's highest persisted record.
func New(st LogStore, capacity int) (*Plane, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Plane{
		store:   st,
		ring:    make([]types.LogRecord, capacity),
		subs:    make(map[Subscriber]struct{}),
		pending: make(chan types.LogRecord, capacity),
		stopCh:  make(chan struct{}),
	}
	if st != nil {
		seq, err := st.MaxLogSeq(context.Background())
		if err != nil {
			return nil, err
		}
		p.seq.Store(seq)
	}
	return p, nil
}

// Start launches the batched store flusher.
func (p *Plane) Start() {
	p.wg.Add(1)
	go p.flushLoop()
}

// Stop flushes what it can and stops the flusher.
func (p *Plane) Stop() {
	p.stopped.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	p.subMu.Lock()
	for sub := range p.subs {
		close(sub)
		delete(p.subs, sub)
	}
	p.subMu.Unlock()
}

// Append assigns the next sequence and fans the record out to the ring,
// the subscribers, and the persistence queue. Never blocks.
func (p *Plane) Append(rec types.LogRecord) {
	if len(rec.Message) > maxMessageBytes {
		rec.Message = rec.Message[:maxMessageBytes]
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Seq = p.seq.Add(1)

	p.mu.Lock()
	p.ring[p.next] = rec
	p.next = (p.next + 1) % len(p.ring)
	if p.count < len(p.ring) {
		p.count++
	}
	p.mu.Unlock()

	p.broadcast(rec)

	select {
	case p.pending <- rec:
	default:
		// Persistence queue full; drop for the store, keep the ring.
		p.dropped.Add(1)
	}
}

func (p *Plane) broadcast(rec types.LogRecord) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for sub := range p.subs {
		select {
		case sub <- rec:
		default:
			// Subscriber fell behind its lag bound: drop it.
			close(sub)
			delete(p.subs, sub)
		}
	}
}

// Subscribe registers a live-tail subscriber.
func (p *Plane) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberBuffer)
	p.subMu.Lock()
	p.subs[sub] = struct{}{}
	p.subMu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber. Safe to call after the plane already
// dropped it.
func (p *Plane) Unsubscribe(sub Subscriber) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if _, ok := p.subs[sub]; ok {
		close(sub)
		delete(p.subs, sub)
	}
}

// SubscriberCount returns the number of live subscribers.
func (p *Plane) SubscriberCount() int {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	return len(p.subs)
}

// Dropped returns how many records were not queued for persistence.
func (p *Plane) Dropped() uint64 {
	return p.dropped.Load()
}

// Tail returns the most recent records matching the filter. Served from
// the ring when the ring still covers the requested range, otherwise from
// the store. FTS match expressions always go to the store.
func (p *Plane) Tail(ctx context.Context, f store.LogFilter) ([]types.LogRecord, error) {
	if f.Match != "" {
		return p.query(ctx, f)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	recs := p.snapshot()
	var out []types.LogRecord
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		if matchFilter(recs[i], f) {
			out = append(out, recs[i])
		}
	}
	if len(out) == limit {
		return out, nil
	}
	// The ring no longer covers the full history once it has evicted
	// (oldest retained seq above 1): fall back to the store. Records not
	// yet flushed can lag the store by one batch interval.
	if len(recs) == 0 || recs[0].Seq > 1 {
		return p.query(ctx, f)
	}
	return out, nil
}

// Search runs a full-text query against the store.
func (p *Plane) Search(ctx context.Context, match string, limit int, since time.Time) ([]types.LogRecord, error) {
	return p.query(ctx, store.LogFilter{Match: match, Limit: limit, Since: since})
}

func (p *Plane) query(ctx context.Context, f store.LogFilter) ([]types.LogRecord, error) {
	if p.store == nil {
		return nil, nil
	}
	return p.store.QueryLogs(ctx, f)
}

// snapshot copies the ring contents in insertion order.
func (p *Plane) snapshot() []types.LogRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.LogRecord, 0, p.count)
	start := p.next - p.count
	for i := 0; i < p.count; i++ {
		idx := (start + i + len(p.ring)) % len(p.ring)
		out = append(out, p.ring[idx])
	}
	return out
}

func matchFilter(r types.LogRecord, f store.LogFilter) bool {
	if f.Service != "" && r.Service != f.Service {
		return false
	}
	if f.Instance != "" && r.Instance != f.Instance {
		return false
	}
	if f.Stream != "" && r.Stream != f.Stream {
		return false
	}
	if f.MinSeverity != "" && types.SeverityRank(r.Severity) < types.SeverityRank(f.MinSeverity) {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func (p *Plane) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]types.LogRecord, 0, flushBatchSize)
	retryDelay := time.Duration(0)

	flush := func() {
		if len(batch) == 0 || p.store == nil {
			batch = batch[:0]
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.store.InsertLogs(ctx, batch)
		cancel()
		if err != nil {
			// Log loss is acceptable before host crash; retry with backoff
			// and keep the batch until it grows stale.
			if retryDelay == 0 {
				retryDelay = 100 * time.Millisecond
			} else if retryDelay < 5*time.Second {
				retryDelay *= 2
			}
			log.WithComponent("logplane").Warn().Err(err).
				Dur("retry_in", retryDelay).Int("batch", len(batch)).
				Msg("log batch write failed")
			time.Sleep(retryDelay)
			if len(batch) >= flushBatchSize*4 {
				batch = batch[:0]
			}
			return
		}
		retryDelay = 0
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-p.pending:
			batch = append(batch, rec)
			if len(batch) >= flushBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.stopCh:
			// Drain whatever is already queued, then final flush.
			for {
				select {
				case rec := <-p.pending:
					batch = append(batch, rec)
					if len(batch) >= flushBatchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}
