package eventlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hnlq715/golang-lru"

	"github.com/rzbill/xs/internal/cas"
	"github.com/rzbill/xs/internal/metrics"
	pebblestore "github.com/rzbill/xs/internal/storage/pebble"
	"github.com/rzbill/xs/pkg/id"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// Options configures a Log.
type Options struct {
	DB  *pebblestore.DB
	CAS *cas.Store

	Logger  logpkg.Logger
	Metrics *metrics.Metrics
	// Removals is notified after frames leave the log. Optional.
	Removals RemovalHook

	// SweepInterval is the Time TTL sweep cadence. Zero uses one second,
	// negative disables the background sweeper.
	SweepInterval time.Duration
	// MaxPending bounds the frames queued for one follower before it is
	// dropped with ErrLagged.
	MaxPending int
	// MaxEphemeralBytes bounds an ephemeral payload held in memory.
	MaxEphemeralBytes int64
	// EphemeralCacheSize is the number of ephemeral payloads kept for
	// followers to fetch.
	EphemeralCacheSize int
	// FrameCacheSize is the number of decoded frames cached for Get.
	FrameCacheSize int
}

func (o *Options) setDefaults() {
	if o.SweepInterval == 0 {
		o.SweepInterval = time.Second
	}
	if o.MaxPending <= 0 {
		o.MaxPending = 1 << 16
	}
	if o.MaxEphemeralBytes <= 0 {
		o.MaxEphemeralBytes = 8 << 20
	}
	if o.EphemeralCacheSize <= 0 {
		o.EphemeralCacheSize = 256
	}
	if o.FrameCacheSize <= 0 {
		o.FrameCacheSize = 4096
	}
	if o.Logger == nil {
		o.Logger = logpkg.NewNopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Removals == nil {
		o.Removals = noopRemovals{}
	}
}

// Log is the append-only frame store. Appends, removals, and sweeps are
// serialized by a single writer lock; reads go straight to Pebble.
type Log struct {
	db      *pebblestore.DB
	cas     *cas.Store
	logger  logpkg.Logger
	metrics *metrics.Metrics
	opts    Options

	gen *id.Generator

	// mu is the writer lock. It also guards last, subs, and closed.
	mu      sync.Mutex
	last    id.ID
	subs    map[uint64]*Subscription
	nextSub uint64
	closed  bool

	// pinMu guards pinned and is held across each payload release.
	pinMu  sync.Mutex
	pinned map[cas.Hash]int
	// beforeCommit, when set, runs between pinning a new payload and
	// committing it to the content store.
	beforeCommit func(cas.Hash)

	ephemeral *lru.Cache
	frames    *lru.Cache

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open loads the last persisted id and starts the TTL sweeper.
func Open(opts Options) (*Log, error) {
	if opts.DB == nil || opts.CAS == nil {
		return nil, errors.New("eventlog: DB and CAS are required")
	}
	opts.setDefaults()
	eph, err := lru.New(opts.EphemeralCacheSize)
	if err != nil {
		return nil, err
	}
	frames, err := lru.New(opts.FrameCacheSize)
	if err != nil {
		return nil, err
	}
	l := &Log{
		db:        opts.DB,
		cas:       opts.CAS,
		logger:    opts.Logger.WithComponent("eventlog"),
		metrics:   opts.Metrics,
		opts:      opts,
		gen:       id.NewGenerator(),
		subs:      make(map[uint64]*Subscription),
		pinned:    make(map[cas.Hash]int),
		ephemeral: eph,
		frames:    frames,
		stop:      make(chan struct{}),
	}
	if err := l.db.ScanPrefix(framePrefix, true, func(k, _ []byte) bool {
		if fid, ok := frameIDFromKey(k); ok {
			l.last = fid
		}
		return false
	}); err != nil {
		return nil, fmt.Errorf("eventlog: load last id: %w", err)
	}
	l.gen.Observe(l.last)

	if opts.SweepInterval > 0 {
		l.wg.Add(1)
		go l.sweepLoop(opts.SweepInterval)
	}
	l.logger.Info("event log opened", logpkg.Str("last_id", l.last.String()))
	return l, nil
}

// Close ends every subscription and stops the sweeper. The DB and CAS stay
// open; they belong to the caller.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subs := make([]*Subscription, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.subs = map[uint64]*Subscription{}
	l.metrics.Subscriptions.Sub(float64(len(subs)))
	l.mu.Unlock()

	for _, s := range subs {
		s.terminate(nil)
	}
	close(l.stop)
	l.wg.Wait()
	return nil
}

// LastID returns the id of the most recent successful append.
func (l *Log) LastID() id.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// CAS exposes the content store backing frame payloads.
func (l *Log) CAS() *cas.Store { return l.cas }

// Append writes payload (if any) to the content store, assigns the next id,
// applies Head(n) retention, persists the frame and its indexes, and
// publishes it to live followers. Frames with an Ephemeral TTL are never
// persisted; their payload is held in memory for live followers only.
func (l *Log) Append(ctx context.Context, f Frame, payload io.Reader) (Frame, error) {
	start := time.Now()
	if err := ValidateTopic(f.Topic); err != nil {
		return Frame{}, err
	}
	if err := f.TTL.Validate(); err != nil {
		return Frame{}, err
	}
	if err := l.checkContext(f.ContextID); err != nil {
		return Frame{}, err
	}

	ephemeral := f.TTL.Kind == TTLEphemeral
	switch {
	case payload != nil && ephemeral:
		b, err := io.ReadAll(io.LimitReader(payload, l.opts.MaxEphemeralBytes+1))
		if err != nil {
			return Frame{}, fmt.Errorf("eventlog: read payload: %w", err)
		}
		if int64(len(b)) > l.opts.MaxEphemeralBytes {
			return Frame{}, fmt.Errorf("eventlog: ephemeral payload exceeds %d bytes", l.opts.MaxEphemeralBytes)
		}
		if len(b) > 0 {
			h := cas.HashBytes(b)
			l.ephemeral.Add(h, b)
			f.Hash = &h
		}
	case payload != nil:
		h, err := l.putPinned(ctx, payload)
		if err != nil {
			return Frame{}, err
		}
		if h != nil {
			defer l.unpin(*h)
		}
		f.Hash = h
	case f.Hash != nil && !ephemeral:
		l.pin(*f.Hash)
		defer l.unpin(*f.Hash)
		if !l.cas.Has(*f.Hash) {
			return Frame{}, fmt.Errorf("%w: %s", ErrPayloadMissing, *f.Hash)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Frame{}, ErrClosed
	}
	// Re-checked under the writer lock: the context frame may have been
	// removed since the first check.
	if err := l.checkContext(f.ContextID); err != nil {
		return Frame{}, err
	}

	prev := l.gen.Last()
	f.ID = l.gen.Next()

	if ephemeral {
		l.last = f.ID
		l.publishLocked(f)
		l.observeAppend(f, start)
		return f, nil
	}

	released, pruned, err := l.persistLocked(ctx, f)
	if err != nil {
		l.gen.Rollback(prev)
		return Frame{}, err
	}
	l.last = f.ID
	l.frames.Add(f.ID, f)
	l.releaseLocked(released)
	if len(pruned) > 0 {
		l.metrics.FramesRemoved.WithLabelValues(string(CauseHead)).Add(float64(len(pruned)))
		l.opts.Removals.FramesRemoved(CauseHead, pruned)
	}
	l.publishLocked(f)
	l.observeAppend(f, start)
	return f, nil
}

// putPinned spools payload into the content store and pins its digest
// before the blob is committed, so a concurrent release cannot delete a
// deduplicated blob the pending frame is about to reference. The caller
// unpins a non-nil result.
func (l *Log) putPinned(ctx context.Context, payload io.Reader) (*cas.Hash, error) {
	w, err := l.cas.Writer(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventlog: write payload: %w", err)
	}
	defer w.Close()
	if _, err := io.Copy(w, payload); err != nil {
		return nil, fmt.Errorf("eventlog: write payload: %w", err)
	}
	if w.Size() == 0 {
		_, err := w.Commit()
		return nil, err
	}
	h := w.Sum()
	l.pin(h)
	if l.beforeCommit != nil {
		l.beforeCommit(h)
	}
	if _, err := w.Commit(); err != nil {
		l.unpin(h)
		return nil, fmt.Errorf("eventlog: write payload: %w", err)
	}
	return &h, nil
}

func (l *Log) observeAppend(f Frame, start time.Time) {
	l.metrics.FramesAppended.WithLabelValues(f.TTL.Label()).Inc()
	l.metrics.AppendLatency.Observe(time.Since(start).Seconds())
	l.logger.Debug("frame appended",
		logpkg.Str("id", f.ID.String()),
		logpkg.Str("topic", f.Topic),
		logpkg.Str("ttl", f.TTL.String()))
}

// persistLocked writes f and its indexes in one batch, pruning older frames
// of the same topic when f carries a Head TTL. It returns the payload
// digests released by pruning and the pruned frames.
func (l *Log) persistLocked(ctx context.Context, f Frame) ([]cas.Hash, []Frame, error) {
	val, err := encodeFrame(f)
	if err != nil {
		return nil, nil, err
	}
	b := l.db.NewBatch()
	defer b.Close()

	var pruned []Frame
	if f.TTL.Kind == TTLHead {
		// The new frame occupies one of the n slots.
		keep := int(f.TTL.N) - 1
		var scanErr error
		err := l.db.ScanPrefix(keyTopicPrefix(f.ContextID, f.Topic), true, func(k, _ []byte) bool {
			if keep > 0 {
				keep--
				return true
			}
			old, err := l.getStored(idFromSuffix(k))
			if errors.Is(err, ErrNotFound) {
				return true
			}
			if err != nil {
				scanErr = err
				return false
			}
			pruned = append(pruned, old)
			return true
		})
		if err == nil {
			err = scanErr
		}
		if err != nil {
			return nil, nil, fmt.Errorf("eventlog: scan topic: %w", err)
		}
		for _, old := range pruned {
			if err := deleteFrame(b, old); err != nil {
				return nil, nil, err
			}
		}
	}

	if err := b.Set(keyFrame(f.ID), val, nil); err != nil {
		return nil, nil, err
	}
	if err := b.Set(keyTopic(f.ContextID, f.Topic, f.ID), nil, nil); err != nil {
		return nil, nil, err
	}
	if err := b.Set(keyHead(f.ContextID, f.Topic), f.ID[:], nil); err != nil {
		return nil, nil, err
	}
	if f.Hash != nil {
		if err := b.Set(keyRef(*f.Hash, f.ID), nil, nil); err != nil {
			return nil, nil, err
		}
	}
	if f.TTL.Kind == TTLTime {
		if err := b.Set(keyExpiry(f.deadline(), f.ID), nil, nil); err != nil {
			return nil, nil, err
		}
	}
	if f.Topic == TopicContext && f.ContextID.IsZero() {
		if err := b.Set(keyContext(f.ID), nil, nil); err != nil {
			return nil, nil, err
		}
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, nil, fmt.Errorf("eventlog: commit: %w", err)
	}

	var released []cas.Hash
	for _, old := range pruned {
		l.frames.Remove(old.ID)
		if old.Hash != nil {
			released = append(released, *old.Hash)
		}
	}
	return released, pruned, nil
}

// deleteFrame stages removal of f and every index entry pointing at it,
// except the head index, which removeLocked repairs.
func deleteFrame(b *pebble.Batch, f Frame) error {
	if err := b.Delete(keyFrame(f.ID), nil); err != nil {
		return err
	}
	if err := b.Delete(keyTopic(f.ContextID, f.Topic, f.ID), nil); err != nil {
		return err
	}
	if f.Hash != nil {
		if err := b.Delete(keyRef(*f.Hash, f.ID), nil); err != nil {
			return err
		}
	}
	if f.TTL.Kind == TTLTime {
		if err := b.Delete(keyExpiry(f.deadline(), f.ID), nil); err != nil {
			return err
		}
	}
	if f.Topic == TopicContext && f.ContextID.IsZero() {
		if err := b.Delete(keyContext(f.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) checkContext(ctxID id.ID) error {
	if ctxID.IsZero() {
		return nil
	}
	ok, err := l.db.Has(keyContext(ctxID))
	if err != nil {
		return fmt.Errorf("eventlog: context lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, ctxID)
	}
	return nil
}

// CreateContext appends a context-creation frame and returns it; its id
// names the new context.
func (l *Log) CreateContext(ctx context.Context, meta map[string]interface{}) (Frame, error) {
	return l.Append(ctx, Frame{Topic: TopicContext, Meta: MetaOf(meta)}, nil)
}

// Contexts lists every created context, oldest first. The root context is
// not included.
func (l *Log) Contexts() ([]id.ID, error) {
	var out []id.ID
	err := l.db.ScanPrefix(contextPrefix, false, func(k, _ []byte) bool {
		out = append(out, idFromSuffix(k))
		return true
	})
	return out, err
}

// Get returns the frame for fid. Removed and expired frames are not found.
func (l *Log) Get(fid id.ID) (Frame, error) {
	f, err := l.getStored(fid)
	if err != nil {
		return Frame{}, err
	}
	if f.Expired(id.NowMs()) {
		return Frame{}, ErrNotFound
	}
	return f, nil
}

func (l *Log) getStored(fid id.ID) (Frame, error) {
	if v, ok := l.frames.Get(fid); ok {
		return v.(Frame), nil
	}
	raw, err := l.db.Get(keyFrame(fid))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Frame{}, ErrNotFound
	}
	if err != nil {
		return Frame{}, fmt.Errorf("eventlog: get %s: %w", fid, err)
	}
	f, err := decodeFrame(raw)
	if err != nil {
		return Frame{}, err
	}
	l.frames.Add(fid, f)
	return f, nil
}

// Head returns the most recent live frame for (topic, context).
func (l *Log) Head(topic string, ctxID id.ID) (Frame, error) {
	raw, err := l.db.Get(keyHead(ctxID, topic))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Frame{}, ErrNotFound
	}
	if err != nil {
		return Frame{}, fmt.Errorf("eventlog: head: %w", err)
	}
	headID, err := id.FromBytes(raw)
	if err != nil {
		return Frame{}, errCorruptRecord
	}
	f, err := l.Get(headID)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Frame{}, err
	}
	// The indexed head expired but has not been swept yet.
	return l.newestLive(ctxID, topic, nil)
}

// newestLive scans the topic index newest first for a frame that is
// neither expired nor in skip.
func (l *Log) newestLive(ctxID id.ID, topic string, skip map[id.ID]struct{}) (Frame, error) {
	now := id.NowMs()
	var (
		found   Frame
		ok      bool
		scanErr error
	)
	err := l.db.ScanPrefix(keyTopicPrefix(ctxID, topic), true, func(k, _ []byte) bool {
		fid := idFromSuffix(k)
		if _, skipped := skip[fid]; skipped {
			return true
		}
		f, err := l.getStored(fid)
		if errors.Is(err, ErrNotFound) {
			return true
		}
		if err != nil {
			scanErr = err
			return false
		}
		if f.Expired(now) {
			return true
		}
		found, ok = f, true
		return false
	})
	if err == nil {
		err = scanErr
	}
	if err != nil {
		return Frame{}, err
	}
	if !ok {
		return Frame{}, ErrNotFound
	}
	return found, nil
}

// Remove deletes the frame for fid. Its payload is released when no other
// frame references it.
func (l *Log) Remove(ctx context.Context, fid id.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	f, err := l.getStored(fid)
	if err != nil {
		return err
	}
	if err := l.removeLocked(ctx, []Frame{f}); err != nil {
		return err
	}
	l.metrics.FramesRemoved.WithLabelValues(string(CauseExplicit)).Inc()
	l.opts.Removals.FramesRemoved(CauseExplicit, []Frame{f})
	return nil
}

// removeLocked deletes frames in one batch, repairs affected head entries,
// and releases unreferenced payloads.
func (l *Log) removeLocked(ctx context.Context, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	type topicKey struct {
		ctx   id.ID
		topic string
	}
	removed := make(map[id.ID]struct{}, len(frames))
	topics := make(map[topicKey]struct{})
	for _, f := range frames {
		removed[f.ID] = struct{}{}
		topics[topicKey{f.ContextID, f.Topic}] = struct{}{}
	}

	b := l.db.NewBatch()
	defer b.Close()
	for _, f := range frames {
		if err := deleteFrame(b, f); err != nil {
			return err
		}
	}
	for tk := range topics {
		raw, err := l.db.Get(keyHead(tk.ctx, tk.topic))
		if errors.Is(err, pebblestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		headID, _ := id.FromBytes(raw)
		if _, gone := removed[headID]; !gone {
			continue
		}
		next, ok, err := l.previousInTopic(tk.ctx, tk.topic, removed)
		if err != nil {
			return err
		}
		if ok {
			err = b.Set(keyHead(tk.ctx, tk.topic), next[:], nil)
		} else {
			err = b.Delete(keyHead(tk.ctx, tk.topic), nil)
		}
		if err != nil {
			return err
		}
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("eventlog: commit removal: %w", err)
	}

	var released []cas.Hash
	for _, f := range frames {
		l.frames.Remove(f.ID)
		if f.Hash != nil {
			released = append(released, *f.Hash)
		}
	}
	l.releaseLocked(released)
	return nil
}

// previousInTopic finds the newest indexed id not in removed.
func (l *Log) previousInTopic(ctxID id.ID, topic string, removed map[id.ID]struct{}) (id.ID, bool, error) {
	var (
		out   id.ID
		found bool
	)
	err := l.db.ScanPrefix(keyTopicPrefix(ctxID, topic), true, func(k, _ []byte) bool {
		fid := idFromSuffix(k)
		if _, gone := removed[fid]; gone {
			return true
		}
		out, found = fid, true
		return false
	})
	return out, found, err
}

// releaseLocked removes payloads that no remaining frame references and no
// in-flight append has pinned.
func (l *Log) releaseLocked(hashes []cas.Hash) {
	seen := make(map[cas.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		l.releaseOne(h)
	}
}

// releaseOne holds pinMu from the pin check through removal, so a writer
// pinning h lands either before the check or after the blob is gone.
func (l *Log) releaseOne(h cas.Hash) {
	l.pinMu.Lock()
	defer l.pinMu.Unlock()
	if l.pinned[h] > 0 {
		return
	}
	referenced := false
	if err := l.db.ScanPrefix(keyRefPrefix(h), false, func(_, _ []byte) bool {
		referenced = true
		return false
	}); err != nil {
		l.logger.Warn("payload reference scan failed", logpkg.Str("hash", string(h)), logpkg.Err(err))
		return
	}
	if referenced {
		return
	}
	if err := l.cas.Remove(h); err != nil {
		l.logger.Warn("payload release failed", logpkg.Str("hash", string(h)), logpkg.Err(err))
	}
}

func (l *Log) pin(h cas.Hash) {
	l.pinMu.Lock()
	l.pinned[h]++
	l.pinMu.Unlock()
}

func (l *Log) unpin(h cas.Hash) {
	l.pinMu.Lock()
	if l.pinned[h] <= 1 {
		delete(l.pinned, h)
	} else {
		l.pinned[h]--
	}
	l.pinMu.Unlock()
}

// Payload streams the payload for h from the content store, falling back to
// the in-memory copy held for ephemeral frames.
func (l *Log) Payload(h cas.Hash) (io.ReadCloser, error) {
	r, err := l.cas.Reader(h)
	if err == nil {
		return r, nil
	}
	if v, ok := l.ephemeral.Get(h); ok {
		return io.NopCloser(bytes.NewReader(v.([]byte))), nil
	}
	return nil, err
}
