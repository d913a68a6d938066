package eventlog

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/xs/internal/cas"
	pebblestore "github.com/rzbill/xs/internal/storage/pebble"
	"github.com/rzbill/xs/pkg/id"
)

type testEnv struct {
	db  *pebblestore.DB
	cas *cas.Store
	dir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir + "/db", Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := cas.Open(dir+"/cas", cas.Options{})
	if err != nil {
		t.Fatalf("open cas: %v", err)
	}
	return &testEnv{db: db, cas: store, dir: dir}
}

func (e *testEnv) open(t *testing.T, mutate ...func(*Options)) *Log {
	t.Helper()
	opts := Options{DB: e.db, CAS: e.cas, SweepInterval: -1}
	for _, fn := range mutate {
		fn(&opts)
	}
	l, err := Open(opts)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTestLog(t *testing.T, mutate ...func(*Options)) *Log {
	t.Helper()
	return newTestEnv(t).open(t, mutate...)
}

// fakeClock pins id.NowMs for the duration of a test.
func fakeClock(t *testing.T, start int64) *int64 {
	t.Helper()
	now := start
	var mu sync.Mutex
	prev := id.NowMs
	id.NowMs = func() int64 {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	t.Cleanup(func() { id.NowMs = prev })
	return &now
}

func mustAppend(t *testing.T, l *Log, f Frame, payload string) Frame {
	t.Helper()
	var r io.Reader
	if payload != "" {
		r = strings.NewReader(payload)
	}
	out, err := l.Append(context.Background(), f, r)
	if err != nil {
		t.Fatalf("append %s: %v", f.Topic, err)
	}
	return out
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	l := newTestLog(t)
	var prev id.ID
	for i := 0; i < 50; i++ {
		f := mustAppend(t, l, Frame{Topic: "a"}, "")
		if f.ID.Compare(prev) <= 0 {
			t.Fatalf("id %s not after %s", f.ID, prev)
		}
		prev = f.ID
	}
	if l.LastID() != prev {
		t.Fatalf("LastID = %s, want %s", l.LastID(), prev)
	}
}

func TestAppendStoresPayload(t *testing.T) {
	l := newTestLog(t)
	f := mustAppend(t, l, Frame{Topic: "a"}, "hello")
	if f.Hash == nil {
		t.Fatalf("expected hash")
	}
	got, err := l.CAS().ReadAll(*f.Hash)
	if err != nil || string(got) != "hello" {
		t.Fatalf("payload = %q, %v", got, err)
	}
	stored, err := l.Get(f.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Hash == nil || *stored.Hash != *f.Hash {
		t.Fatalf("stored hash mismatch")
	}
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	l := newTestLog(t)
	if _, err := l.Append(context.Background(), Frame{Topic: ".bad"}, nil); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("want ErrInvalidTopic, got %v", err)
	}
	if _, err := l.Append(context.Background(), Frame{Topic: "a", TTL: Head(0)}, nil); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("want ErrInvalidTTL, got %v", err)
	}
	missing := cas.HashBytes([]byte("nowhere"))
	if _, err := l.Append(context.Background(), Frame{Topic: "a", Hash: &missing}, nil); !errors.Is(err, ErrPayloadMissing) {
		t.Fatalf("want ErrPayloadMissing, got %v", err)
	}
	if !l.LastID().IsZero() {
		t.Fatalf("rejected appends must not consume ids")
	}
}

func TestHeadTracksLatestPerTopicAndContext(t *testing.T) {
	l := newTestLog(t)
	c, err := l.CreateContext(context.Background(), nil)
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	a1 := mustAppend(t, l, Frame{Topic: "a"}, "")
	b1 := mustAppend(t, l, Frame{Topic: "b"}, "")
	a2 := mustAppend(t, l, Frame{Topic: "a"}, "")
	ac := mustAppend(t, l, Frame{Topic: "a", ContextID: c.ID}, "")

	if h, err := l.Head("a", id.Zero); err != nil || h.ID != a2.ID {
		t.Fatalf("head a = %v, %v; want %s", h.ID, err, a2.ID)
	}
	if h, err := l.Head("b", id.Zero); err != nil || h.ID != b1.ID {
		t.Fatalf("head b = %v, %v", h.ID, err)
	}
	if h, err := l.Head("a", c.ID); err != nil || h.ID != ac.ID {
		t.Fatalf("head a in ctx = %v, %v", h.ID, err)
	}
	if _, err := l.Head("zzz", id.Zero); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	_ = a1
}

func TestUnknownContextDoesNotConsumeID(t *testing.T) {
	l := newTestLog(t)
	before := mustAppend(t, l, Frame{Topic: "a"}, "")
	bogus := id.NewGenerator().Next()
	if _, err := l.Append(context.Background(), Frame{Topic: "a", ContextID: bogus}, nil); !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("want ErrUnknownContext, got %v", err)
	}
	if l.LastID() != before.ID {
		t.Fatalf("failed append advanced the log")
	}
	ctxs, err := l.Contexts()
	if err != nil || len(ctxs) != 0 {
		t.Fatalf("contexts = %v, %v", ctxs, err)
	}
}

func TestContextsListCreated(t *testing.T) {
	l := newTestLog(t)
	c1, _ := l.CreateContext(context.Background(), map[string]interface{}{"name": "one"})
	c2, _ := l.CreateContext(context.Background(), nil)
	ctxs, err := l.Contexts()
	if err != nil {
		t.Fatalf("contexts: %v", err)
	}
	if len(ctxs) != 2 || ctxs[0] != c1.ID || ctxs[1] != c2.ID {
		t.Fatalf("contexts = %v", ctxs)
	}
	if _, err := l.Append(context.Background(), Frame{Topic: "x", ContextID: c2.ID}, nil); err != nil {
		t.Fatalf("append in created context: %v", err)
	}
}

func TestHeadRetentionKeepsNewest(t *testing.T) {
	l := newTestLog(t)
	var all []Frame
	for i := 0; i < 5; i++ {
		all = append(all, mustAppend(t, l, Frame{Topic: "cfg", TTL: Head(2)}, "v"+string(rune('0'+i))))
	}
	other := mustAppend(t, l, Frame{Topic: "other"}, "")

	frames, err := l.Frames(context.Background(), ReadOptions{Topic: "cfg"})
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 2 || frames[0].ID != all[3].ID || frames[1].ID != all[4].ID {
		t.Fatalf("retained = %v", frames)
	}
	for _, f := range all[:3] {
		if _, err := l.Get(f.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("pruned frame %s still readable", f.ID)
		}
		if l.CAS().Has(*f.Hash) {
			t.Fatalf("pruned payload %s not released", *f.Hash)
		}
	}
	if _, err := l.Get(other.ID); err != nil {
		t.Fatalf("unrelated topic pruned: %v", err)
	}
	if h, _ := l.Head("cfg", id.Zero); h.ID != all[4].ID {
		t.Fatalf("head after prune = %s", h.ID)
	}
}

func TestHeadRetentionIsPerContext(t *testing.T) {
	l := newTestLog(t)
	c, _ := l.CreateContext(context.Background(), nil)
	root := mustAppend(t, l, Frame{Topic: "s", TTL: Head(1)}, "")
	mustAppend(t, l, Frame{Topic: "s", ContextID: c.ID, TTL: Head(1)}, "")
	if _, err := l.Get(root.ID); err != nil {
		t.Fatalf("head(1) in another context pruned root frame: %v", err)
	}
}

func TestSharedPayloadReleasedAfterLastReference(t *testing.T) {
	l := newTestLog(t)
	a := mustAppend(t, l, Frame{Topic: "a"}, "same")
	b := mustAppend(t, l, Frame{Topic: "b"}, "same")
	if *a.Hash != *b.Hash {
		t.Fatalf("identical payloads must share a hash")
	}
	if err := l.Remove(context.Background(), a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !l.CAS().Has(*a.Hash) {
		t.Fatalf("payload released while still referenced")
	}
	if err := l.Remove(context.Background(), b.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if l.CAS().Has(*a.Hash) {
		t.Fatalf("payload kept after last reference removed")
	}
}

func TestRemoveRepairsHead(t *testing.T) {
	l := newTestLog(t)
	a1 := mustAppend(t, l, Frame{Topic: "a"}, "")
	a2 := mustAppend(t, l, Frame{Topic: "a"}, "")
	if err := l.Remove(context.Background(), a2.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if h, err := l.Head("a", id.Zero); err != nil || h.ID != a1.ID {
		t.Fatalf("head after removing newest = %v, %v", h.ID, err)
	}
	if err := l.Remove(context.Background(), a1.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := l.Head("a", id.Zero); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := l.Remove(context.Background(), a1.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double remove: %v", err)
	}
}

func TestRemovalHookSeesPrunedFrames(t *testing.T) {
	var (
		mu     sync.Mutex
		causes []RemovalCause
	)
	l := newTestLog(t, func(o *Options) {
		o.Removals = RemovalFunc(func(c RemovalCause, frames []Frame) {
			mu.Lock()
			defer mu.Unlock()
			for range frames {
				causes = append(causes, c)
			}
		})
	})
	mustAppend(t, l, Frame{Topic: "a", TTL: Head(1)}, "")
	mustAppend(t, l, Frame{Topic: "a", TTL: Head(1)}, "")
	f := mustAppend(t, l, Frame{Topic: "b"}, "")
	_ = l.Remove(context.Background(), f.ID)

	mu.Lock()
	defer mu.Unlock()
	if len(causes) != 2 || causes[0] != CauseHead || causes[1] != CauseExplicit {
		t.Fatalf("causes = %v", causes)
	}
}

func TestDurableAcrossReopen(t *testing.T) {
	env := newTestEnv(t)
	l, err := Open(Options{DB: env.db, CAS: env.cas, SweepInterval: -1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	last := mustAppend(t, l, Frame{Topic: "a"}, "x")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := l.Append(context.Background(), Frame{Topic: "a"}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close: %v", err)
	}

	l2 := env.open(t)
	if l2.LastID() != last.ID {
		t.Fatalf("LastID after reopen = %s, want %s", l2.LastID(), last.ID)
	}
	next := mustAppend(t, l2, Frame{Topic: "a"}, "")
	if next.ID.Compare(last.ID) <= 0 {
		t.Fatalf("id after reopen did not advance")
	}
}

func TestReopenAfterClockRegression(t *testing.T) {
	env := newTestEnv(t)
	now := fakeClock(t, 10_000)
	l := env.open(t)
	last := mustAppend(t, l, Frame{Topic: "a"}, "")
	_ = l.Close()

	*now = 5_000
	l2 := env.open(t)
	next := mustAppend(t, l2, Frame{Topic: "a"}, "")
	if next.ID.Compare(last.ID) <= 0 {
		t.Fatalf("clock regression produced %s <= %s", next.ID, last.ID)
	}
}

func TestTimeTTLHiddenThenSwept(t *testing.T) {
	now := fakeClock(t, 1_000_000)
	l := newTestLog(t)
	f := mustAppend(t, l, Frame{Topic: "tmp", TTL: Time(100 * time.Millisecond)}, "short-lived")
	keep := mustAppend(t, l, Frame{Topic: "tmp"}, "")

	if _, err := l.Get(f.ID); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}
	*now += 100
	if _, err := l.Get(f.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired frame visible: %v", err)
	}
	frames, _ := l.Frames(context.Background(), ReadOptions{Topic: "tmp"})
	if len(frames) != 1 || frames[0].ID != keep.ID {
		t.Fatalf("snapshot includes expired frame: %v", frames)
	}
	n, err := l.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	if l.CAS().Has(*f.Hash) {
		t.Fatalf("expired payload not released")
	}
	if n, _ := l.Sweep(context.Background()); n != 0 {
		t.Fatalf("second sweep removed %d", n)
	}
}

func TestHeadSkipsExpiredFrame(t *testing.T) {
	now := fakeClock(t, 2_000_000)
	l := newTestLog(t)
	older := mustAppend(t, l, Frame{Topic: "s"}, "")
	mustAppend(t, l, Frame{Topic: "s", TTL: Time(10 * time.Millisecond)}, "")
	*now += 50
	h, err := l.Head("s", id.Zero)
	if err != nil || h.ID != older.ID {
		t.Fatalf("head = %v, %v; want %s", h.ID, err, older.ID)
	}
}

func TestEphemeralNotPersisted(t *testing.T) {
	l := newTestLog(t)
	sub, err := l.Read(context.Background(), ReadOptions{Follow: FollowOn})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer sub.Close()
	expectKind(t, sub, EventThreshold)

	f := mustAppend(t, l, Frame{Topic: "blip", TTL: Ephemeral}, "transient")
	ev := expectKind(t, sub, EventLive)
	if ev.Frame.ID != f.ID {
		t.Fatalf("live frame = %s, want %s", ev.Frame.ID, f.ID)
	}
	rc, err := l.Payload(*f.Hash)
	if err != nil {
		t.Fatalf("ephemeral payload: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "transient" {
		t.Fatalf("payload = %q", b)
	}
	if l.CAS().Has(*f.Hash) {
		t.Fatalf("ephemeral payload written to content store")
	}

	frames, _ := l.Frames(context.Background(), ReadOptions{})
	if len(frames) != 0 {
		t.Fatalf("ephemeral frame in snapshot: %v", frames)
	}
	if _, err := l.Get(f.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ephemeral frame stored: %v", err)
	}
}

func TestLongTimeTTLSurvivesCacheEviction(t *testing.T) {
	l := newTestLog(t)
	long := mustAppend(t, l, Frame{Topic: "a.long", TTL: Time(60 * 24 * time.Hour)}, "")
	mustAppend(t, l, Frame{Topic: "b"}, "")
	l.frames.Purge()

	got, err := l.Get(long.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TTL != long.TTL {
		t.Fatalf("ttl %v want %v", got.TTL, long.TTL)
	}
	frames, err := l.Frames(context.Background(), ReadOptions{})
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames: got %d want 2", len(frames))
	}
}

func TestRemovalDuringAppendKeepsSharedPayload(t *testing.T) {
	l := newTestLog(t)
	first := mustAppend(t, l, Frame{Topic: "a"}, "shared")
	l.beforeCommit = func(cas.Hash) {
		l.beforeCommit = nil
		if err := l.Remove(context.Background(), first.ID); err != nil {
			t.Errorf("remove: %v", err)
		}
	}
	second := mustAppend(t, l, Frame{Topic: "b"}, "shared")
	if *second.Hash != *first.Hash {
		t.Fatalf("identical payloads must share a hash")
	}
	if _, err := l.Get(first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("first frame should be gone, got %v", err)
	}
	r, err := l.Payload(*second.Hash)
	if err != nil {
		t.Fatalf("payload of surviving frame: %v", err)
	}
	defer r.Close()
	b, _ := io.ReadAll(r)
	if string(b) != "shared" {
		t.Fatalf("payload %q", b)
	}
}

func TestAppendByHashAfterRelease(t *testing.T) {
	l := newTestLog(t)
	f := mustAppend(t, l, Frame{Topic: "a"}, "gone")
	if err := l.Remove(context.Background(), f.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := l.Append(context.Background(), Frame{Topic: "b", Hash: f.Hash}, nil); !errors.Is(err, ErrPayloadMissing) {
		t.Fatalf("expected ErrPayloadMissing, got %v", err)
	}
}
