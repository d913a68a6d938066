package eventlog

import (
	"context"
	"errors"
	"time"

	pebblestore "github.com/rzbill/xs/internal/storage/pebble"
	"github.com/rzbill/xs/pkg/id"
	logpkg "github.com/rzbill/xs/pkg/log"
)

// sweepBatch bounds the frames deleted per writer-lock hold.
const sweepBatch = 512

// Sweep deletes every frame whose Time TTL has elapsed and returns how many
// were removed. Expired frames are already hidden from reads; Sweep reclaims
// their storage and payloads.
func (l *Log) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := l.sweepOnce(ctx)
		total += n
		if err != nil || n < sweepBatch {
			return total, err
		}
	}
}

func (l *Log) sweepOnce(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	upper := appendBE8(append([]byte(nil), expiryPrefix...), uint64(id.NowMs())+1)
	var (
		expired []Frame
		scanErr error
	)
	err := l.db.ScanRange(expiryPrefix, upper, false, func(k, _ []byte) bool {
		f, err := l.getStored(idFromSuffix(k))
		if errors.Is(err, ErrNotFound) {
			return true
		}
		if err != nil {
			scanErr = err
			return false
		}
		expired = append(expired, f)
		return len(expired) < sweepBatch
	})
	if err == nil {
		err = scanErr
	}
	if err != nil {
		return 0, err
	}
	if err := l.removeLocked(ctx, expired); err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		l.metrics.FramesRemoved.WithLabelValues(string(CauseExpired)).Add(float64(len(expired)))
		l.opts.Removals.FramesRemoved(CauseExpired, expired)
		l.logger.Debug("expired frames swept", logpkg.Int("count", len(expired)))
	}
	return len(expired), nil
}

func (l *Log) sweepLoop(every time.Duration) {
	defer l.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			if _, err := l.Sweep(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
				l.logger.Warn("ttl sweep failed", logpkg.Err(err))
			}
		}
	}
}

// Compact asks Pebble to compact the frame and index keyspace after large
// removals.
func (l *Log) Compact() error {
	return l.db.CompactRange(framePrefix, pebblestore.PrefixUpperBound(expiryPrefix))
}
