package eventlog

import (
	"errors"

	pebblestore "github.com/rzbill/xs/internal/storage/pebble"
	"github.com/rzbill/xs/pkg/id"
)

// CommitCursor stores the last processed id under name idempotently.
// If fid is not after the stored one, the commit is ignored.
func (l *Log) CommitCursor(name string, fid id.ID) error {
	key := keyCursor(name)
	cur, err := l.db.Get(key)
	if err == nil {
		if prev, perr := id.FromBytes(cur); perr == nil && fid.Compare(prev) <= 0 {
			return nil
		}
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return err
	}
	return l.db.Set(key, fid[:])
}

// Cursor loads the named cursor.
func (l *Log) Cursor(name string) (id.ID, bool) {
	cur, err := l.db.Get(keyCursor(name))
	if err != nil {
		return id.Zero, false
	}
	fid, err := id.FromBytes(cur)
	if err != nil {
		return id.Zero, false
	}
	return fid, true
}

// DeleteCursor forgets the named cursor.
func (l *Log) DeleteCursor(name string) error {
	return l.db.Delete(keyCursor(name))
}
