// Package eventlog implements the append-only frame log.
//
// # Overview
//
// Every frame gets a monotonically increasing id from a single writer. The
// log keeps a frame record plus a set of indexes in Pebble:
//   - f/{id}                      frame record (crc32c-checked JSON)
//   - t/{ctx}{topic}0xFF{id}      per (context, topic) index
//   - h/{ctx}{topic}              newest frame of (context, topic)
//   - c/{ctx}                     contexts created by xs.context frames
//   - r/{hash}0x00{id}            payload references, for release
//   - x/{deadline}{id}            time ttl expiry index
//   - k/{name}                    named cursors
//
// Payloads live in the content store; a payload is released once no frame
// references it.
//
// API surface (internal)
//
//	l, _ := eventlog.Open(eventlog.Options{DB: db, CAS: store})
//	f, _ := l.Append(ctx, eventlog.Frame{Topic: "chat.msg"}, strings.NewReader("hi"))
//	head, _ := l.Head("chat.msg", id.Zero)
//
//	// Replay then tail
//	sub, _ := l.Read(ctx, eventlog.ReadOptions{Follow: eventlog.FollowOn})
//	for ev := range sub.Events() {
//		switch ev.Kind {
//		case eventlog.EventHistorical, eventlog.EventLive:
//		case eventlog.EventThreshold:
//		}
//	}
//
// # Retention
//
// Head(n) frames prune older frames of the same (context, topic) inside the
// append batch. Time(d) frames are hidden once expired and reclaimed by the
// background sweeper. Ephemeral frames are never written; live followers
// receive them and their payload is held in a bounded in-memory cache.
package eventlog
