// Package id provides the 128-bit, lexicographically sortable identifiers
// used for frames and contexts.
//
// # Format
//
// The ID is 16 bytes big-endian in the ULID layout: [6 bytes ms_timestamp]
// [10 bytes entropy]. Byte-wise comparison preserves chronological order.
// The external form is 26 lowercase Crockford base32 characters.
//
// # Monotonicity
//
// The Generator ensures per-process monotonicity:
//   - Within a millisecond the entropy is incremented by a small random step.
//   - If the system clock regresses, it pins to the last seen millisecond and
//     keeps incrementing.
//   - If the entropy would overflow, it moves to the next logical millisecond.
//
// Rollback lets a single writer undo an issued id when the operation that
// consumed it failed, so failed appends leave no gaps.
//
// Usage
//
//	g := id.NewGenerator()
//	newID := g.Next()
//	s := newID.String()
package id
