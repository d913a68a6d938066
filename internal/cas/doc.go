// Package cas implements the content-addressed payload store behind frames.
//
// Blobs are written through a streaming Writer into a temp file while a
// sha-256 digest is computed; Commit renames the file into place under its
// digest, or discards it when identical content is already stored. Blobs
// are immutable once committed, so concurrent readers and writers need no
// coordination beyond the atomic rename.
//
// Layout
//
//	<dir>/sha256/<hex[0:2]>/<hex>   committed blobs
//	<dir>/tmp/                      in-flight writers
//
// A Writer that commits without receiving any bytes returns a nil *Hash:
// "no payload" is distinct from a payload, and an empty payload is not
// stored.
package cas
