// Package idhash computes the 128-bit content-hash ids used by the metrics
// store (C3) and the data store (C5). cespare/xxhash/v2 only exposes a
// 64-bit Sum64; two independent passes over the input - one over the raw
// bytes, one over a salt byte followed by the bytes in reverse order - are
// concatenated into a 16-byte id. This keeps the "128-bit hash" contract
// from spec.md §3/§4.5 on a dependency already in the teacher's module
// graph (pulled in indirectly through go-redis's consistent-hash ring)
// instead of adding a new one.
package idhash

import (
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

const salt = byte(0x5a)

// Sum128Hex returns the hex-encoded 128-bit content hash of data.
func Sum128Hex(data []byte) string {
	var buf [16]byte

	h1 := xxhash.Sum64(data)
	putUint64(buf[0:8], h1)

	reversed := make([]byte, len(data)+1)
	for i, b := range data {
		reversed[len(data)-i] = b
	}
	reversed[0] = salt

	h2 := xxhash.Sum64(reversed)
	putUint64(buf[8:16], h2)

	return hex.EncodeToString(buf[:])
}

func putUint64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (56 - 8*i))
	}
}
