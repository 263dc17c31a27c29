// Package util contains internal helpers (hashing, sharding, padding).
//
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hash64 hashes a key for shard selection with xxhash. Integer keys hash
// their 8 little-endian bytes, so equal values of different widths land on
// the same shard.
// Supported: string, []byte, [16|32]byte, all int/uint widths, uintptr,
// fmt.Stringer. Anything else panics; supply Options.Hash for it.
func Hash64[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return xxhash.Sum64String(v)
	case []byte:
		return xxhash.Sum64(v)
	case [16]byte:
		return xxhash.Sum64(v[:])
	case [32]byte:
		return xxhash.Sum64(v[:])
	case uint8:
		return hashUint(uint64(v))
	case uint16:
		return hashUint(uint64(v))
	case uint32:
		return hashUint(uint64(v))
	case uint64:
		return hashUint(v)
	case uint:
		return hashUint(uint64(v))
	case uintptr:
		return hashUint(uint64(v))
	case int8:
		return hashUint(uint64(v))
	case int16:
		return hashUint(uint64(v))
	case int32:
		return hashUint(uint64(v))
	case int64:
		return hashUint(uint64(v))
	case int:
		return hashUint(uint64(v))
	case fmt.Stringer:
		return xxhash.Sum64String(v.String())
	default:
		panic(fmt.Sprintf("util.Hash64: unsupported key type %T; provide Options.Hash", k))
	}
}

func hashUint(u uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	return xxhash.Sum64(b[:])
}
