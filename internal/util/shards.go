package util

import (
	"math/bits"
	"runtime"
)

// maxShards caps the entry table fan-out.
const maxShards = 256

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

// NextPow2 returns the smallest power of two >= x. 0 and 1 map to 1; values
// above 1<<63 clamp to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	n := bits.Len64(x - 1)
	if n >= 64 {
		return 1 << 63
	}
	return 1 << n
}

// ShardCount normalizes a requested shard count: n <= 0 picks
// nextPow2(2*GOMAXPROCS), anything else is rounded up to a power of two.
// The result is clamped to [1..256].
func ShardCount(n int) int {
	if n <= 0 {
		n = max(runtime.GOMAXPROCS(0), 1) * 2
	}
	return int(min(NextPow2(uint64(n)), maxShards))
}

// ShardIndex maps a 64-bit hash to a shard index.
// Fast mask path for power-of-two counts, modulo otherwise.
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(shards)) {
		return int(hash & uint64(shards-1))
	}
	return int(hash % uint64(shards))
}
