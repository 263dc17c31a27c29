package cache

import (
	"context"
	"testing"
)

// Fuzz arbitrary Load/Acquire/Release sequences over a few keys against a
// simple reference-count model. The count never goes negative and an entry
// exists iff its modelled count is positive (no delays involved).
func FuzzCache_RefCounts(f *testing.F) {
	f.Add([]byte{0, 0, 1, 1, 1})
	f.Add([]byte{0, 3, 6, 2, 5, 4, 7})
	f.Add([]byte{1, 4, 7, 10})

	keys := []string{"a", "b", "c", "d"}

	f.Fuzz(func(t *testing.T, ops []byte) {
		const limit = 256
		if len(ops) > limit {
			ops = ops[:limit]
		}

		p := newFakeProvider()
		c := New[string, *asset](Options[string, *asset]{Provider: p, Shards: 2})
		defer func() { _ = c.Close() }()

		model := make(map[string]int)
		for _, op := range ops {
			k := keys[int(op/3)%len(keys)]
			switch op % 3 {
			case 0:
				if _, err := c.Load(context.Background(), k); err != nil {
					t.Fatalf("Load(%q): %v", k, err)
				}
				model[k]++
			case 1:
				err := c.Release(k)
				if model[k] == 0 && err == nil {
					t.Fatalf("Release(%q) with no references must fail", k)
				}
				if model[k] > 0 {
					if err != nil {
						t.Fatalf("Release(%q): %v", k, err)
					}
					model[k]--
				}
			case 2:
				_, err := c.Acquire(k)
				if (err == nil) != (model[k] > 0) {
					t.Fatalf("Acquire(%q) err=%v with model count %d", k, err, model[k])
				}
				if err == nil {
					model[k]++
				}
			}

			for _, mk := range keys {
				refs, ok := c.RefCount(mk)
				if refs < 0 {
					t.Fatalf("negative count for %q", mk)
				}
				if ok != (model[mk] > 0) || refs != model[mk] {
					t.Fatalf("%q: cache (%d, %v) vs model %d", mk, refs, ok, model[mk])
				}
			}
		}
	})
}
