package gateway

import (
	"bytes"
	"fmt"
	"testing"
)

func cachedUnit(start int) CachedChunk {
	return CachedChunk{
		UnitStart: start,
		UnitEnd:   start + 1,
		Data:      []byte(fmt.Sprintf("unit-%d", start)),
	}
}

func TestChunkCache_ReplayAfter(t *testing.T) {
	t.Parallel()

	c := NewChunkCache(8)
	for i := 0; i < 3; i++ {
		c.Add(cachedUnit(i))
	}

	got := c.ReplayAfter(1)
	if len(got) != 2 {
		t.Fatalf("ReplayAfter(1) returned %d chunks; want 2", len(got))
	}
	if got[0].UnitStart != 1 || got[1].UnitStart != 2 {
		t.Errorf("replay order = [%d, %d]; want [1, 2]", got[0].UnitStart, got[1].UnitStart)
	}
	if !bytes.Equal(got[0].Data, []byte("unit-1")) {
		t.Errorf("replayed data = %q; want %q", got[0].Data, "unit-1")
	}
}

func TestChunkCache_ReplayKeepsChunkOrderWithinUnit(t *testing.T) {
	t.Parallel()

	// A long unit is emitted as several chunks sharing one range.
	c := NewChunkCache(8)
	c.Add(CachedChunk{UnitStart: 0, UnitEnd: 1, Data: []byte("a")})
	c.Add(CachedChunk{UnitStart: 0, UnitEnd: 1, Data: []byte("b")})
	c.Add(CachedChunk{UnitStart: 1, UnitEnd: 2, Data: []byte("c")})

	got := c.ReplayAfter(0)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("ReplayAfter(0) returned %d chunks; want %d", len(got), len(want))
	}
	for i, w := range want {
		if string(got[i].Data) != w {
			t.Errorf("chunk %d data = %q; want %q", i, got[i].Data, w)
		}
	}
}

func TestChunkCache_EvictsOldest(t *testing.T) {
	t.Parallel()

	c := NewChunkCache(2)
	for i := 0; i < 3; i++ {
		c.Add(cachedUnit(i))
	}

	if got := c.Len(); got != 2 {
		t.Fatalf("Len() = %d; want 2", got)
	}
	// Unit 0 is gone, so a client that only confirmed unit 0 has a gap.
	if got := c.ReplayAfter(0); got != nil {
		t.Errorf("ReplayAfter(0) = %d chunks after eviction; want nil", len(got))
	}
	if got := c.ReplayAfter(1); len(got) != 2 {
		t.Errorf("ReplayAfter(1) returned %d chunks; want 2", len(got))
	}
}

func TestChunkCache_GapBeforeOldestEntry(t *testing.T) {
	t.Parallel()

	// Retaining a single chunk: after three units only [2,3) survives. A
	// client that confirmed unit 1 cannot be bridged to it.
	c := NewChunkCache(1)
	for i := 0; i < 3; i++ {
		c.Add(cachedUnit(i))
	}

	if got := c.ReplayAfter(1); got != nil {
		t.Errorf("ReplayAfter(1) = %d chunks; want nil", len(got))
	}
	if got := c.ReplayAfter(2); len(got) != 1 || got[0].UnitStart != 2 {
		t.Errorf("ReplayAfter(2) = %+v; want the single [2,3) chunk", got)
	}
}

func TestChunkCache_CaughtUpClient(t *testing.T) {
	t.Parallel()

	c := NewChunkCache(8)
	for i := 0; i < 3; i++ {
		c.Add(cachedUnit(i))
	}

	if got := c.ReplayAfter(5); got != nil {
		t.Errorf("ReplayAfter(5) = %d chunks; want nil", len(got))
	}
}

func TestChunkCache_Empty(t *testing.T) {
	t.Parallel()

	c := NewChunkCache(8)
	if got := c.ReplayAfter(0); got != nil {
		t.Errorf("ReplayAfter(0) on empty cache = %v; want nil", got)
	}
	if got := c.Len(); got != 0 {
		t.Errorf("Len() = %d; want 0", got)
	}
}
