// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlswire

const arenaChunkSize = 4096

// Arena is a chunked bump allocator. Every byte slice the parser extracts
// from a handshake lives in one arena, so the whole parse tree is dropped in
// a single Reset when the connection finishes SNI detection. Allocations are
// never freed individually.
type Arena struct {
	cur    []byte
	off    int
	full   [][]byte
	minCap int
}

// NewArena returns an arena whose first chunk holds at least capacity bytes.
func NewArena(capacity int) *Arena {
	if capacity < arenaChunkSize {
		capacity = arenaChunkSize
	}
	return &Arena{
		cur:    make([]byte, capacity),
		minCap: capacity,
	}
}

// Alloc returns a zeroed n-byte slice owned by the arena.
func (a *Arena) Alloc(n int) []byte {
	if n > len(a.cur)-a.off {
		size := a.minCap
		if n > size {
			size = n
		}
		a.full = append(a.full, a.cur)
		a.cur = make([]byte, size)
		a.off = 0
	}
	b := a.cur[a.off : a.off+n : a.off+n]
	a.off += n
	return b
}

// Bytes copies src into the arena and returns the copy.
func (a *Arena) Bytes(src []byte) []byte {
	dst := a.Alloc(len(src))
	copy(dst, src)
	return dst
}

// Reset releases everything allocated from the arena. The first chunk is
// retained for reuse.
func (a *Arena) Reset() {
	a.full = nil
	a.off = 0
}
