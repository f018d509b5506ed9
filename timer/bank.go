package timer

import (
	"math/bits"
	"sync"
)

// MaxTimers is the capacity of a Bank and of a Mask.
const MaxTimers = 64

// Mask is a set of timer (or connection) indices.
type Mask uint64

func (m Mask) Has(i int) bool  { return m&(1<<uint(i)) != 0 }
func (m *Mask) Set(i int)      { *m |= 1 << uint(i) }
func (m *Mask) Clear(i int)    { *m &^= 1 << uint(i) }
func (m Mask) Empty() bool     { return m == 0 }
func (m Mask) Count() int      { return bits.OnesCount64(uint64(m)) }

// ForEach calls fn for every set index in ascending order.
func (m Mask) ForEach(fn func(i int)) {
	for m != 0 {
		i := bits.TrailingZeros64(uint64(m))
		fn(i)
		m &^= 1 << uint(i)
	}
}

// Bank is a fixed array of one-shot countdown timers. Start/Stop may be
// called from any goroutine; Tick is called once per main function period.
type Bank struct {
	mu     sync.Mutex
	counts []uint32
}

// NewBank creates n stopped timers. n is clamped to MaxTimers.
func NewBank(n int) *Bank {
	if n > MaxTimers {
		n = MaxTimers
	}
	if n < 0 {
		n = 0
	}
	return &Bank{counts: make([]uint32, n)}
}

func (b *Bank) Len() int { return len(b.counts) }

// Start (re)loads timer id. A zero tick count stops it.
func (b *Bank) Start(id int, ticks uint32) {
	if id < 0 || id >= len(b.counts) {
		return
	}
	b.mu.Lock()
	b.counts[id] = ticks
	b.mu.Unlock()
}

func (b *Bank) Stop(id int) { b.Start(id, 0) }

func (b *Bank) Running(id int) bool { return b.Remaining(id) > 0 }

func (b *Bank) Remaining(id int) uint32 {
	if id < 0 || id >= len(b.counts) {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[id]
}

// Tick decrements every running timer and returns the ones that reached
// zero on this tick.
func (b *Bank) Tick() Mask {
	var expired Mask
	b.mu.Lock()
	for i, c := range b.counts {
		if c == 0 {
			continue
		}
		c--
		b.counts[i] = c
		if c == 0 {
			expired.Set(i)
		}
	}
	b.mu.Unlock()
	return expired
}
