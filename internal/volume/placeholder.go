package volume

import (
	"context"
	"sync"
	"sync/atomic"
)

// PlaceholderCache holds the one constant view an adapter hands out for
// missing time points. It is keyed on shape: asking for the same shape again
// returns the same instance, and a different shape replaces it.
type PlaceholderCache[T Numeric] struct {
	slot atomic.Pointer[ConstantView[Volatile[T]]]
}

// View returns source as an always-valid view when it is non-nil. Otherwise
// it returns a constant view of expected whose elements are the zero value,
// marked valid so consumers do not wait for it to load.
func (c *PlaceholderCache[T]) View(source BlockedView[T], expected Shape) View[Volatile[T]] {
	if source != nil {
		return NewValidView(source)
	}
	return c.Placeholder(expected)
}

// Placeholder returns the memoized constant view for expected.
func (c *PlaceholderCache[T]) Placeholder(expected Shape) *ConstantView[Volatile[T]] {
	for {
		cur := c.slot.Load()
		if cur != nil && cur.Shape().Equal(expected) {
			return cur
		}
		var zero T
		next := NewConstantView(expected, Volatile[T]{Value: zero, Valid: true})
		if c.slot.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// ValidView reads a blocked view synchronously and marks every element valid.
// It keeps the most recently used block.
type ValidView[T Numeric] struct {
	source BlockedView[T]
	grid   Shape

	mu        sync.Mutex
	lastIndex int64
	last      Block[T]
	lastErr   error
}

// NewValidView wraps source.
func NewValidView[T Numeric](source BlockedView[T]) *ValidView[T] {
	return &ValidView[T]{
		source:    source,
		grid:      GridShape(source.Shape(), source.BlockSize()),
		lastIndex: -1,
	}
}

// Shape implements View.
func (v *ValidView[T]) Shape() Shape { return v.source.Shape() }

// At implements View. A block that fails to load reads as invalid.
func (v *ValidView[T]) At(pos []int64) Volatile[T] {
	if !v.source.Shape().Contains(pos) {
		return Volatile[T]{}
	}
	gridPos, offset, index := Locate(pos, v.source.BlockSize(), v.grid)

	v.mu.Lock()
	defer v.mu.Unlock()
	if index != v.lastIndex {
		v.last, v.lastErr = v.source.LoadBlock(context.Background(), gridPos)
		v.lastIndex = index
	}
	if v.lastErr != nil {
		return Volatile[T]{}
	}
	return Volatile[T]{Value: v.last.At(offset), Valid: true}
}

// Err returns the error from the most recent block load, if any.
func (v *ValidView[T]) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}
