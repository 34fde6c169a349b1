package volume

// ConstantView returns the same value at every position.
type ConstantView[V any] struct {
	shape Shape
	value V
}

// NewConstantView builds a constant view. The shape is copied.
func NewConstantView[V any](shape Shape, value V) *ConstantView[V] {
	return &ConstantView[V]{shape: shape.Clone(), value: value}
}

// Shape implements View.
func (c *ConstantView[V]) Shape() Shape { return c.shape }

// At implements View. Positions are not bounds-checked.
func (c *ConstantView[V]) At([]int64) V { return c.value }

// Value returns the constant.
func (c *ConstantView[V]) Value() V { return c.value }
