package inn

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Kind is the layout of a layer input, resolved once from its shape
type Kind byte

const (
	// Unbatched is a single sample vector: (D)
	Unbatched Kind = iota

	// Vector is a batch of vectors: (B, D)
	Vector

	// Sequence is a batch of 1-D channel sequences: (B, C, L)
	Sequence

	// Grid is a batch of 2-D channel grids: (B, C, H, W)
	Grid
)

// KindOf returns the Kind of an input with the given shape
func KindOf(shape tensor.Shape) (Kind, error) {
	switch len(shape) {
	case 1:
		return Unbatched, nil
	case 2:
		return Vector, nil
	case 3:
		return Sequence, nil
	case 4:
		return Grid, nil
	}

	return 0, fmt.Errorf("kindOf: expected rank 1, 2, 3 or 4 but got "+
		"shape %v: %w", shape, ErrShape)
}

// Batched returns whether inputs of kind k carry a batch axis
func (k Kind) Batched() bool { return k != Unbatched }

// Rank returns the number of axes of an input of kind k
func (k Kind) Rank() int { return int(k) + 1 }

func (k Kind) String() string {
	switch k {
	case Unbatched:
		return "Unbatched"
	case Vector:
		return "Vector"
	case Sequence:
		return "Sequence"
	case Grid:
		return "Grid"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// sampleShape returns the per-sample shape of an input of kind k
func (k Kind) sampleShape(shape tensor.Shape) tensor.Shape {
	if !k.Batched() {
		return shape.Clone()
	}
	return tensor.Shape(shape[1:]).Clone()
}

// check returns ErrShape if shape is not of kind k or its per-sample
// shape differs from sample
func (k Kind) check(shape, sample tensor.Shape) error {
	got, err := KindOf(shape)
	if err != nil {
		return err
	}
	if got != k {
		return fmt.Errorf("expected %v input but got shape %v: %w", k,
			shape, ErrShape)
	}
	if sample != nil && !k.sampleShape(shape).Eq(sample) {
		return fmt.Errorf("expected sample shape %v but got input shape "+
			"%v: %w", sample, shape, ErrShape)
	}
	return nil
}
