package inn

import (
	"fmt"

	"gorgonia.org/tensor"
)

// ParityMask returns a mask of the given per-sample shape holding 1 at
// even row-major indices and 0 at odd ones
func ParityMask(shape ...int) *tensor.Dense {
	data := make([]float64, tensor.Shape(shape).TotalSize())
	for i := range data {
		if i%2 == 0 {
			data[i] = 1
		}
	}

	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Complement returns 1 - mask
func Complement(mask *tensor.Dense) (*tensor.Dense, error) {
	data, err := float64s(mask)
	if err != nil {
		return nil, fmt.Errorf("complement: %v", err)
	}

	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = 1 - v
	}

	return tensor.New(
		tensor.WithShape(mask.Shape().Clone()...),
		tensor.WithBacking(out),
	), nil
}

// checkMask returns a copy of mask after checking that it is binary and
// holds exactly one sample of the given shape
func checkMask(mask *tensor.Dense, sample tensor.Shape) (*tensor.Dense,
	error) {
	if !mask.Shape().Eq(sample) {
		return nil, fmt.Errorf("checkMask: expected mask of shape %v but "+
			"got %v: %w", sample, mask.Shape(), ErrShape)
	}

	data, err := float64s(mask)
	if err != nil {
		return nil, fmt.Errorf("checkMask: %v: %w", err, ErrConfig)
	}

	out := make([]float64, len(data))
	for i, v := range data {
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("checkMask: mask holds %v, expected only "+
				"0 and 1: %w", v, ErrConfig)
		}
		out[i] = v
	}

	return tensor.New(tensor.WithShape(sample.Clone()...),
		tensor.WithBacking(out)), nil
}
