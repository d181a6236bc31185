package inn

import (
	"fmt"
	"hash/fnv"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// SimpleHash constructs the 32-bit FNV-1a hash of a Gorgonia Op.
// Taken from Gorgonia.
func SimpleHash(op G.Op) uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

// CheckArity returns an error if inputs does not match the arity of op
func CheckArity(op G.Op, inputs int) error {
	if inputs != op.Arity() && op.Arity() >= 0 {
		return fmt.Errorf("%v has an arity of %d. Got %d instead", op,
			op.Arity(), inputs)
	}
	return nil
}

// float64s returns the backing data of a float64 value in row-major
// order. Views are materialized first.
func float64s(v G.Value) ([]float64, error) {
	switch v := v.(type) {
	case *G.F64:
		return []float64{float64(*v)}, nil

	case tensor.Tensor:
		if v == nil {
			return nil, fmt.Errorf("nil tensor")
		}
		if v.Dtype() != tensor.Float64 {
			return nil, fmt.Errorf("expected dtype %v but got %v",
				tensor.Float64, v.Dtype())
		}
		t := v
		if d, ok := v.(*tensor.Dense); ok && d.IsMaterializable() {
			t = d.Materialize()
		}
		switch data := t.Data().(type) {
		case []float64:
			return data, nil
		case float64:
			return []float64{data}, nil
		}
		return nil, fmt.Errorf("unexpected backing %T", t.Data())
	}

	return nil, fmt.Errorf("expected float64 value but got %T", v)
}

// scalar returns the single float64 held by v
func scalar(v G.Value) (float64, error) {
	data, err := float64s(v)
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, fmt.Errorf("expected a scalar but got %d elements",
			len(data))
	}
	return data[0], nil
}

// ones64 returns a slice of size ones
func ones64(size int) []float64 {
	slice := make([]float64, size)
	for i := range slice {
		slice[i] = 1.0
	}

	return slice
}
