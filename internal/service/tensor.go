package service

import (
	"fmt"
	"slices"
)

// MaxTensorElements bounds the number of values a single tensor may declare.
const MaxTensorElements = 1 << 28

// Tensor is a dense row-major float32 tensor. The leading axis is the batch
// axis: an item submitted by one caller carries Shape[0] rows.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

func NewTensor(shape []int, data []float32) (Tensor, error) {
	t := Tensor{Shape: slices.Clone(shape), Data: data}
	if err := t.validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// Rows returns the size of the leading axis.
func (t Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowShape is the shape of a single row, i.e. everything but the batch axis.
func (t Tensor) RowShape() []int {
	if len(t.Shape) == 0 {
		return nil
	}
	return t.Shape[1:]
}

// rowSize assumes t has been validated.
func (t Tensor) rowSize() int {
	volume, _ := shapeVolume(t.RowShape())
	return volume
}

func (t Tensor) validate() error {
	if len(t.Shape) == 0 {
		return fmt.Errorf("%w: tensor has no dimensions", ErrInvalidTensor)
	}
	for axis, dim := range t.Shape {
		if dim <= 0 {
			return fmt.Errorf("%w: dimension %d of shape %v must be > 0", ErrInvalidTensor, axis, t.Shape)
		}
	}
	want, ok := shapeVolume(t.Shape)
	if !ok {
		return fmt.Errorf(
			"%w: shape %v exceeds %d elements",
			ErrInvalidTensor,
			t.Shape,
			MaxTensorElements,
		)
	}
	if want != len(t.Data) {
		return fmt.Errorf(
			"%w: shape %v needs %d values, got %d",
			ErrInvalidTensor,
			t.Shape,
			want,
			len(t.Data),
		)
	}
	return nil
}

// concatRows joins tensors along the leading axis. All inputs must share the
// same row shape.
func concatRows(parts []Tensor) (Tensor, error) {
	if len(parts) == 0 {
		return Tensor{}, fmt.Errorf("%w: nothing to concatenate", ErrInvalidTensor)
	}
	rowShape := parts[0].RowShape()
	rows := 0
	size := 0
	for idx, part := range parts {
		if !slices.Equal(part.RowShape(), rowShape) {
			return Tensor{}, fmt.Errorf(
				"%w: part %d has row shape %v, want %v",
				ErrInvalidTensor,
				idx,
				part.RowShape(),
				rowShape,
			)
		}
		rows += part.Rows()
		size += len(part.Data)
	}
	data := make([]float32, 0, size)
	for _, part := range parts {
		data = append(data, part.Data...)
	}
	shape := append([]int{rows}, rowShape...)
	return Tensor{Shape: shape, Data: data}, nil
}

// sliceRows returns rows [start, end) of t. The result shares no memory with t.
func (t Tensor) sliceRows(start int, end int) Tensor {
	rowSize := t.rowSize()
	data := make([]float32, (end-start)*rowSize)
	copy(data, t.Data[start*rowSize:end*rowSize])
	shape := append([]int{end - start}, t.RowShape()...)
	return Tensor{Shape: shape, Data: data}
}

// matchesShape reports whether shape satisfies pattern, where -1 in pattern
// accepts any size on that axis.
func matchesShape(pattern []int, shape []int) bool {
	if len(pattern) != len(shape) {
		return false
	}
	for idx, want := range pattern {
		if want != -1 && want != shape[idx] {
			return false
		}
	}
	return true
}

// shapeVolume multiplies the positive dimensions of shape. It reports false
// once the product would pass MaxTensorElements.
func shapeVolume(shape []int) (int, bool) {
	volume := 1
	for _, dim := range shape {
		if dim <= 0 {
			return 0, false
		}
		if dim > MaxTensorElements/volume {
			return 0, false
		}
		volume *= dim
	}
	return volume, true
}
