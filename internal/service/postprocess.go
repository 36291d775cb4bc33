package service

import (
	"fmt"
	"math"
	"strings"
)

// Task selects the fixed post-processing applied to a model's output.
type Task string

const (
	TaskRaw            Task = "raw"
	TaskClassification Task = "classification"
	TaskSegmentation   Task = "segmentation"
)

func parseTask(value string) (Task, error) {
	switch Task(strings.ToLower(strings.TrimSpace(value))) {
	case "", TaskRaw:
		return TaskRaw, nil
	case TaskClassification:
		return TaskClassification, nil
	case TaskSegmentation:
		return TaskSegmentation, nil
	default:
		return "", fmt.Errorf("unsupported task %q", value)
	}
}

type Classification struct {
	Index         int       `json:"index"`
	Label         string    `json:"label,omitempty"`
	Probabilities []float32 `json:"probabilities"`
}

// Segmentation holds one class index per pixel for every row of the output.
type Segmentation struct {
	Shape []int   `json:"shape"`
	Mask  [][]int `json:"mask"`
}

type PostProcessed struct {
	Task           Task             `json:"task"`
	Output         *Tensor          `json:"output,omitempty"`
	Classification []Classification `json:"classification,omitempty"`
	Segmentation   *Segmentation    `json:"segmentation,omitempty"`
}

// PostProcess applies task to the output rows of a single request.
func PostProcess(task Task, labels []string, output Tensor) (PostProcessed, error) {
	switch task {
	case "", TaskRaw:
		out := output
		return PostProcessed{Task: TaskRaw, Output: &out}, nil
	case TaskClassification:
		classes, err := classify(labels, output)
		if err != nil {
			return PostProcessed{}, err
		}
		return PostProcessed{Task: TaskClassification, Classification: classes}, nil
	case TaskSegmentation:
		seg, err := segment(output)
		if err != nil {
			return PostProcessed{}, err
		}
		return PostProcessed{Task: TaskSegmentation, Segmentation: seg}, nil
	default:
		return PostProcessed{}, fmt.Errorf("unsupported task %q", task)
	}
}

// classify applies a softmax over the last axis of every row and picks the
// most probable class.
func classify(labels []string, output Tensor) ([]Classification, error) {
	if len(output.Shape) < 2 {
		return nil, fmt.Errorf("%w: classification output needs rank >= 2, got %v", ErrInvalidTensor, output.Shape)
	}
	classes := output.Shape[len(output.Shape)-1]
	if len(labels) > 0 && len(labels) != classes {
		return nil, fmt.Errorf("model declares %d labels for %d classes", len(labels), classes)
	}
	out := make([]Classification, 0, len(output.Data)/classes)
	for start := 0; start < len(output.Data); start += classes {
		probs := softmax(output.Data[start : start+classes])
		best := argmax(probs)
		result := Classification{Index: best, Probabilities: probs}
		if len(labels) > 0 {
			result.Label = labels[best]
		}
		out = append(out, result)
	}
	return out, nil
}

// segment reduces an output of shape [rows, classes, H, W] to a per-pixel
// class mask of shape [rows, H, W].
func segment(output Tensor) (*Segmentation, error) {
	if len(output.Shape) != 4 {
		return nil, fmt.Errorf("%w: segmentation output needs rank 4, got %v", ErrInvalidTensor, output.Shape)
	}
	rows, classes, height, width := output.Shape[0], output.Shape[1], output.Shape[2], output.Shape[3]
	plane := height * width
	seg := &Segmentation{Shape: []int{rows, height, width}, Mask: make([][]int, rows)}
	scores := make([]float32, classes)
	for row := 0; row < rows; row++ {
		base := row * classes * plane
		mask := make([]int, plane)
		for pixel := 0; pixel < plane; pixel++ {
			for class := 0; class < classes; class++ {
				scores[class] = output.Data[base+class*plane+pixel]
			}
			mask[pixel] = argmax(scores)
		}
		seg.Mask[row] = mask
	}
	return seg, nil
}

func softmax(values []float32) []float32 {
	out := make([]float32, len(values))
	if len(values) == 0 {
		return out
	}
	maxValue := values[0]
	for _, value := range values[1:] {
		maxValue = max(maxValue, value)
	}
	var sum float64
	for idx, value := range values {
		exp := math.Exp(float64(value - maxValue))
		out[idx] = float32(exp)
		sum += exp
	}
	for idx := range out {
		out[idx] = float32(float64(out[idx]) / sum)
	}
	return out
}

func argmax(values []float32) int {
	best := 0
	for idx, value := range values {
		if value > values[best] {
			best = idx
		}
	}
	return best
}
