package service

import "time"

type pendingRequest struct {
	input   Tensor
	arrival time.Time
	handle  *CompletionHandle[Tensor]
}

// pendingBatch is appended to only while flushedBy is empty. Once flushed it
// belongs to the dispatch goroutine.
type pendingBatch struct {
	requests  []*pendingRequest
	rowShape  []int
	flushedBy FlushReason
}

func newPendingBatch(rowShape []int, capacity int) *pendingBatch {
	return &pendingBatch{
		requests: make([]*pendingRequest, 0, capacity),
		rowShape: append([]int(nil), rowShape...),
	}
}

func (b *pendingBatch) flushed() bool {
	return b.flushedBy != ""
}

func (b *pendingBatch) rows() int {
	total := 0
	for _, req := range b.requests {
		total += req.input.Rows()
	}
	return total
}

func (b *pendingBatch) inputs() []Tensor {
	out := make([]Tensor, len(b.requests))
	for idx, req := range b.requests {
		out[idx] = req.input
	}
	return out
}

func (b *pendingBatch) failAll(err error) {
	for _, req := range b.requests {
		req.handle.Fail(err)
	}
}
