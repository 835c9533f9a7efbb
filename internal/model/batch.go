package model

import (
	"slices"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
)

// batch accumulates rows for a batch prediction, keyed by the caller's row
// index. Indices need not be contiguous; only rows actually added run.
type batch struct {
	rows map[int]*feature.Set
}

func newBatch() *batch {
	return &batch{rows: make(map[int]*feature.Set)}
}

func (b *batch) put(row int, name string, v *feature.Value) {
	set, ok := b.rows[row]
	if !ok {
		set = feature.NewSet()
		b.rows[row] = set
	}
	set.Put(name, v)
}

// indices returns the row indices in ascending order.
func (b *batch) indices() []int {
	idx := make([]int, 0, len(b.rows))
	for r := range b.rows {
		idx = append(idx, r)
	}
	slices.Sort(idx)
	return idx
}

func (b *batch) len() int {
	return len(b.rows)
}

func (b *batch) reset() {
	clear(b.rows)
}
