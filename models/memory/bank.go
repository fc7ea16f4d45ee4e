// Package memory - Shared exemplar store consulted by the memory
// classification loss.
package memory

import (
	"sync"

	"github.com/nvr-ai/go-rcnn/common"
	"github.com/nvr-ai/go-rcnn/models/nn"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Bank is a bounded FIFO of (feature, label) exemplars. It is safe for
// concurrent use; an Update that returned before a Snapshot started is always
// visible to that Snapshot.
type Bank struct {
	mu       sync.RWMutex
	capacity int
	dim      int
	feats    []float32
	labels   []int
}

// NewBank creates an empty bank holding at most capacity exemplars of width dim.
func NewBank(capacity, dim int) (*Bank, error) {
	if capacity <= 0 || dim <= 0 {
		return nil, errors.Errorf("memory bank needs a positive capacity and dim, got %d and %d", capacity, dim)
	}
	return &Bank{capacity: capacity, dim: dim}, nil
}

// Dim returns the feature width.
func (b *Bank) Dim() int { return b.dim }

// Capacity returns the maximum number of exemplars.
func (b *Bank) Capacity() int { return b.capacity }

// Len returns the number of stored exemplars.
func (b *Bank) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.labels)
}

// Update appends the rows of an (n x dim) feature matrix with their labels,
// evicting the oldest exemplars once the bank is full.
func (b *Bank) Update(features *tensor.Dense, labels []int) error {
	data, err := nn.Float32s(features)
	if err != nil {
		return err
	}
	if len(labels) == 0 {
		return nil
	}
	shape := features.Shape()
	if len(shape) != 2 || shape[1] != b.dim || shape[0] != len(labels) {
		return common.ShapeMismatchf("memory update of %d labels got features %v, want (%d x %d)", len(labels), shape, len(labels), b.dim)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.feats = append(b.feats, data...)
	b.labels = append(b.labels, labels...)
	if over := len(b.labels) - b.capacity; over > 0 {
		b.feats = append([]float32(nil), b.feats[over*b.dim:]...)
		b.labels = append([]int(nil), b.labels[over:]...)
	}
	return nil
}

// Snapshot returns copies of the stored features (n x dim) and labels. Both
// are nil when the bank is empty.
func (b *Bank) Snapshot() (*tensor.Dense, []int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.labels) == 0 {
		return nil, nil
	}
	feats := append([]float32(nil), b.feats...)
	labels := append([]int(nil), b.labels...)
	return nn.Dense(feats, len(labels), b.dim), labels
}

// Reset drops every exemplar.
func (b *Bank) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feats = nil
	b.labels = nil
}
