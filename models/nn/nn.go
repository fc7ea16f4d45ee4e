// Package nn - Glue between dense values and gorgonia expression graphs.
//
// Every training step builds a fresh graph. Learned parameters live in dense
// tensors owned by their layer and are re-bound to the graph of the current
// step, so gradients computed on one graph update the same storage the next
// graph reads from.
package nn

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Dtype is the element type used for every graph node built by this module.
var Dtype = tensor.Float32

var nodeSeq uint64

// uniqueName suffixes name with a process wide sequence number. Input nodes are
// deduplicated by hash, which includes the name, so two distinct constants must
// never share one.
func uniqueName(name string) string {
	return fmt.Sprintf("%s_%d", name, atomic.AddUint64(&nodeSeq, 1))
}

// Dense wraps a float32 backing slice in a tensor of the given shape.
func Dense(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Constant binds a dense value to g as an input node.
func Constant(g *G.ExprGraph, t *tensor.Dense, name string) *G.Node {
	return G.NewTensor(g, t.Dtype(), t.Dims(),
		G.WithShape(t.Shape().Clone()...),
		G.WithValue(t),
		G.WithName(uniqueName(name)))
}

// Matrix binds a rows x cols float32 matrix to g.
func Matrix(g *G.ExprGraph, data []float32, rows, cols int, name string) *G.Node {
	return Constant(g, Dense(data, rows, cols), name)
}

// Vector binds a float32 vector to g.
func Vector(g *G.ExprGraph, data []float32, name string) *G.Node {
	return Constant(g, Dense(data, len(data)), name)
}

// Scalar binds a float32 scalar to g.
func Scalar(g *G.ExprGraph, v float32, name string) *G.Node {
	return G.NewScalar(g, Dtype, G.WithValue(v), G.WithName(uniqueName(name)))
}

// Full binds a rows x cols matrix filled with v.
func Full(g *G.ExprGraph, rows, cols int, v float32, name string) *G.Node {
	data := make([]float32, rows*cols)
	if v != 0 {
		for i := range data {
			data[i] = v
		}
	}
	return Matrix(g, data, rows, cols, name)
}

// FullVector binds a vector of length n filled with v.
func FullVector(g *G.ExprGraph, n int, v float32, name string) *G.Node {
	data := make([]float32, n)
	for i := range data {
		data[i] = v
	}
	return Vector(g, data, name)
}

// Rows returns the leading dimension of a node.
func Rows(n *G.Node) int {
	s := n.Shape()
	if len(s) == 0 {
		return 1
	}
	return s[0]
}

// Cols returns the trailing dimension of a matrix node.
func Cols(n *G.Node) int {
	s := n.Shape()
	if len(s) < 2 {
		return 1
	}
	return s[1]
}

// Run executes every node of g once on a tape machine.
func Run(g *G.ExprGraph, opts ...G.VMOpt) error {
	vm := G.NewTapeMachine(g, opts...)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return errors.Wrap(err, "graph execution failed")
	}
	return nil
}

// Values returns the float32 data held by an evaluated node.
func Values(n *G.Node) ([]float32, error) {
	v := n.Value()
	if v == nil {
		return nil, errors.Errorf("node %s has not been evaluated", n.Name())
	}
	switch d := v.Data().(type) {
	case []float32:
		return d, nil
	case float32:
		return []float32{d}, nil
	default:
		return nil, errors.Errorf("node %s holds %T, want float32", n.Name(), d)
	}
}

// ScalarValue returns the single float32 held by an evaluated node.
func ScalarValue(n *G.Node) (float32, error) {
	vals, err := Values(n)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, errors.Errorf("node %s holds %d values, want 1", n.Name(), len(vals))
	}
	return vals[0], nil
}

// DenseValue copies the value of an evaluated node into a new dense tensor.
func DenseValue(n *G.Node) (*tensor.Dense, error) {
	vals, err := Values(n)
	if err != nil {
		return nil, err
	}
	data := make([]float32, len(vals))
	copy(data, vals)
	shape := n.Shape().Clone()
	if len(shape) == 0 {
		shape = tensor.Shape{1}
	}
	return Dense(data, shape...), nil
}

// Float32s returns the backing slice of a float32 dense tensor.
func Float32s(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, nil
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("tensor holds %v, want float32", t.Dtype())
	}
	return data, nil
}

// SliceRows copies rows [lo, hi) of a float32 matrix. An empty range gives nil.
func SliceRows(t *tensor.Dense, lo, hi int) (*tensor.Dense, error) {
	if t == nil || hi <= lo {
		return nil, nil
	}
	data, err := Float32s(t)
	if err != nil {
		return nil, err
	}
	shape := t.Shape()
	if len(shape) != 2 || lo < 0 || hi > shape[0] {
		return nil, errors.Errorf("rows [%d, %d) out of range for shape %v", lo, hi, shape)
	}
	cols := shape[1]
	out := make([]float32, (hi-lo)*cols)
	copy(out, data[lo*cols:hi*cols])
	return Dense(out, hi-lo, cols), nil
}

// GatherRows copies the listed rows of a float32 matrix. No rows gives nil.
func GatherRows(t *tensor.Dense, idx []int) (*tensor.Dense, error) {
	if t == nil || len(idx) == 0 {
		return nil, nil
	}
	data, err := Float32s(t)
	if err != nil {
		return nil, err
	}
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, errors.Errorf("gather wants a matrix, got shape %v", shape)
	}
	cols := shape[1]
	out := make([]float32, 0, len(idx)*cols)
	for _, i := range idx {
		if i < 0 || i >= shape[0] {
			return nil, errors.Errorf("row %d out of range for shape %v", i, shape)
		}
		out = append(out, data[i*cols:(i+1)*cols]...)
	}
	return Dense(out, len(idx), cols), nil
}

// Detach copies the value held by an evaluated node into a new input node of
// g. Gradients computed on g never reach the graph n was built on.
func Detach(g *G.ExprGraph, n *G.Node, name string) (*G.Node, error) {
	v, err := DenseValue(n)
	if err != nil {
		return nil, err
	}
	return Constant(g, v, name), nil
}
