package main

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
)

// ============================================================
// 1) AUTOGRAD — reverse-mode, one Vec per timestep
// ============================================================

// gradEnabled is the global tape switch. Prediction flips it off so the
// forward pass allocates no closures and no grad buffers.
var gradEnabled atomic.Bool

func init() { gradEnabled.Store(true) }

type Node interface {
	getChildren() []Node
	doBackward()
}

// Vec is a differentiable vector. One object = one embedding row, one gate
// activation, one hidden state.
type Vec struct {
	Data     []float64
	Grad     []float64
	children []Node
	backFn   func()
}

func NewVec(data []float64) *Vec {
	var g []float64
	if gradEnabled.Load() {
		g = make([]float64, len(data))
	}
	return &Vec{Data: data, Grad: g}
}

func NewVecZero(n int) *Vec {
	return NewVec(make([]float64, n))
}

// NewVecWithGrad always allocates grad (parameter vectors need it whether or
// not the tape is recording).
func NewVecWithGrad(data []float64) *Vec {
	g := make([]float64, len(data))
	return &Vec{Data: data, Grad: g}
}

func (v *Vec) getChildren() []Node { return v.children }
func (v *Vec) doBackward() {
	if v.backFn != nil {
		v.backFn()
	}
}

// Detach copies the values into a fresh leaf Vec. Used to cut the graph at
// window boundaries when recurrent state is threaded across calls.
func (v *Vec) Detach() *Vec {
	d := make([]float64, len(v.Data))
	copy(d, v.Data)
	return NewVec(d)
}

// Add returns self + other element-wise.
func (v *Vec) Add(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] + other.Data[i]
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v, other}
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += out.Grad[i]
				other.Grad[i] += out.Grad[i]
			}
		}
	}
	return out
}

// MulVec returns the element-wise product self * other.
func (v *Vec) MulVec(other *Vec) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * other.Data[i]
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v, other}
		vData := v.Data
		oData := other.Data
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += oData[i] * out.Grad[i]
				other.Grad[i] += vData[i] * out.Grad[i]
			}
		}
	}
	return out
}

// Scale returns self * s.
func (v *Vec) Scale(s float64) *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] * s
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v}
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += s * out.Grad[i]
			}
		}
	}
	return out
}

// Sigmoid applies 1/(1+exp(-x)) element-wise. LSTM gate activation.
func (v *Vec) Sigmoid() *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = 1.0 / (1.0 + math.Exp(-v.Data[i]))
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v}
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += d[i] * (1.0 - d[i]) * out.Grad[i]
			}
		}
	}
	return out
}

// Tanh applies tanh element-wise. Cell candidate and output squashing.
func (v *Vec) Tanh() *Vec {
	n := len(v.Data)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = math.Tanh(v.Data[i])
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v}
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += (1.0 - d[i]*d[i]) * out.Grad[i]
			}
		}
	}
	return out
}

// Dropout applies inverted dropout with keep-prob 1-p. The caller gates this
// on training; at predict time it is never reached.
func (v *Vec) Dropout(p float64) *Vec {
	if p <= 0 {
		return v
	}
	n := len(v.Data)
	keep := 1.0 - p
	mask := make([]float64, n)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		if rand.Float64() < keep {
			mask[i] = 1.0 / keep
		}
		d[i] = v.Data[i] * mask[i]
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v}
		out.backFn = func() {
			for i := 0; i < n; i++ {
				v.Grad[i] += mask[i] * out.Grad[i]
			}
		}
	}
	return out
}

// Concat joins multiple vectors into one. Feeds [pcEmbed ‖ deltaEmbed] and
// [x ‖ h] into the gate matrices.
func Concat(vecs []*Vec) *Vec {
	total := 0
	for _, v := range vecs {
		total += len(v.Data)
	}
	d := make([]float64, 0, total)
	for _, v := range vecs {
		d = append(d, v.Data...)
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		kids := make([]Node, len(vecs))
		for i, v := range vecs {
			kids[i] = v
		}
		out.children = kids
		out.backFn = func() {
			offset := 0
			for _, v := range vecs {
				n := len(v.Data)
				for i := 0; i < n; i++ {
					v.Grad[i] += out.Grad[offset+i]
				}
				offset += n
			}
		}
	}
	return out
}

// LogSoftmax returns log(softmax(x)). The head output becomes per-code
// log-probabilities; NLL then reads them directly, no second softmax.
func (v *Vec) LogSoftmax() *Vec {
	n := len(v.Data)
	maxVal := v.Data[0]
	for _, x := range v.Data[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	expSum := 0.0
	for i := 0; i < n; i++ {
		expSum += math.Exp(v.Data[i] - maxVal)
	}
	logSumExp := math.Log(expSum) + maxVal
	d := make([]float64, n)
	probs := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = v.Data[i] - logSumExp
		probs[i] = math.Exp(d[i])
	}
	out := NewVec(d)
	if gradEnabled.Load() {
		out.children = []Node{v}
		out.backFn = func() {
			gSum := 0.0
			for i := 0; i < n; i++ {
				gSum += out.Grad[i]
			}
			for i := 0; i < n; i++ {
				v.Grad[i] += out.Grad[i] - probs[i]*gSum
			}
		}
	}
	return out
}

// Scalar is a differentiable scalar (loss terms).
type Scalar struct {
	Data     float64
	Grad     float64
	children []Node
	backFn   func()
}

func NewScalar(data float64) *Scalar {
	return &Scalar{Data: data}
}

func (s *Scalar) getChildren() []Node { return s.children }
func (s *Scalar) doBackward() {
	if s.backFn != nil {
		s.backFn()
	}
}

// AddS returns self + other.
func (s *Scalar) AddS(other *Scalar) *Scalar {
	out := &Scalar{Data: s.Data + other.Data}
	if gradEnabled.Load() {
		out.children = []Node{s, other}
		out.backFn = func() {
			s.Grad += out.Grad
			other.Grad += out.Grad
		}
	}
	return out
}

// MulF returns self * f.
func (s *Scalar) MulF(f float64) *Scalar {
	out := &Scalar{Data: s.Data * f}
	if gradEnabled.Load() {
		out.children = []Node{s}
		out.backFn = func() {
			s.Grad += f * out.Grad
		}
	}
	return out
}

// NLL returns -logProbs[target]. The input is already log-softmaxed, so this
// is a plain pick-and-negate with gradient flow into one slot.
func NLL(logProbs *Vec, target int) *Scalar {
	out := &Scalar{Data: -logProbs.Data[target]}
	if gradEnabled.Load() {
		out.children = []Node{logProbs}
		out.backFn = func() {
			logProbs.Grad[target] -= out.Grad
		}
	}
	return out
}

// backwardVisitedPool reuses visited maps across Backward calls to reduce GC
// pressure.
var backwardVisitedPool = sync.Pool{
	New: func() interface{} { return make(map[Node]bool) },
}

// Backward performs reverse-mode autodiff from this node.
func Backward(root Node) {
	topo := make([]Node, 0)
	visited := backwardVisitedPool.Get().(map[Node]bool)

	var build func(n Node)
	build = func(n Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, c := range n.getChildren() {
			build(c)
		}
		topo = append(topo, n)
	}
	build(root)

	for k := range visited {
		delete(visited, k)
	}
	backwardVisitedPool.Put(visited)

	switch r := root.(type) {
	case *Scalar:
		r.Grad = 1.0
	case *Vec:
		for i := range r.Grad {
			r.Grad[i] = 1.0
		}
	}

	for i := len(topo) - 1; i >= 0; i-- {
		topo[i].doBackward()
	}
}

// ============================================================
// 2) PARAMETERS
// ============================================================

// MatrixParam is a weight matrix: rows of Vecs. Shape (nout, nin). Embedding
// tables index Rows directly, so an embedding lookup is just a parameter Vec.
type MatrixParam struct {
	Rows []*Vec
	Nout int
	Nin  int
}

func NewMatrixParam(nout, nin int, std float64) *MatrixParam {
	rows := make([]*Vec, nout)
	for i := 0; i < nout; i++ {
		d := make([]float64, nin)
		for j := 0; j < nin; j++ {
			d[j] = rand.NormFloat64() * std
		}
		rows[i] = NewVecWithGrad(d) // parameters always need grad for Adam
	}
	return &MatrixParam{Rows: rows, Nout: nout, Nin: nin}
}

// Matvec computes matrix @ vector.
func (m *MatrixParam) Matvec(x *Vec) *Vec {
	nout := m.Nout
	nin := len(x.Data)
	outData := make([]float64, nout)

	for i := 0; i < nout; i++ {
		sum := 0.0
		for j := 0; j < nin; j++ {
			sum += m.Rows[i].Data[j] * x.Data[j]
		}
		outData[i] = sum
	}

	out := NewVec(outData)
	if gradEnabled.Load() {
		kids := make([]Node, nout+1)
		for i := 0; i < nout; i++ {
			kids[i] = m.Rows[i]
		}
		kids[nout] = x
		out.children = kids
		rowsRef := m.Rows
		out.backFn = func() {
			for i := 0; i < nout; i++ {
				g := out.Grad[i]
				for j := 0; j < nin; j++ {
					rowsRef[i].Grad[j] += g * x.Data[j]
					x.Grad[j] += g * rowsRef[i].Data[j]
				}
			}
		}
	}
	return out
}

// Params returns all row vectors (for the optimizer).
func (m *MatrixParam) Params() []*Vec {
	return m.Rows
}

// ClipParams clips gradients to [-clip, clip].
func ClipParams(params []*Vec, clip float64) {
	if clip <= 0 {
		return
	}
	for _, p := range params {
		for j := range p.Grad {
			if p.Grad[j] > clip {
				p.Grad[j] = clip
			} else if p.Grad[j] < -clip {
				p.Grad[j] = -clip
			}
		}
	}
}

// TopKIndices returns the indices of the k largest values, capped at len.
// Descending by value, ascending index on ties, so prediction rows are
// reproducible run to run.
func TopKIndices(data []float64, k int) []int {
	n := len(data)
	idx := make([]int, n)
	for i := 0; i < n; i++ {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		if data[idx[a]] != data[idx[b]] {
			return data[idx[a]] > data[idx[b]]
		}
		return idx[a] < idx[b]
	})
	if k > n {
		k = n
	}
	return idx[:k]
}
