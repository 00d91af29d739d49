package main

import (
	"fmt"
	"math"
)

// ============================================================
// 4) CLUSTERING LSTM — shared backbone, one head per cluster
// ============================================================

// lstmKeySet holds pre-computed Base keys for one layer, so per-timestep
// code never calls fmt.Sprintf.
type lstmKeySet struct {
	wi, wf, wg, wo string
	bi, bf, bg, bo string
}

type headKeySet struct {
	w, b string
}

// LSTMState is the threaded recurrent state: one hidden and one cell vector
// per layer. The caller owns it between calls; nil means "start fresh".
type LSTMState struct {
	H []*Vec
	C []*Vec
}

// Detach cuts the state free of the autograd graph, so the next window does
// not backprop into the previous one.
func (s *LSTMState) Detach() *LSTMState {
	h := make([]*Vec, len(s.H))
	c := make([]*Vec, len(s.C))
	for i := range s.H {
		h[i] = s.H[i].Detach()
		c[i] = s.C[i].Detach()
	}
	return &LSTMState{H: h, C: c}
}

// Batch is one forward call's worth of equal-length code sequences. Targets
// is nil at pure-inference time.
type Batch struct {
	PCs      []int
	Deltas   []int
	Clusters []int
	Targets  []int
}

// ClusteringLSTM predicts output-delta codes from a (PC, input-delta) code
// stream. PC and delta embeddings are concatenated into a shared multi-layer
// LSTM; each timestep's hidden state is then routed to the classification
// head owned by that timestep's cluster label. Heads have independent output
// widths, so each cluster's vocabulary stays compact instead of one huge
// global code space.
type ClusteringLSTM struct {
	EmbedDim  int
	HiddenDim int
	NumLayers int
	NumPred   int
	DropoutP  float64

	// NumPC / NumInputDelta / HeadWidths already include the +1 fallback
	// slot, like the vocab consumers they size.
	NumPC         int
	NumInputDelta int
	HeadWidths    []int

	Base map[string]*MatrixParam
	Bias map[string]*Vec

	Adam       map[string]*AdamState
	globalStep int

	layerKeys []lstmKeySet
	headKeys  []headKeySet
}

const paramInitStd = 0.08

// NewClusteringLSTM builds the model. numPC and numInputDelta are embedding
// table heights (vocab size + 1); headWidths are the per-cluster output
// widths (cluster vocab size + 1), one entry per cluster.
func NewClusteringLSTM(numPC, numInputDelta int, headWidths []int, embedDim, hiddenDim, numLayers, numPred int, dropout float64) *ClusteringLSTM {
	m := &ClusteringLSTM{
		EmbedDim:      embedDim,
		HiddenDim:     hiddenDim,
		NumLayers:     numLayers,
		NumPred:       numPred,
		DropoutP:      dropout,
		NumPC:         numPC,
		NumInputDelta: numInputDelta,
		HeadWidths:    append([]int(nil), headWidths...),
		Base:          make(map[string]*MatrixParam),
		Bias:          make(map[string]*Vec),
		Adam:          make(map[string]*AdamState),
	}

	m.Base["pc_embed"] = NewMatrixParam(numPC, embedDim, paramInitStd)
	m.Base["delta_embed"] = NewMatrixParam(numInputDelta, embedDim, paramInitStd)

	m.layerKeys = make([]lstmKeySet, numLayers)
	for li := 0; li < numLayers; li++ {
		inDim := hiddenDim
		if li == 0 {
			inDim = embedDim * 2
		}
		pfx := fmt.Sprintf("l%d.", li)
		lk := lstmKeySet{
			wi: pfx + "wi", wf: pfx + "wf", wg: pfx + "wg", wo: pfx + "wo",
			bi: pfx + "bi", bf: pfx + "bf", bg: pfx + "bg", bo: pfx + "bo",
		}
		m.layerKeys[li] = lk
		// Each gate sees [x ‖ h_prev].
		for _, key := range []string{lk.wi, lk.wf, lk.wg, lk.wo} {
			m.Base[key] = NewMatrixParam(hiddenDim, inDim+hiddenDim, paramInitStd)
		}
		for _, key := range []string{lk.bi, lk.bg, lk.bo} {
			m.Bias[key] = NewVecWithGrad(make([]float64, hiddenDim))
		}
		// Forget gate bias starts at 1 so early training doesn't flush the
		// cell every step.
		fb := make([]float64, hiddenDim)
		for i := range fb {
			fb[i] = 1.0
		}
		m.Bias[lk.bf] = NewVecWithGrad(fb)
	}

	m.headKeys = make([]headKeySet, len(headWidths))
	for h, width := range headWidths {
		hk := headKeySet{
			w: fmt.Sprintf("h%d.w", h),
			b: fmt.Sprintf("h%d.b", h),
		}
		m.headKeys[h] = hk
		m.Base[hk.w] = NewMatrixParam(width, hiddenDim, paramInitStd)
		m.Bias[hk.b] = NewVecWithGrad(make([]float64, width))
	}

	return m
}

// NumClusters is the number of classification heads.
func (m *ClusteringLSTM) NumClusters() int {
	return len(m.headKeys)
}

// newState returns a zero-initialized recurrent state.
func (m *ClusteringLSTM) newState() *LSTMState {
	st := &LSTMState{
		H: make([]*Vec, m.NumLayers),
		C: make([]*Vec, m.NumLayers),
	}
	for i := 0; i < m.NumLayers; i++ {
		st.H[i] = NewVecZero(m.HiddenDim)
		st.C[i] = NewVecZero(m.HiddenDim)
	}
	return st
}

// AllParams returns every trainable vector (for Adam and grad clipping).
func (m *ClusteringLSTM) AllParams() []*Vec {
	var out []*Vec
	out = append(out, m.Base["pc_embed"].Params()...)
	out = append(out, m.Base["delta_embed"].Params()...)
	for _, lk := range m.layerKeys {
		for _, key := range []string{lk.wi, lk.wf, lk.wg, lk.wo} {
			out = append(out, m.Base[key].Params()...)
		}
		for _, key := range []string{lk.bi, lk.bf, lk.bg, lk.bo} {
			out = append(out, m.Bias[key])
		}
	}
	for _, hk := range m.headKeys {
		out = append(out, m.Base[hk.w].Params()...)
		out = append(out, m.Bias[hk.b])
	}
	return out
}

func (m *ClusteringLSTM) validate(b Batch) error {
	T := len(b.PCs)
	if len(b.Deltas) != T || len(b.Clusters) != T {
		return fmt.Errorf("sequence length mismatch: pc=%d delta=%d cluster=%d",
			len(b.PCs), len(b.Deltas), len(b.Clusters))
	}
	if b.Targets != nil && len(b.Targets) != T {
		return fmt.Errorf("target length mismatch: got %d, want %d", len(b.Targets), T)
	}
	return nil
}

// step runs one timestep through all LSTM layers, mutating h and c in place,
// and returns the top layer's hidden output.
func (m *ClusteringLSTM) step(x *Vec, h, c []*Vec) *Vec {
	for li := 0; li < m.NumLayers; li++ {
		lk := m.layerKeys[li]
		z := Concat([]*Vec{x, h[li]})

		i := m.Base[lk.wi].Matvec(z).Add(m.Bias[lk.bi]).Sigmoid()
		f := m.Base[lk.wf].Matvec(z).Add(m.Bias[lk.bf]).Sigmoid()
		g := m.Base[lk.wg].Matvec(z).Add(m.Bias[lk.bg]).Tanh()
		o := m.Base[lk.wo].Matvec(z).Add(m.Bias[lk.bo]).Sigmoid()

		c[li] = f.MulVec(c[li]).Add(i.MulVec(g))
		h[li] = o.MulVec(c[li].Tanh())
		x = h[li]
	}
	return x
}

// Forward runs one single-sequence batch (batch size 1) through the model.
//
// Returns the summed per-cluster NLL loss (zero-valued when Targets is nil or
// no cluster contributed), one row of NumPred predicted codes per input
// position, and the updated recurrent state. prev == nil starts from zeros.
//
// Routing: positions are grouped by cluster label in original order. A
// cluster with no positions in the batch is skipped outright: no head call,
// no loss term, and its prediction rows keep their zero default.
func (m *ClusteringLSTM) Forward(b Batch, prev *LSTMState) (*Scalar, [][]int, *LSTMState, error) {
	if err := m.validate(b); err != nil {
		return nil, nil, nil, err
	}
	T := len(b.PCs)

	st := prev
	if st == nil {
		st = m.newState()
	}
	h := append([]*Vec(nil), st.H...)
	c := append([]*Vec(nil), st.C...)

	pcEmbed := m.Base["pc_embed"]
	deltaEmbed := m.Base["delta_embed"]

	hidden := make([]*Vec, T)
	for t := 0; t < T; t++ {
		x := Concat([]*Vec{pcEmbed.Rows[b.PCs[t]], deltaEmbed.Rows[b.Deltas[t]]})
		hidden[t] = m.step(x, h, c)
	}

	// Which original positions belong to each cluster, original order kept.
	byCluster := make([][]int, m.NumClusters())
	for t, cluster := range b.Clusters {
		byCluster[cluster] = append(byCluster[cluster], t)
	}

	training := b.Targets != nil
	loss := NewScalar(0)
	preds := make([][]int, T)
	for t := range preds {
		preds[t] = make([]int, m.NumPred)
	}

	for cluster, positions := range byCluster {
		if len(positions) == 0 {
			continue
		}
		hk := m.headKeys[cluster]
		w := m.Base[hk.w]
		bias := m.Bias[hk.b]

		var clusterLoss *Scalar
		for _, pos := range positions {
			logits := w.Matvec(hidden[pos]).Add(bias)
			// Dropout only while the tape is recording: loss-only eval
			// passes (targets present, grads off) stay deterministic.
			if training && m.DropoutP > 0 && gradEnabled.Load() {
				logits = logits.Dropout(m.DropoutP)
			}
			logProbs := logits.LogSoftmax()

			if training {
				nll := NLL(logProbs, b.Targets[pos])
				if clusterLoss == nil {
					clusterLoss = nll
				} else {
					clusterLoss = clusterLoss.AddS(nll)
				}
			}

			copy(preds[pos], TopKIndices(logProbs.Data, m.NumPred))
		}
		if clusterLoss != nil {
			loss = loss.AddS(clusterLoss.MulF(1.0 / float64(len(positions))))
		}
	}

	return loss, preds, &LSTMState{H: h, C: c}, nil
}

// ForwardBatch runs several independent sequences, each with its own threaded
// state, and sums their losses. prev == nil starts every sequence from zeros;
// otherwise it must carry one state (possibly nil) per sequence.
func (m *ClusteringLSTM) ForwardBatch(bs []Batch, prev []*LSTMState) (*Scalar, [][][]int, []*LSTMState, error) {
	if prev != nil && len(prev) != len(bs) {
		return nil, nil, nil, fmt.Errorf("state count mismatch: got %d states for %d sequences", len(prev), len(bs))
	}
	loss := NewScalar(0)
	preds := make([][][]int, len(bs))
	states := make([]*LSTMState, len(bs))
	for i, b := range bs {
		var st *LSTMState
		if prev != nil {
			st = prev[i]
		}
		seqLoss, seqPreds, next, err := m.Forward(b, st)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		loss = loss.AddS(seqLoss)
		preds[i] = seqPreds
		states[i] = next
	}
	return loss, preds, states, nil
}

// Predict is Forward with gradient tracking off and no loss: returns only the
// prediction rows and the updated state.
func (m *ClusteringLSTM) Predict(b Batch, prev *LSTMState) ([][]int, *LSTMState, error) {
	gradEnabled.Store(false)
	defer gradEnabled.Store(true)

	b.Targets = nil
	_, preds, next, err := m.Forward(b, prev)
	return preds, next, err
}

// PredictBatch is ForwardBatch's inference-only counterpart.
func (m *ClusteringLSTM) PredictBatch(bs []Batch, prev []*LSTMState) ([][][]int, []*LSTMState, error) {
	gradEnabled.Store(false)
	defer gradEnabled.Store(true)

	stripped := make([]Batch, len(bs))
	for i, b := range bs {
		b.Targets = nil
		stripped[i] = b
	}
	_, preds, states, err := m.ForwardBatch(stripped, prev)
	return preds, states, err
}

// ============================================================
// 5) OPTIMIZER — Adam, keyed by parameter group
// ============================================================

type AdamState struct {
	M [][]float64
	V [][]float64
	T int
}

func (m *ClusteringLSTM) ensureAdam(params []*Vec, key string) {
	if _, ok := m.Adam[key]; ok {
		return
	}
	mo := make([][]float64, len(params))
	vo := make([][]float64, len(params))
	for i, p := range params {
		mo[i] = make([]float64, len(p.Data))
		vo[i] = make([]float64, len(p.Data))
	}
	m.Adam[key] = &AdamState{M: mo, V: vo, T: 0}
}

// AdamStep performs one Adam update with bias correction, clipping gradients
// first, and zeroes the grads it consumed.
func (m *ClusteringLSTM) AdamStep(params []*Vec, key string, lr float64) {
	m.ensureAdam(params, key)
	st := m.Adam[key]
	st.T++
	t := st.T
	b1, b2, eps := CFG.Beta1, CFG.Beta2, CFG.EpsAdam
	b1Corr := 1.0 - math.Pow(b1, float64(t))
	b2Corr := 1.0 - math.Pow(b2, float64(t))

	ClipParams(params, CFG.GradClip)

	for i, p := range params {
		mi := st.M[i]
		vi := st.V[i]
		for j := 0; j < len(p.Data); j++ {
			g := p.Grad[j]
			mi[j] = b1*mi[j] + (1-b1)*g
			vi[j] = b2*vi[j] + (1-b2)*(g*g)
			mhat := mi[j] / b1Corr
			vhat := vi[j] / b2Corr
			p.Data[j] -= lr * mhat / (math.Sqrt(vhat) + eps)
			p.Grad[j] = 0.0
		}
	}
}
