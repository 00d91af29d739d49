package main

import (
	"math"
	"testing"
)

// ============================================================
// Vec / Scalar op tests
// ============================================================

func TestMatvec(t *testing.T) {
	gradEnabled.Store(false)
	defer gradEnabled.Store(true)

	m := NewMatrixParam(2, 3, 0.0)
	m.Rows[0].Data = []float64{1, 0, 0}
	m.Rows[1].Data = []float64{0, 1, 0}
	x := NewVec([]float64{3, 7, 11})

	out := m.Matvec(x)
	if len(out.Data) != 2 {
		t.Fatalf("expected 2-element output, got %d", len(out.Data))
	}
	if out.Data[0] != 3.0 {
		t.Errorf("expected out[0]=3, got %f", out.Data[0])
	}
	if out.Data[1] != 7.0 {
		t.Errorf("expected out[1]=7, got %f", out.Data[1])
	}
}

func TestMatvecBackward(t *testing.T) {
	m := NewMatrixParam(1, 2, 0.0)
	m.Rows[0].Data = []float64{2, 3}
	x := NewVecWithGrad([]float64{5, 7})

	out := m.Matvec(x) // 2*5 + 3*7 = 31
	if out.Data[0] != 31.0 {
		t.Fatalf("expected 31, got %f", out.Data[0])
	}
	Backward(out)

	// d(out)/dW = x, d(out)/dx = W
	if m.Rows[0].Grad[0] != 5 || m.Rows[0].Grad[1] != 7 {
		t.Errorf("weight grad wrong: %v", m.Rows[0].Grad)
	}
	if x.Grad[0] != 2 || x.Grad[1] != 3 {
		t.Errorf("input grad wrong: %v", x.Grad)
	}
}

func TestConcatBackward(t *testing.T) {
	a := NewVecWithGrad([]float64{1, 2})
	b := NewVecWithGrad([]float64{3})
	out := Concat([]*Vec{a, b})
	if len(out.Data) != 3 {
		t.Fatalf("expected length 3, got %d", len(out.Data))
	}
	Backward(out)
	if a.Grad[0] != 1 || a.Grad[1] != 1 || b.Grad[0] != 1 {
		t.Errorf("concat grads wrong: a=%v b=%v", a.Grad, b.Grad)
	}
}

func TestSigmoidTanhValues(t *testing.T) {
	gradEnabled.Store(false)
	defer gradEnabled.Store(true)

	v := NewVec([]float64{0, 1000, -1000})
	s := v.Sigmoid()
	if math.Abs(s.Data[0]-0.5) > 1e-12 {
		t.Errorf("sigmoid(0): expected 0.5, got %f", s.Data[0])
	}
	if s.Data[1] < 0.999999 || s.Data[2] > 0.000001 {
		t.Errorf("sigmoid saturation wrong: %v", s.Data)
	}

	tn := v.Tanh()
	if tn.Data[0] != 0 {
		t.Errorf("tanh(0): expected 0, got %f", tn.Data[0])
	}
}

func TestLogSoftmaxSumsToOne(t *testing.T) {
	gradEnabled.Store(false)
	defer gradEnabled.Store(true)

	v := NewVec([]float64{1.5, -2.0, 0.3, 4.1})
	lp := v.LogSoftmax()
	sum := 0.0
	for _, l := range lp.Data {
		if l > 0 {
			t.Errorf("log-prob above zero: %f", l)
		}
		sum += math.Exp(l)
	}
	if math.Abs(sum-1.0) > 1e-12 {
		t.Errorf("probs sum to %f, want 1", sum)
	}
}

func TestNLLGradientIsSoftmaxMinusOneHot(t *testing.T) {
	x := NewVecWithGrad([]float64{0.2, 1.1, -0.7})
	lp := x.LogSoftmax()
	loss := NLL(lp, 1)
	Backward(loss)

	probs := make([]float64, 3)
	for i, l := range lp.Data {
		probs[i] = math.Exp(l)
	}
	for i := 0; i < 3; i++ {
		want := probs[i]
		if i == 1 {
			want -= 1.0
		}
		if math.Abs(x.Grad[i]-want) > 1e-12 {
			t.Errorf("grad[%d]: expected %f, got %f", i, want, x.Grad[i])
		}
	}
}

func TestDetachCutsGraph(t *testing.T) {
	a := NewVecWithGrad([]float64{1, 2})
	b := a.Scale(3)
	d := b.Detach()
	if d.Data[0] != 3 || d.Data[1] != 6 {
		t.Fatalf("detach changed values: %v", d.Data)
	}
	out := d.Scale(2)
	Backward(out)
	if a.Grad[0] != 0 || a.Grad[1] != 0 {
		t.Errorf("gradient leaked through Detach: %v", a.Grad)
	}
}

func TestTopKIndices(t *testing.T) {
	got := TopKIndices([]float64{0.1, 0.9, 0.5, 0.9}, 3)
	// Descending value, ascending index on ties.
	want := []int{1, 3, 2}
	if len(got) != 3 {
		t.Fatalf("expected 3 indices, got %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestTopKIndicesCapsAtLength(t *testing.T) {
	got := TopKIndices([]float64{2.0, 1.0}, 5)
	if len(got) != 2 {
		t.Errorf("expected cap at 2, got %d", len(got))
	}
	if got[0] != 0 || got[1] != 1 {
		t.Errorf("order wrong: %v", got)
	}
}

func TestClipParams(t *testing.T) {
	p := NewVecWithGrad([]float64{0, 0, 0})
	p.Grad[0] = 5
	p.Grad[1] = -5
	p.Grad[2] = 0.5
	ClipParams([]*Vec{p}, 1.0)
	if p.Grad[0] != 1 || p.Grad[1] != -1 || p.Grad[2] != 0.5 {
		t.Errorf("clip wrong: %v", p.Grad)
	}
}

func TestPredictAllocatesNoGrad(t *testing.T) {
	gradEnabled.Store(false)
	defer gradEnabled.Store(true)

	v := NewVec([]float64{1, 2})
	if v.Grad != nil {
		t.Errorf("expected nil grad buffer with tape off")
	}
	out := v.Add(NewVec([]float64{1, 1}))
	if out.backFn != nil || out.children != nil {
		t.Errorf("expected no backward closure with tape off")
	}
}
