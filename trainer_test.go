package main

import "testing"

// ============================================================
// Trainer tests
// ============================================================

func TestWindows(t *testing.T) {
	b := Batch{
		PCs:      make([]int, 10),
		Deltas:   make([]int, 10),
		Clusters: make([]int, 10),
		Targets:  make([]int, 10),
	}
	chunks := windows(b, 4)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(chunks))
	}
	if len(chunks[0].PCs) != 4 || len(chunks[1].PCs) != 4 || len(chunks[2].PCs) != 2 {
		t.Errorf("window sizes wrong: %d %d %d",
			len(chunks[0].PCs), len(chunks[1].PCs), len(chunks[2].PCs))
	}
	if chunks[2].Targets == nil {
		t.Errorf("targets dropped from window")
	}

	noTargets := Batch{PCs: make([]int, 3), Deltas: make([]int, 3), Clusters: make([]int, 3)}
	for _, w := range windows(noTargets, 2) {
		if w.Targets != nil {
			t.Errorf("nil targets should stay nil in windows")
		}
	}
}

func TestCosineLR(t *testing.T) {
	if lr := cosineLR(0); lr != CFG.LRMin {
		t.Errorf("warmup start: expected LRMin %g, got %g", CFG.LRMin, lr)
	}
	peak := cosineLR(CFG.CosineWarmupSteps)
	if peak < cosineLR(CFG.CosineWarmupSteps/2) {
		t.Errorf("warmup should increase toward the peak")
	}
	if end := cosineLR(CFG.MaxTotalSteps); end > peak {
		t.Errorf("decay end %g above peak %g", end, peak)
	}
}

func TestTrainNetRuns(t *testing.T) {
	origCFG := CFG
	defer func() { CFG = origCFG }()
	CFG.SeqLen = 4
	CFG.PrintInterval = 1000

	m := NewClusteringLSTM(4, 4, []int{4, 4}, 6, 8, 1, 2, 0)
	trace := Batch{
		PCs:      []int{0, 1, 2, 3, 0, 1, 2, 3},
		Deltas:   []int{3, 2, 1, 0, 3, 2, 1, 0},
		Clusters: []int{0, 1, 0, 1, 0, 1, 0, 1},
		Targets:  []int{1, 2, 1, 2, 1, 2, 1, 2},
	}

	loss, err := trainNet(m, trace, 2)
	if err != nil {
		t.Fatalf("training failed: %v", err)
	}
	if loss <= 0 {
		t.Errorf("expected positive final window loss, got %f", loss)
	}
	// 2 windows per epoch, 2 epochs.
	if m.globalStep != 4 {
		t.Errorf("expected 4 optimizer steps, got %d", m.globalStep)
	}
}

func TestEvalNet(t *testing.T) {
	origCFG := CFG
	defer func() { CFG = origCFG }()
	CFG.SeqLen = 4

	m := NewClusteringLSTM(4, 4, []int{4, 4}, 6, 8, 1, 2, 0)
	trace := Batch{
		PCs:      []int{0, 1, 2, 3},
		Deltas:   []int{3, 2, 1, 0},
		Clusters: []int{0, 1, 0, 1},
		Targets:  []int{1, 2, 1, 2},
	}

	avgLoss, hitRate, err := evalNet(m, trace)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if avgLoss <= 0 {
		t.Errorf("expected positive eval loss, got %f", avgLoss)
	}
	if hitRate < 0 || hitRate > 1 {
		t.Errorf("hit rate out of range: %f", hitRate)
	}
	if !gradEnabled.Load() {
		t.Errorf("eval left gradient tracking disabled")
	}
}
