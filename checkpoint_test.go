package main

import (
	"path/filepath"
	"testing"
)

// ============================================================
// Checkpoint round-trip
// ============================================================

func TestCheckpointRoundTrip(t *testing.T) {
	pcVocab := NewVocab([]int64{100, 200, 300})
	deltaVocab := NewVocab([]int64{-8, 8})
	outVocab := PerClusterOutput([]*Vocab{
		NewVocab([]int64{64, -64}),
		NewVocab([]int64{128}),
	})

	m := NewClusteringLSTM(pcVocab.Len()+1, deltaVocab.Len()+1, outVocab.Widths(), 6, 8, 2, 3, 0)
	m.globalStep = 1234

	path := filepath.Join(t.TempDir(), "ckpt.json")
	if err := SaveCheckpoint(m, pcVocab, deltaVocab, outVocab, "run-1", path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, pc2, delta2, out2, runID, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if runID != "run-1" {
		t.Errorf("run id: expected run-1, got %q", runID)
	}
	if loaded.globalStep != 1234 {
		t.Errorf("global step: expected 1234, got %d", loaded.globalStep)
	}

	// Vocabularies restore code-for-code.
	for _, k := range pcVocab.Keys() {
		if pc2.Code(k) != pcVocab.Code(k) {
			t.Errorf("pc vocab code drifted for key %d", k)
		}
	}
	if delta2.Len() != deltaVocab.Len() {
		t.Errorf("delta vocab size drifted: %d vs %d", delta2.Len(), deltaVocab.Len())
	}
	if !out2.Clustered() {
		t.Fatalf("output vocab lost its per-cluster variant")
	}
	if out2.For(0).Code(-64) != outVocab.For(0).Code(-64) {
		t.Errorf("cluster 0 vocab code drifted")
	}

	// Weights restore byte-exact.
	for key, mp := range m.Base {
		lp, ok := loaded.Base[key]
		if !ok {
			t.Fatalf("matrix %q missing after load", key)
		}
		for i := range mp.Rows {
			for j := range mp.Rows[i].Data {
				if lp.Rows[i].Data[j] != mp.Rows[i].Data[j] {
					t.Fatalf("matrix %q [%d][%d] drifted", key, i, j)
				}
			}
		}
	}
	for key, bv := range m.Bias {
		lb, ok := loaded.Bias[key]
		if !ok {
			t.Fatalf("bias %q missing after load", key)
		}
		for j := range bv.Data {
			if lb.Data[j] != bv.Data[j] {
				t.Fatalf("bias %q [%d] drifted", key, j)
			}
		}
	}

	// The restored model must produce identical output.
	b := Batch{PCs: []int{0, 1}, Deltas: []int{1, 0}, Clusters: []int{0, 1}}
	p1, _, err := m.Predict(b, nil)
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	p2, _, err := loaded.Predict(b, nil)
	if err != nil {
		t.Fatalf("loaded predict failed: %v", err)
	}
	for i := range p1 {
		for j := range p1[i] {
			if p1[i][j] != p2[i][j] {
				t.Errorf("prediction drifted at [%d][%d]: %d vs %d", i, j, p1[i][j], p2[i][j])
			}
		}
	}
}

func TestCheckpointSingleVariant(t *testing.T) {
	pcVocab := NewVocab([]int64{1})
	deltaVocab := NewVocab([]int64{2})
	outVocab := SingleOutput(NewVocab([]int64{5, 6}))

	m := NewClusteringLSTM(2, 2, outVocab.Widths(), 4, 4, 1, 2, 0)
	path := filepath.Join(t.TempDir(), "ckpt.json")
	if err := SaveCheckpoint(m, pcVocab, deltaVocab, outVocab, "", path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	_, _, _, out2, _, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if out2.Clustered() {
		t.Errorf("single variant came back per-cluster")
	}
	if out2.For(0).Len() != 2 {
		t.Errorf("single vocab size drifted: %d", out2.For(0).Len())
	}
}

func TestCheckpointMissingFile(t *testing.T) {
	_, _, _, _, _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Errorf("expected error for missing checkpoint")
	}
}
