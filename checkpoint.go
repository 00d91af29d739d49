package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// ============================================================
// 8) CHECKPOINTS — JSON, written atomically
// ============================================================

// CheckpointData is everything needed to resume: config, the three
// vocabularies (keys in code order; code assignment is insertion order, so
// the key list is the whole vocab), and every weight matrix and bias.
// float64 survives JSON round-trips byte-exact for these magnitudes.
type CheckpointData struct {
	Cfg        json.RawMessage `json:"cfg"`
	RunID      string          `json:"run_id,omitempty"`
	GlobalStep int             `json:"global_step"`

	PCVocab        []int64   `json:"pc_vocab"`
	DeltaVocab     []int64   `json:"delta_vocab"`
	OutputSingle   []int64   `json:"output_single,omitempty"`
	OutputClusters [][]int64 `json:"output_clusters,omitempty"`

	EmbedDim   int     `json:"embed_dim"`
	HiddenDim  int     `json:"hidden_dim"`
	NumLayers  int     `json:"num_layers"`
	NumPred    int     `json:"num_pred"`
	Dropout    float64 `json:"dropout"`
	HeadWidths []int   `json:"head_widths"`

	Base map[string][][]float64 `json:"base"`
	Bias map[string][]float64   `json:"bias"`
}

func serializeMatrixParam(mp *MatrixParam) [][]float64 {
	rows := make([][]float64, mp.Nout)
	for i, row := range mp.Rows {
		rows[i] = make([]float64, len(row.Data))
		copy(rows[i], row.Data)
	}
	return rows
}

// SaveCheckpoint writes the model and vocabularies to path. Atomic write:
// temp file + rename, so a crash never leaves a torn checkpoint behind.
func SaveCheckpoint(m *ClusteringLSTM, pcVocab, deltaVocab *Vocab, outVocab *OutputVocab, runID, path string) error {
	if path == "" {
		path = CFG.CkptPath
	}

	cfgJSON, _ := json.Marshal(CFG)

	base := make(map[string][][]float64, len(m.Base))
	for k, v := range m.Base {
		base[k] = serializeMatrixParam(v)
	}
	bias := make(map[string][]float64, len(m.Bias))
	for k, v := range m.Bias {
		b := make([]float64, len(v.Data))
		copy(b, v.Data)
		bias[k] = b
	}

	ckpt := CheckpointData{
		Cfg:        cfgJSON,
		RunID:      runID,
		GlobalStep: m.globalStep,
		PCVocab:    pcVocab.Keys(),
		DeltaVocab: deltaVocab.Keys(),
		EmbedDim:   m.EmbedDim,
		HiddenDim:  m.HiddenDim,
		NumLayers:  m.NumLayers,
		NumPred:    m.NumPred,
		Dropout:    m.DropoutP,
		HeadWidths: append([]int(nil), m.HeadWidths...),
		Base:       base,
		Bias:       bias,
	}
	if outVocab.Clustered() {
		ckpt.OutputClusters = make([][]int64, len(outVocab.perCluster))
		for i, v := range outVocab.perCluster {
			ckpt.OutputClusters[i] = v.Keys()
		}
	} else {
		ckpt.OutputSingle = outVocab.single.Keys()
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	err = json.NewEncoder(f).Encode(ckpt)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// LoadCheckpoint rebuilds the model and vocabularies from a checkpoint file.
// The checkpoint's own model dimensions win over whatever CFG currently
// holds; the weights are restored verbatim. The saved config blob is carried
// for provenance only.
func LoadCheckpoint(path string) (*ClusteringLSTM, *Vocab, *Vocab, *OutputVocab, string, error) {
	if path == "" {
		path = CFG.CkptPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, nil, "", err
	}
	defer f.Close()

	var ckpt CheckpointData
	if err := json.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, nil, nil, nil, "", err
	}

	pcVocab := NewVocab(ckpt.PCVocab)
	deltaVocab := NewVocab(ckpt.DeltaVocab)

	var outVocab *OutputVocab
	if ckpt.OutputClusters != nil {
		vs := make([]*Vocab, len(ckpt.OutputClusters))
		for i, keys := range ckpt.OutputClusters {
			vs[i] = NewVocab(keys)
		}
		outVocab = PerClusterOutput(vs)
	} else {
		outVocab = SingleOutput(NewVocab(ckpt.OutputSingle))
	}

	m := NewClusteringLSTM(
		pcVocab.Len()+1,
		deltaVocab.Len()+1,
		ckpt.HeadWidths,
		ckpt.EmbedDim,
		ckpt.HiddenDim,
		ckpt.NumLayers,
		ckpt.NumPred,
		ckpt.Dropout,
	)
	m.globalStep = ckpt.GlobalStep

	for key, rows := range ckpt.Base {
		mp, ok := m.Base[key]
		if !ok {
			return nil, nil, nil, nil, "", fmt.Errorf("checkpoint has unknown matrix %q", key)
		}
		if len(rows) != mp.Nout {
			return nil, nil, nil, nil, "", fmt.Errorf("matrix %q: want %d rows, got %d", key, mp.Nout, len(rows))
		}
		for i, row := range rows {
			if len(row) != mp.Nin {
				return nil, nil, nil, nil, "", fmt.Errorf("matrix %q row %d: want %d cols, got %d", key, i, mp.Nin, len(row))
			}
			copy(mp.Rows[i].Data, row)
		}
	}
	for key, data := range ckpt.Bias {
		bv, ok := m.Bias[key]
		if !ok {
			return nil, nil, nil, nil, "", fmt.Errorf("checkpoint has unknown bias %q", key)
		}
		if len(data) != len(bv.Data) {
			return nil, nil, nil, nil, "", fmt.Errorf("bias %q: want %d values, got %d", key, len(bv.Data), len(data))
		}
		copy(bv.Data, data)
	}

	return m, pcVocab, deltaVocab, outVocab, ckpt.RunID, nil
}
