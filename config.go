package main

import (
	"encoding/json"
	"os"
)

// ============================================================
// 0) CONFIG
// ============================================================

type Config struct {
	// data
	DBPath         string  `json:"db_path"`
	CkptPath       string  `json:"ckpt_path"`
	NumClusters    int     `json:"num_clusters"`
	MaxOutputVocab int     `json:"max_output_vocab"`
	TrainFrac      float64 `json:"train_frac"` // leading fraction of the trace used for vocab building + training

	// model
	EmbedDim  int     `json:"embed_dim"`
	HiddenDim int     `json:"hidden_dim"`
	NumLayers int     `json:"num_layers"`
	NumPred   int     `json:"num_pred"`
	Dropout   float64 `json:"dropout"`

	// training
	SeqLen       int     `json:"seq_len"` // TBPTT window
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	EpsAdam      float64 `json:"eps_adam"`
	GradClip     float64 `json:"grad_clip"`

	// cosine LR schedule
	LRMin             float64 `json:"lr_min"`
	MaxTotalSteps     int     `json:"max_total_steps"`
	CosineWarmupSteps int     `json:"cosine_warmup_steps"`

	// logging
	PrintInterval int `json:"print_interval"`
}

var CFG = Config{
	DBPath:         "traces.db",
	CkptPath:       "prefetcher.ckpt.json",
	NumClusters:    6,
	MaxOutputVocab: 50000,
	TrainFrac:      0.8,

	EmbedDim:  256,
	HiddenDim: 256,
	NumLayers: 2,
	NumPred:   10,
	Dropout:   0.1,

	SeqLen:       64,
	Epochs:       1,
	LearningRate: 1e-3,
	Beta1:        0.9,
	Beta2:        0.999,
	EpsAdam:      1e-8,
	GradClip:     1.0,

	LRMin:             1e-5,
	MaxTotalSteps:     200000,
	CosineWarmupSteps: 200,

	PrintInterval: 50,
}

// loadConfigFile merges a JSON config file over the defaults. Missing fields
// keep their default values.
func loadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &CFG)
}
