package main

import (
	"math"

	log "github.com/sirupsen/logrus"
)

// ============================================================
// 7) TRAINER — TBPTT over the encoded trace
// ============================================================

// cosineLR returns the learning rate for a global step: linear warmup from
// LRMin, then cosine decay toward LRMin.
func cosineLR(globalStep int) float64 {
	if globalStep < CFG.CosineWarmupSteps {
		t := float64(globalStep) / math.Max(1, float64(CFG.CosineWarmupSteps))
		return CFG.LRMin + (CFG.LearningRate-CFG.LRMin)*t
	}
	progress := math.Min(1.0, float64(globalStep)/math.Max(1, float64(CFG.MaxTotalSteps)))
	return CFG.LRMin + 0.5*(CFG.LearningRate-CFG.LRMin)*(1.0+math.Cos(math.Pi*progress))
}

// windows slices the encoded trace into TBPTT chunks of at most seqLen
// positions, in order.
func windows(b Batch, seqLen int) []Batch {
	var out []Batch
	for start := 0; start < len(b.PCs); start += seqLen {
		end := start + seqLen
		if end > len(b.PCs) {
			end = len(b.PCs)
		}
		w := Batch{
			PCs:      b.PCs[start:end],
			Deltas:   b.Deltas[start:end],
			Clusters: b.Clusters[start:end],
		}
		if b.Targets != nil {
			w.Targets = b.Targets[start:end]
		}
		out = append(out, w)
	}
	return out
}

// trainNet trains the model over the encoded trace for the configured number
// of epochs, threading (and detaching) recurrent state across windows.
// Returns the last observed window loss.
func trainNet(m *ClusteringLSTM, trace Batch, epochs int) (float64, error) {
	params := m.AllParams()
	chunks := windows(trace, CFG.SeqLen)
	lastLoss := 0.0

	for epoch := 0; epoch < epochs; epoch++ {
		var state *LSTMState
		for wi, w := range chunks {
			loss, _, next, err := m.Forward(w, state)
			if err != nil {
				return 0, err
			}
			Backward(loss)

			lr := cosineLR(m.globalStep)
			m.globalStep++
			m.AdamStep(params, "model", lr)

			// Keep the values, drop the graph: no backprop across windows.
			state = next.Detach()
			lastLoss = loss.Data

			if wi%CFG.PrintInterval == 0 {
				log.WithFields(log.Fields{
					"epoch":  epoch,
					"window": wi,
					"loss":   loss.Data,
					"lr":     lr,
				}).Info("[trainer] step")
			}
		}
	}
	return lastLoss, nil
}

// evalNet runs the trace through the model without gradient tracking and
// reports average per-window loss and hit@NumPred, the fraction of positions
// whose target code appears in the prediction row. That is the number a
// prefetcher cares about: would any of the K candidates have been right.
func evalNet(m *ClusteringLSTM, trace Batch) (avgLoss, hitRate float64, err error) {
	gradEnabled.Store(false)
	defer gradEnabled.Store(true)

	chunks := windows(trace, CFG.SeqLen)
	var state *LSTMState
	lossSum := 0.0
	hits, total := 0, 0

	for _, w := range chunks {
		loss, preds, next, ferr := m.Forward(w, state)
		if ferr != nil {
			return 0, 0, ferr
		}
		lossSum += loss.Data
		state = next

		for t, row := range preds {
			total++
			for _, code := range row {
				if code == w.Targets[t] {
					hits++
					break
				}
			}
		}
	}

	if len(chunks) > 0 {
		avgLoss = lossSum / float64(len(chunks))
	}
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	log.WithFields(log.Fields{
		"avg_loss":  avgLoss,
		"hit_rate":  hitRate,
		"positions": total,
	}).Info("[eval] done")
	return avgLoss, hitRate, nil
}
