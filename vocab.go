package main

import "sort"

// ============================================================
// 3) VOCABULARIES — raw PCs/deltas → dense codes
// ============================================================

// minDeltaCount is the pruning floor for the input-delta vocabulary: a delta
// seen fewer times than this in the training sample is not worth a code.
const minDeltaCount = 10

// Vocab maps raw int64 keys (PC values, address deltas) to dense codes
// [0, Len()) in first-seen order. Lookup of a key that was never admitted
// returns the fallback code Len(), one past the last valid code, so every
// consumer sizes its embedding/output space as Len()+1. Built during
// preprocessing, never mutated afterwards.
type Vocab struct {
	keys  []int64 // code -> key, insertion order
	codes map[int64]int
}

// NewVocab admits the given keys in order, establishing code assignment.
func NewVocab(keys []int64) *Vocab {
	v := &Vocab{codes: make(map[int64]int, len(keys))}
	for _, k := range keys {
		v.AddKey(k)
	}
	return v
}

// AddKey assigns the next sequential code to an unseen key. Idempotent.
func (v *Vocab) AddKey(key int64) {
	if _, ok := v.codes[key]; ok {
		return
	}
	v.codes[key] = len(v.keys)
	v.keys = append(v.keys, key)
}

// Code returns the key's code, or the fallback code Len() for keys that were
// pruned or never seen. Never fails: rare deltas at inference time all land
// in the same unknown bucket.
func (v *Vocab) Code(key int64) int {
	if c, ok := v.codes[key]; ok {
		return c
	}
	return len(v.keys)
}

// Key returns the raw key for a code. The fallback code and anything out of
// range report !ok.
func (v *Vocab) Key(code int) (int64, bool) {
	if code < 0 || code >= len(v.keys) {
		return 0, false
	}
	return v.keys[code], true
}

// Len is the number of distinct admitted keys (the fallback slot excluded).
func (v *Vocab) Len() int {
	return len(v.keys)
}

// Keys returns the admitted keys in code order (for checkpointing).
func (v *Vocab) Keys() []int64 {
	out := make([]int64, len(v.keys))
	copy(out, v.keys)
	return out
}

// OutputVocab is the output-delta vocabulary variant, resolved once at build
// time: either one global vocab, or one per cluster. Nothing downstream
// re-inspects the data to decide which.
type OutputVocab struct {
	single     *Vocab
	perCluster []*Vocab
}

func SingleOutput(v *Vocab) *OutputVocab {
	return &OutputVocab{single: v}
}

func PerClusterOutput(vs []*Vocab) *OutputVocab {
	return &OutputVocab{perCluster: vs}
}

// Clustered reports whether this is the per-cluster variant.
func (o *OutputVocab) Clustered() bool {
	return o.perCluster != nil
}

// For returns the vocabulary owning the given cluster. The single variant
// ignores the label.
func (o *OutputVocab) For(cluster int) *Vocab {
	if o.perCluster != nil {
		return o.perCluster[cluster]
	}
	return o.single
}

// Widths returns the classification head widths: one per cluster (or one
// total), each vocab size + 1 for the fallback slot.
func (o *OutputVocab) Widths() []int {
	if o.perCluster == nil {
		return []int{o.single.Len() + 1}
	}
	ws := make([]int, len(o.perCluster))
	for i, v := range o.perCluster {
		ws[i] = v.Len() + 1
	}
	return ws
}

// keyCount pairs a key with its occurrence count, kept in first-seen order so
// frequency ties break the same way every run.
type keyCount struct {
	key   int64
	count int
}

func countKeys(keys []int64) []keyCount {
	index := make(map[int64]int, len(keys))
	counts := make([]keyCount, 0, len(keys))
	for _, k := range keys {
		if i, ok := index[k]; ok {
			counts[i].count++
			continue
		}
		index[k] = len(counts)
		counts = append(counts, keyCount{key: k, count: 1})
	}
	return counts
}

// byCountDesc orders counts by descending frequency. SliceStable keeps
// first-seen order among equal counts.
func byCountDesc(counts []keyCount) []keyCount {
	out := make([]keyCount, len(counts))
	copy(out, counts)
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].count > out[b].count
	})
	return out
}

// topOutputVocab builds a vocabulary over the most frequent maxSize output
// deltas. Fewer distinct values than the cap admits them all.
func topOutputVocab(deltas []int64, maxSize int) *Vocab {
	ranked := byCountDesc(countKeys(deltas))
	if maxSize > 0 && len(ranked) > maxSize {
		ranked = ranked[:maxSize]
	}
	keys := make([]int64, len(ranked))
	for i, kc := range ranked {
		keys[i] = kc.key
	}
	return NewVocab(keys)
}

// BuildVocabs constructs the three vocabularies from a training sample:
//   - PC vocab: every distinct PC, first-seen order;
//   - input-delta vocab: deltas with count >= minDeltaCount, by descending
//     frequency;
//   - output vocab: per-cluster top-maxOutputVocab vocabularies when
//     numClusters > 0, otherwise one global vocabulary with the same cap.
func BuildVocabs(recs []TraceRecord, numClusters, maxOutputVocab int) (*Vocab, *Vocab, *OutputVocab) {
	pcVocab := &Vocab{codes: make(map[int64]int)}
	for _, r := range recs {
		pcVocab.AddKey(r.PC)
	}

	deltasIn := make([]int64, len(recs))
	for i, r := range recs {
		deltasIn[i] = r.DeltaIn
	}
	var deltaKeys []int64
	for _, kc := range byCountDesc(countKeys(deltasIn)) {
		if kc.count >= minDeltaCount {
			deltaKeys = append(deltaKeys, kc.key)
		}
	}
	deltaVocab := NewVocab(deltaKeys)

	if numClusters <= 0 {
		all := make([]int64, len(recs))
		for i, r := range recs {
			all[i] = r.DeltaOut
		}
		return pcVocab, deltaVocab, SingleOutput(topOutputVocab(all, maxOutputVocab))
	}

	vocabs := make([]*Vocab, numClusters)
	for cluster := 0; cluster < numClusters; cluster++ {
		var subset []int64
		for _, r := range recs {
			if r.Cluster == cluster {
				subset = append(subset, r.DeltaOut)
			}
		}
		vocabs[cluster] = topOutputVocab(subset, maxOutputVocab)
	}
	return pcVocab, deltaVocab, PerClusterOutput(vocabs)
}
