// ML-Prefetcher trains an LSTM that predicts future memory-access deltas
// conditioned on the PC stream, for data-prefetcher research. Deltas are
// pre-grouped into locality clusters; each cluster owns a compact output
// vocabulary and its own classification head on a shared recurrent backbone.
package main

import (
	"math/rand"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
)

func parseCLIArgs() (dbPath, configPath, ckptPath, csvPath string, epochs int, evalOnly bool) {
	epochs = -1
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--db" && i+1 < len(os.Args):
			dbPath = os.Args[i+1]
			i++
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			configPath = os.Args[i+1]
			i++
		case os.Args[i] == "--ckpt" && i+1 < len(os.Args):
			ckptPath = os.Args[i+1]
			i++
		case os.Args[i] == "--import" && i+1 < len(os.Args):
			csvPath = os.Args[i+1]
			i++
		case os.Args[i] == "--epochs" && i+1 < len(os.Args):
			if n, err := strconv.Atoi(os.Args[i+1]); err == nil {
				epochs = n
			}
			i++
		case os.Args[i] == "--eval":
			evalOnly = true
		}
	}
	return
}

func main() {
	rand.Seed(0) // reproducibility, same seed the experiments used

	dbPath, configPath, ckptPath, csvPath, epochs, evalOnly := parseCLIArgs()

	if configPath != "" {
		if err := loadConfigFile(configPath); err != nil {
			log.WithError(err).Fatal("[main] config load failed")
		}
	}
	if dbPath != "" {
		CFG.DBPath = dbPath
	}
	if ckptPath != "" {
		CFG.CkptPath = ckptPath
	}
	if epochs > 0 {
		CFG.Epochs = epochs
	}

	db, err := initDB(CFG.DBPath)
	if err != nil {
		log.WithError(err).Fatal("[main] db open failed")
	}
	defer db.Close()

	if csvPath != "" {
		n, err := importCSV(db, csvPath)
		if err != nil {
			log.WithError(err).Fatal("[main] csv import failed")
		}
		log.WithField("records", n).Info("[main] imported trace")
	}

	recs, clustered, err := loadTraces(db)
	if err != nil {
		log.WithError(err).Fatal("[main] trace load failed")
	}
	if len(recs) == 0 {
		log.Fatal("[main] no access records, import a trace first (--import file.csv)")
	}

	numClusters := CFG.NumClusters
	if !clustered {
		numClusters = 0
	}

	// Vocabularies come from the leading training slice only; the tail is
	// held out so eval sees unknown-key traffic the way deployment would.
	trainLen := int(float64(len(recs)) * CFG.TrainFrac)
	if trainLen < 1 {
		trainLen = len(recs)
	}

	var (
		model      *ClusteringLSTM
		pcVocab    *Vocab
		deltaVocab *Vocab
		outVocab   *OutputVocab
	)
	if _, err := os.Stat(CFG.CkptPath); err == nil {
		model, pcVocab, deltaVocab, outVocab, _, err = LoadCheckpoint(CFG.CkptPath)
		if err != nil {
			log.WithError(err).Fatal("[main] checkpoint load failed")
		}
		log.WithField("step", model.globalStep).Info("[main] resumed from checkpoint")
	} else {
		pcVocab, deltaVocab, outVocab = BuildVocabs(recs[:trainLen], numClusters, CFG.MaxOutputVocab)
		model = NewClusteringLSTM(
			pcVocab.Len()+1,
			deltaVocab.Len()+1,
			outVocab.Widths(),
			CFG.EmbedDim,
			CFG.HiddenDim,
			CFG.NumLayers,
			CFG.NumPred,
			CFG.Dropout,
		)
		log.WithFields(log.Fields{
			"pcs":      pcVocab.Len(),
			"deltas":   deltaVocab.Len(),
			"clusters": len(outVocab.Widths()),
		}).Info("[main] vocabularies built")
	}

	if evalOnly {
		trace := EncodeTrace(recs[trainLen:], pcVocab, deltaVocab, outVocab)
		avgLoss, hitRate, err := evalNet(model, trace)
		if err != nil {
			log.WithError(err).Fatal("[main] eval failed")
		}
		if _, err := logRun(db, 0, avgLoss, hitRate, "eval"); err != nil {
			log.WithError(err).Warn("[main] run log failed")
		}
		return
	}

	trace := EncodeTrace(recs[:trainLen], pcVocab, deltaVocab, outVocab)
	lastLoss, err := trainNet(model, trace, CFG.Epochs)
	if err != nil {
		log.WithError(err).Fatal("[main] training failed")
	}

	runID, err := logRun(db, CFG.Epochs, lastLoss, -1, "train")
	if err != nil {
		log.WithError(err).Warn("[main] run log failed")
	}
	if err := SaveCheckpoint(model, pcVocab, deltaVocab, outVocab, runID, CFG.CkptPath); err != nil {
		log.WithError(err).Fatal("[main] checkpoint save failed")
	}
	log.WithFields(log.Fields{"loss": lastLoss, "run": runID}).Info("[main] done")
}
