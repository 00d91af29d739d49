package main

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ============================================================
// 6) TRACE STORE — sqlite-backed access records
// ============================================================

// TraceRecord is one memory-access training example: the instruction's PC,
// the delta that led into this access, the pre-assigned locality cluster, and
// the delta to predict. Cluster labels are fixed at data-preparation time and
// never recomputed here.
type TraceRecord struct {
	PC       int64
	DeltaIn  int64
	Cluster  int
	DeltaOut int64
}

func initDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS accesses(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pc INTEGER NOT NULL,
			delta_in INTEGER NOT NULL,
			cluster INTEGER,
			delta_out INTEGER NOT NULL
		)`)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs(
			id TEXT PRIMARY KEY,
			ts REAL NOT NULL,
			epochs INTEGER NOT NULL,
			final_loss REAL,
			hit_rate REAL,
			note TEXT
		)`)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// insertTraces appends records in one transaction. A negative Cluster is
// stored as NULL (unclustered trace).
func insertTraces(db *sql.DB, recs []TraceRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT INTO accesses(pc, delta_in, cluster, delta_out) VALUES(?,?,?,?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		var cluster interface{}
		if r.Cluster >= 0 {
			cluster = r.Cluster
		}
		if _, err := stmt.Exec(r.PC, r.DeltaIn, cluster, r.DeltaOut); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// loadTraces reads every access record in insertion order. The second return
// reports whether cluster labels were present (any NULL cluster means the
// trace is unclustered and the single-vocab variant applies).
func loadTraces(db *sql.DB) ([]TraceRecord, bool, error) {
	rows, err := db.Query("SELECT pc, delta_in, cluster, delta_out FROM accesses ORDER BY id")
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var recs []TraceRecord
	clustered := true
	for rows.Next() {
		var r TraceRecord
		var cluster sql.NullInt64
		if err := rows.Scan(&r.PC, &r.DeltaIn, &cluster, &r.DeltaOut); err != nil {
			return nil, false, err
		}
		if cluster.Valid {
			r.Cluster = int(cluster.Int64)
		} else {
			r.Cluster = -1
			clustered = false
		}
		recs = append(recs, r)
	}
	return recs, clustered && len(recs) > 0, rows.Err()
}

// logRun records one training/eval run. Returns the run id so the checkpoint
// can carry it.
func logRun(db *sql.DB, epochs int, finalLoss, hitRate float64, note string) (string, error) {
	id := uuid.New().String()
	_, err := db.Exec("INSERT INTO runs(id, ts, epochs, final_loss, hit_rate, note) VALUES(?,?,?,?,?,?)",
		id, float64(time.Now().UnixMilli())/1000.0, epochs, finalLoss, hitRate, note)
	return id, err
}

// importCSV ingests "pc,delta_in,cluster,delta_out" rows into the store. An
// empty cluster field marks an unclustered trace.
func importCSV(db *sql.DB, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	var recs []TraceRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if len(row) != 4 {
			return 0, fmt.Errorf("row %d: want 4 fields, got %d", len(recs)+1, len(row))
		}
		var r TraceRecord
		if r.PC, err = strconv.ParseInt(row[0], 10, 64); err != nil {
			return 0, fmt.Errorf("row %d pc: %w", len(recs)+1, err)
		}
		if r.DeltaIn, err = strconv.ParseInt(row[1], 10, 64); err != nil {
			return 0, fmt.Errorf("row %d delta_in: %w", len(recs)+1, err)
		}
		r.Cluster = -1
		if row[2] != "" {
			c, err := strconv.Atoi(row[2])
			if err != nil {
				return 0, fmt.Errorf("row %d cluster: %w", len(recs)+1, err)
			}
			r.Cluster = c
		}
		if r.DeltaOut, err = strconv.ParseInt(row[3], 10, 64); err != nil {
			return 0, fmt.Errorf("row %d delta_out: %w", len(recs)+1, err)
		}
		recs = append(recs, r)
	}
	if err := insertTraces(db, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// EncodeTrace turns raw records into one long code sequence using the three
// vocabularies. Targets go through the cluster's own vocabulary, so the same
// raw delta can carry different codes in different clusters.
func EncodeTrace(recs []TraceRecord, pcVocab, deltaVocab *Vocab, outVocab *OutputVocab) Batch {
	b := Batch{
		PCs:      make([]int, len(recs)),
		Deltas:   make([]int, len(recs)),
		Clusters: make([]int, len(recs)),
		Targets:  make([]int, len(recs)),
	}
	for i, r := range recs {
		b.PCs[i] = pcVocab.Code(r.PC)
		b.Deltas[i] = deltaVocab.Code(r.DeltaIn)
		cluster := r.Cluster
		if !outVocab.Clustered() {
			cluster = 0
		}
		b.Clusters[i] = cluster
		b.Targets[i] = outVocab.For(cluster).Code(r.DeltaOut)
	}
	return b
}
