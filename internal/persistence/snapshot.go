package persistence

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/talgya/mix-economy/internal/economy"
	"github.com/talgya/mix-economy/internal/engine"
)

// SnapshotVersion is the current snapshot file format.
const SnapshotVersion = 1

// ErrNotFound is returned when a requested economy is not stored.
var ErrNotFound = errors.New("not found")

// EconomyState is everything needed to rebuild an economy. Player IDs equal
// their index because players are only ever appended, so they are not stored.
type EconomyState struct {
	Fortunes     []float64 `json:"fortunes"`
	Tax          float64   `json:"tax"`
	StartFortune float64   `json:"start_fortune"`
	Mode         string    `json:"mode"`
}

// CaptureEconomy copies the state of e.
func CaptureEconomy(e *economy.Economy) EconomyState {
	return EconomyState{
		Fortunes:     e.Fortunes(),
		Tax:          e.Tax,
		StartFortune: e.StartFortune,
		Mode:         e.Mode.String(),
	}
}

// Restore rebuilds an economy from the state.
func (st EconomyState) Restore() *economy.Economy {
	e := economy.NewFromFortunes(st.Tax, st.StartFortune, st.Fortunes)
	if st.Mode == economy.ModeLegacy.String() {
		e.Mode = economy.ModeLegacy
	}
	return e
}

// Header is written as a plain JSON line at the top of a snapshot.
type Header struct {
	Version int       `json:"version"`
	RunID   string    `json:"run_id"`
	Period  uint64    `json:"period"`
	TakenAt time.Time `json:"taken_at"`
}

// Snapshot is a point-in-time copy of named economies.
type Snapshot struct {
	Header    Header                  `json:"header"`
	Economies map[string]EconomyState `json:"economies"`
}

// SnapshotOf builds a snapshot of both economies in a simulation view.
func SnapshotOf(runID string, v engine.View) Snapshot {
	return Snapshot{
		Header: Header{
			Version: SnapshotVersion,
			RunID:   runID,
			Period:  v.Period,
			TakenAt: time.Now().UTC(),
		},
		Economies: map[string]EconomyState{
			"regulated": CaptureEconomy(v.Regulated),
			"baseline":  CaptureEconomy(v.Baseline),
		},
	}
}

// SnapshotPath returns the conventional file name for a run's snapshot.
func SnapshotPath(dir, runID string, period uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%08d.json.zst", runID, period))
}

// WriteSnapshot writes a zstd-compressed snapshot to path.
func WriteSnapshot(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 64*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := json.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("json encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReadSnapshot reads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The header line is for tools that only peek; the body repeats it.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := json.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("json decode: %w", err)
	}
	if snap.Header.Version != SnapshotVersion {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}
