// Package persistence provides SQLite-based run history and economy state
// storage, plus compressed snapshot files.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/mix-economy/internal/engine"
)

// DB wraps a SQLite connection for run persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		label TEXT NOT NULL,
		started_at TEXT NOT NULL,
		config_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		period INTEGER NOT NULL,
		players INTEGER NOT NULL,
		regulated_gini REAL,
		baseline_gini REAL,
		regulated_tax REAL NOT NULL,
		baseline_tax REAL NOT NULL,
		smoothed_regulated_gini REAL NOT NULL,
		smoothed_baseline_gini REAL NOT NULL,
		smoothed_tax REAL NOT NULL,
		smooth_weight REAL NOT NULL,
		solve_iterations INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS economies (
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		tax REAL NOT NULL,
		start_fortune REAL NOT NULL,
		mode TEXT NOT NULL,
		fortunes_json TEXT NOT NULL,
		PRIMARY KEY (run_id, name)
	);

	CREATE TABLE IF NOT EXISTS sweep_results (
		run_id TEXT NOT NULL,
		target_gini REAL NOT NULL,
		periods INTEGER NOT NULL,
		regulated_gini REAL NOT NULL,
		baseline_gini REAL NOT NULL,
		regulated_tax REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_run_period ON reports(run_id, period);
	CREATE INDEX IF NOT EXISTS idx_sweep_run ON sweep_results(run_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Run is one driver invocation.
type Run struct {
	ID         string `db:"id" json:"id"`
	Kind       string `db:"kind" json:"kind"` // "live" or "sweep"
	Label      string `db:"label" json:"label"`
	StartedAt  string `db:"started_at" json:"started_at"`
	ConfigJSON string `db:"config_json" json:"-"`
}

// StartRun records a new run and returns its ID.
func (db *DB) StartRun(kind, label string, cfg any) (string, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	id := uuid.NewString()
	_, err = db.conn.Exec(
		"INSERT INTO runs (id, kind, label, started_at, config_json) VALUES (?, ?, ?, ?, ?)",
		id, kind, label, time.Now().UTC().Format(time.RFC3339), string(cfgJSON),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// GetRun loads one run.
func (db *DB) GetRun(id string) (Run, error) {
	var r Run
	err := db.conn.Get(&r, "SELECT id, kind, label, started_at, config_json FROM runs WHERE id = ?", id)
	return r, err
}

// SaveReport appends a smoothed report to the run history.
func (db *DB) SaveReport(runID string, rep engine.Report) error {
	l := rep.Latest
	_, err := db.conn.Exec(`INSERT INTO reports
		(run_id, period, players, regulated_gini, baseline_gini, regulated_tax, baseline_tax,
		 smoothed_regulated_gini, smoothed_baseline_gini, smoothed_tax, smooth_weight, solve_iterations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, int64(rep.Period), l.Players, l.RegulatedGini, l.BaselineGini, l.RegulatedTax, l.BaselineTax,
		rep.Smoothed.RegulatedGini, rep.Smoothed.BaselineGini, rep.Smoothed.RegulatedTax, rep.Smoothed.Weight,
		l.SolveIterations,
	)
	return err
}

// ReportRow is one stored report.
type ReportRow struct {
	Period                uint64         `db:"period" json:"period"`
	Players               int            `db:"players" json:"players"`
	RegulatedGini         engine.Reading `db:"regulated_gini" json:"regulated_gini"`
	BaselineGini          engine.Reading `db:"baseline_gini" json:"baseline_gini"`
	RegulatedTax          float64        `db:"regulated_tax" json:"regulated_tax"`
	BaselineTax           float64        `db:"baseline_tax" json:"baseline_tax"`
	SmoothedRegulatedGini float64        `db:"smoothed_regulated_gini" json:"smoothed_regulated_gini"`
	SmoothedBaselineGini  float64        `db:"smoothed_baseline_gini" json:"smoothed_baseline_gini"`
	SmoothedTax           float64        `db:"smoothed_tax" json:"smoothed_tax"`
	SmoothWeight          float64        `db:"smooth_weight" json:"smooth_weight"`
	SolveIterations       int            `db:"solve_iterations" json:"solve_iterations"`
}

// LoadReports returns up to limit reports of a run with period in
// [fromPeriod, toPeriod], newest first.
func (db *DB) LoadReports(runID string, fromPeriod, toPeriod uint64, limit int) ([]ReportRow, error) {
	var rows []ReportRow
	err := db.conn.Select(&rows, `SELECT period, players, regulated_gini, baseline_gini, regulated_tax, baseline_tax,
		smoothed_regulated_gini, smoothed_baseline_gini, smoothed_tax, smooth_weight, solve_iterations
		FROM reports WHERE run_id = ? AND period >= ? AND period <= ?
		ORDER BY period DESC LIMIT ?`,
		runID, int64(fromPeriod), int64(toPeriod), limit,
	)
	return rows, err
}

// SaveEconomy writes the state of a named economy for a run (full replace).
func (db *DB) SaveEconomy(runID, name string, st EconomyState) error {
	fortunesJSON, err := json.Marshal(st.Fortunes)
	if err != nil {
		return fmt.Errorf("encode fortunes: %w", err)
	}
	_, err = db.conn.Exec(
		`INSERT OR REPLACE INTO economies (run_id, name, tax, start_fortune, mode, fortunes_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, name, st.Tax, st.StartFortune, st.Mode, string(fortunesJSON),
	)
	return err
}

// LoadEconomy reads the state of a named economy. Returns ErrNotFound if the
// run has no such economy.
func (db *DB) LoadEconomy(runID, name string) (EconomyState, error) {
	var row struct {
		Tax          float64 `db:"tax"`
		StartFortune float64 `db:"start_fortune"`
		Mode         string  `db:"mode"`
		FortunesJSON string  `db:"fortunes_json"`
	}
	err := db.conn.Get(&row,
		"SELECT tax, start_fortune, mode, fortunes_json FROM economies WHERE run_id = ? AND name = ?",
		runID, name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return EconomyState{}, ErrNotFound
	}
	if err != nil {
		return EconomyState{}, err
	}

	st := EconomyState{Tax: row.Tax, StartFortune: row.StartFortune, Mode: row.Mode}
	if err := json.Unmarshal([]byte(row.FortunesJSON), &st.Fortunes); err != nil {
		return EconomyState{}, fmt.Errorf("decode fortunes: %w", err)
	}
	return st, nil
}

// SweepResult is the settled outcome for one target Gini.
type SweepResult struct {
	TargetGini    float64 `db:"target_gini" json:"target_gini"`
	Periods       uint64  `db:"periods" json:"periods"`
	RegulatedGini float64 `db:"regulated_gini" json:"regulated_gini"`
	BaselineGini  float64 `db:"baseline_gini" json:"baseline_gini"`
	RegulatedTax  float64 `db:"regulated_tax" json:"regulated_tax"`
}

// SaveSweepResults writes all results of a sweep in one transaction.
func (db *DB) SaveSweepResults(runID string, results []SweepResult) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT INTO sweep_results
		(run_id, target_gini, periods, regulated_gini, baseline_gini, regulated_tax)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		_, err := stmt.Exec(runID, r.TargetGini, int64(r.Periods), r.RegulatedGini, r.BaselineGini, r.RegulatedTax)
		if err != nil {
			return fmt.Errorf("insert sweep result %.4f: %w", r.TargetGini, err)
		}
	}

	return tx.Commit()
}

// LoadSweepResults returns the results of a sweep ordered by target.
func (db *DB) LoadSweepResults(runID string) ([]SweepResult, error) {
	var rows []SweepResult
	err := db.conn.Select(&rows, `SELECT target_gini, periods, regulated_gini, baseline_gini, regulated_tax
		FROM sweep_results WHERE run_id = ? ORDER BY target_gini`, runID)
	return rows, err
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}

// SaveRunState performs a full save of a live simulation: both economies and
// the last period.
func (db *DB) SaveRunState(runID string, sim *engine.Simulation) error {
	v := sim.View()
	slog.Info("saving run state", "run", runID, "period", v.Period, "players", v.Regulated.Len())

	if err := db.SaveEconomy(runID, "regulated", CaptureEconomy(v.Regulated)); err != nil {
		return fmt.Errorf("save regulated: %w", err)
	}
	if err := db.SaveEconomy(runID, "baseline", CaptureEconomy(v.Baseline)); err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	if err := db.SaveMeta("last_run_id", runID); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	if err := db.SaveMeta("last_period", fmt.Sprintf("%d", v.Period)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	return nil
}
