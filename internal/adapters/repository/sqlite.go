package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/okian/ocufatigue/internal/domain/model"
	"github.com/okian/ocufatigue/pkg/metrics"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serializes writers and keeps :memory: databases
	// shared across calls
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS windows (
  session_id TEXT NOT NULL,
  window_start INTEGER NOT NULL,
  window_end INTEGER NOT NULL,
  idx INTEGER NOT NULL,
  events INTEGER NOT NULL,
  blink_rate REAL,
  blink_samples INTEGER NOT NULL,
  mean_fixation_ms REAL,
  fixation_samples INTEGER NOT NULL,
  pupil_mean REAL,
  pupil_std REAL,
  pupil_samples INTEGER NOT NULL,
  PRIMARY KEY (session_id, window_start)
);
CREATE TABLE IF NOT EXISTS derived (
  session_id TEXT NOT NULL,
  window_start INTEGER NOT NULL,
  feature TEXT NOT NULL,
  z_score REAL NOT NULL,
  cusum_pos REAL NOT NULL,
  cusum_neg REAL NOT NULL,
  alarm_pos INTEGER NOT NULL,
  alarm_neg INTEGER NOT NULL,
  PRIMARY KEY (session_id, window_start, feature)
);
CREATE TABLE IF NOT EXISTS scores (
  session_id TEXT NOT NULL,
  window_start INTEGER NOT NULL,
  window_end INTEGER NOT NULL,
  score REAL,
  anomaly REAL,
  flags TEXT NOT NULL,
  model TEXT NOT NULL,
  elapsed_ns INTEGER NOT NULL,
  PRIMARY KEY (session_id, window_start)
);
CREATE TABLE IF NOT EXISTS summaries (
  session_id TEXT PRIMARY KEY,
  payload TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func nullable(m model.Measurement) sql.NullFloat64 {
	return sql.NullFloat64{Float64: m.Value, Valid: m.Available}
}

func measurement(v sql.NullFloat64, samples int) model.Measurement {
	if !v.Valid {
		return model.Unavailable(samples)
	}
	return model.Measured(v.Float64, samples)
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *SQLiteStore) exec(ctx context.Context, op, stmt string, args ...any) error {
	defer observe(op, time.Now())
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		metrics.RecordStoreError(op)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SaveWindow implements Store.
func (s *SQLiteStore) SaveWindow(ctx context.Context, w model.FeatureWindow) error {
	const stmt = `
INSERT INTO windows (session_id, window_start, window_end, idx, events, blink_rate, blink_samples,
  mean_fixation_ms, fixation_samples, pupil_mean, pupil_std, pupil_samples)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, window_start) DO UPDATE SET
  window_end=excluded.window_end,
  idx=excluded.idx,
  events=excluded.events,
  blink_rate=excluded.blink_rate,
  blink_samples=excluded.blink_samples,
  mean_fixation_ms=excluded.mean_fixation_ms,
  fixation_samples=excluded.fixation_samples,
  pupil_mean=excluded.pupil_mean,
  pupil_std=excluded.pupil_std,
  pupil_samples=excluded.pupil_samples;
`
	return s.exec(ctx, "save_window", stmt,
		w.SessionID, w.Start.UnixNano(), w.End.UnixNano(), w.Index, w.Events,
		nullable(w.BlinkRate), w.BlinkRate.Samples,
		nullable(w.MeanFixationMS), w.MeanFixationMS.Samples,
		nullable(w.PupilMean), nullable(w.PupilStd), w.PupilMean.Samples,
	)
}

// SaveDerived implements Store.
func (s *SQLiteStore) SaveDerived(ctx context.Context, stats []model.DerivedStatistic) error {
	const stmt = `
INSERT INTO derived (session_id, window_start, feature, z_score, cusum_pos, cusum_neg, alarm_pos, alarm_neg)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, window_start, feature) DO UPDATE SET
  z_score=excluded.z_score,
  cusum_pos=excluded.cusum_pos,
  cusum_neg=excluded.cusum_neg,
  alarm_pos=excluded.alarm_pos,
  alarm_neg=excluded.alarm_neg;
`
	for _, ds := range stats {
		err := s.exec(ctx, "save_derived", stmt,
			ds.SessionID, ds.WindowStart.UnixNano(), string(ds.Feature),
			ds.ZScore, ds.CusumPos, ds.CusumNeg, ds.AlarmPos, ds.AlarmNeg)
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveScore implements Store.
func (s *SQLiteStore) SaveScore(ctx context.Context, fs model.FatigueScore) error {
	const stmt = `
INSERT INTO scores (session_id, window_start, window_end, score, anomaly, flags, model, elapsed_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, window_start) DO UPDATE SET
  window_end=excluded.window_end,
  score=excluded.score,
  anomaly=excluded.anomaly,
  flags=excluded.flags,
  model=excluded.model,
  elapsed_ns=excluded.elapsed_ns;
`
	flags := make([]string, len(fs.Flags))
	for i, f := range fs.Flags {
		flags[i] = string(f)
	}
	return s.exec(ctx, "save_score", stmt,
		fs.SessionID, fs.WindowStart.UnixNano(), fs.WindowEnd.UnixNano(),
		sql.NullFloat64{Float64: fs.Score, Valid: fs.Scored},
		sql.NullFloat64{Float64: fs.Anomaly, Valid: fs.Scored},
		strings.Join(flags, ","), fs.Model, int64(fs.Elapsed))
}

// SaveSummary implements Store.
func (s *SQLiteStore) SaveSummary(ctx context.Context, sum model.Summary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	const stmt = `
INSERT INTO summaries (session_id, payload) VALUES (?, ?)
ON CONFLICT(session_id) DO UPDATE SET payload=excluded.payload;
`
	return s.exec(ctx, "save_summary", stmt, sum.SessionID, string(payload))
}

// Windows implements Store.
func (s *SQLiteStore) Windows(ctx context.Context, id string, limit int) ([]model.FeatureWindow, error) {
	defer observe("windows", time.Now())
	const q = `
SELECT window_start, window_end, idx, events, blink_rate, blink_samples, mean_fixation_ms,
  fixation_samples, pupil_mean, pupil_std, pupil_samples
FROM windows WHERE session_id = ? ORDER BY window_start`
	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		metrics.RecordStoreError("windows")
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	var out []model.FeatureWindow
	for rows.Next() {
		var (
			start, end              int64
			idx, events             int
			blink, fix, pMean, pStd sql.NullFloat64
			blinkN, fixN, pupilN    int
		)
		if err := rows.Scan(&start, &end, &idx, &events, &blink, &blinkN, &fix, &fixN, &pMean, &pStd, &pupilN); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		out = append(out, model.FeatureWindow{
			SessionID:      id,
			Index:          idx,
			Start:          fromNanos(start),
			End:            fromNanos(end),
			Events:         events,
			BlinkRate:      measurement(blink, blinkN),
			MeanFixationMS: measurement(fix, fixN),
			PupilMean:      measurement(pMean, pupilN),
			PupilStd:       measurement(pStd, pupilN),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windows: %w", err)
	}
	return tail(out, limit), nil
}

// Derived implements Store.
func (s *SQLiteStore) Derived(ctx context.Context, id string) ([]model.DerivedStatistic, error) {
	defer observe("derived", time.Now())
	const q = `
SELECT window_start, feature, z_score, cusum_pos, cusum_neg, alarm_pos, alarm_neg
FROM derived WHERE session_id = ? ORDER BY window_start, feature`
	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		metrics.RecordStoreError("derived")
		return nil, fmt.Errorf("query derived: %w", err)
	}
	defer rows.Close()

	var out []model.DerivedStatistic
	for rows.Next() {
		var (
			start   int64
			feature string
			ds      model.DerivedStatistic
		)
		if err := rows.Scan(&start, &feature, &ds.ZScore, &ds.CusumPos, &ds.CusumNeg, &ds.AlarmPos, &ds.AlarmNeg); err != nil {
			return nil, fmt.Errorf("scan derived: %w", err)
		}
		ds.SessionID = id
		ds.WindowStart = fromNanos(start)
		ds.Feature = model.Feature(feature)
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate derived: %w", err)
	}
	return out, nil
}

// Scores implements Store.
func (s *SQLiteStore) Scores(ctx context.Context, id string, limit int) ([]model.FatigueScore, error) {
	defer observe("scores", time.Now())
	const q = `
SELECT window_start, window_end, score, anomaly, flags, model, elapsed_ns
FROM scores WHERE session_id = ? ORDER BY window_start`
	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		metrics.RecordStoreError("scores")
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var out []model.FatigueScore
	for rows.Next() {
		var (
			start, end, elapsed int64
			score, anomaly      sql.NullFloat64
			flags, name         string
		)
		if err := rows.Scan(&start, &end, &score, &anomaly, &flags, &name, &elapsed); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		fs := model.FatigueScore{
			SessionID:   id,
			WindowStart: fromNanos(start),
			WindowEnd:   fromNanos(end),
			Model:       name,
			Elapsed:     time.Duration(elapsed),
			Scored:      score.Valid,
			Score:       score.Float64,
			Anomaly:     anomaly.Float64,
		}
		if flags != "" {
			for _, f := range strings.Split(flags, ",") {
				fs.Flags = fs.Flags.Add(model.Flag(f))
			}
		}
		out = append(out, fs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scores: %w", err)
	}
	return tail(out, limit), nil
}

// Summary implements Store.
func (s *SQLiteStore) Summary(ctx context.Context, id string) (model.Summary, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM summaries WHERE session_id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return model.Summary{}, ErrNotFound
	}
	if err != nil {
		metrics.RecordStoreError("summary")
		return model.Summary{}, fmt.Errorf("query summary: %w", err)
	}
	var sum model.Summary
	if err := json.Unmarshal([]byte(payload), &sum); err != nil {
		return model.Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return sum, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
