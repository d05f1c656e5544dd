package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/crag-agent/backend/internal/crag"
	"github.com/crag-agent/backend/internal/storage/models"
	"github.com/crag-agent/backend/pkg/logger"
)

// Client persists run provenance for offline analysis. The corrective loop
// holds no database connection of its own; the API adapter writes here
// after each completed run.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS crag_runs (
		id TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		task_type TEXT,
		answer TEXT,
		first_score REAL,
		final_score REAL,
		iteration_count INTEGER,
		reason TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON crag_runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_reason ON crag_runs(reason);

	CREATE TABLE IF NOT EXISTS crag_iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		overall REAL,
		scores TEXT,
		issue_count INTEGER,
		FOREIGN KEY (run_id) REFERENCES crag_runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_iterations_run ON crag_iterations(run_id);

	CREATE TABLE IF NOT EXISTS crag_corrections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		targets TEXT,
		score_delta REAL,
		failed INTEGER DEFAULT 0,
		error TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES crag_runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_corrections_run ON crag_corrections(run_id);
	CREATE INDEX IF NOT EXISTS idx_corrections_strategy ON crag_corrections(strategy);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// StoreRun persists a completed run with its full iteration and correction
// history.
func (c *Client) StoreRun(result *crag.CRAGResult) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO crag_runs (id, query_text, task_type, answer, first_score, final_score,
			iteration_count, reason, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.RunID,
		result.Query.Text,
		string(result.Query.Task),
		result.Answer,
		result.FirstScore(),
		result.Final.Overall,
		result.IterationCount,
		string(result.Reason),
		int(result.Elapsed.Milliseconds()),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, iter := range result.History {
		scores := make(map[string]float64, len(iter.Assessment.Scores))
		for m, s := range iter.Assessment.Scores {
			scores[m.String()] = s
		}
		scoresJSON, _ := json.Marshal(scores)

		_, err = tx.Exec(`
			INSERT INTO crag_iterations (run_id, sequence, overall, scores, issue_count)
			VALUES (?, ?, ?, ?, ?)
		`,
			result.RunID,
			i,
			iter.Assessment.Overall,
			string(scoresJSON),
			len(iter.Assessment.Issues),
		)
		if err != nil {
			return fmt.Errorf("failed to insert iteration: %w", err)
		}
	}

	for _, corr := range result.Corrections {
		targets := make([]string, len(corr.Targets))
		for i, t := range corr.Targets {
			targets[i] = t.String()
		}
		targetsJSON, _ := json.Marshal(targets)

		failed := 0
		if corr.Failed {
			failed = 1
		}

		_, err = tx.Exec(`
			INSERT INTO crag_corrections (run_id, sequence, strategy, targets, score_delta, failed, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			result.RunID,
			corr.Sequence,
			corr.Strategy.String(),
			string(targetsJSON),
			corr.ScoreDelta,
			failed,
			corr.Error,
			corr.Timestamp.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert correction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	logger.Info("Run recorded",
		zap.String("run_id", result.RunID),
		zap.String("reason", string(result.Reason)),
		zap.Int("iterations", result.IterationCount),
	)

	return nil
}

// GetRun loads one persisted run record.
func (c *Client) GetRun(id string) (*models.RunRecord, error) {
	var r models.RunRecord
	var createdAt int64

	err := c.db.QueryRow(`
		SELECT id, query_text, task_type, answer, first_score, final_score,
			iteration_count, reason, latency_ms, created_at
		FROM crag_runs WHERE id = ?
	`, id).Scan(
		&r.ID,
		&r.QueryText,
		&r.TaskType,
		&r.Answer,
		&r.FirstScore,
		&r.FinalScore,
		&r.IterationCount,
		&r.Reason,
		&r.LatencyMS,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	r.CreatedAt = time.Unix(createdAt, 0)
	return &r, nil
}

// GetRunCorrections returns the ordered correction history of a run.
func (c *Client) GetRunCorrections(runID string) ([]models.CorrectionRecord, error) {
	rows, err := c.db.Query(`
		SELECT id, run_id, sequence, strategy, targets, score_delta, failed, error, created_at
		FROM crag_corrections
		WHERE run_id = ?
		ORDER BY sequence ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get corrections: %w", err)
	}
	defer rows.Close()

	var records []models.CorrectionRecord
	for rows.Next() {
		var r models.CorrectionRecord
		var failed int
		var createdAt int64

		err := rows.Scan(&r.ID, &r.RunID, &r.Sequence, &r.Strategy, &r.Targets, &r.ScoreDelta, &failed, &r.Error, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.Failed = failed != 0
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

// GetRecentRuns returns the most recent runs, newest first.
func (c *Client) GetRecentRuns(limit int) ([]models.RunRecord, error) {
	rows, err := c.db.Query(`
		SELECT id, query_text, task_type, first_score, final_score, iteration_count, reason, latency_ms, created_at
		FROM crag_runs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent runs: %w", err)
	}
	defer rows.Close()

	var records []models.RunRecord
	for rows.Next() {
		var r models.RunRecord
		var createdAt int64

		err := rows.Scan(&r.ID, &r.QueryText, &r.TaskType, &r.FirstScore, &r.FinalScore, &r.IterationCount, &r.Reason, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}
