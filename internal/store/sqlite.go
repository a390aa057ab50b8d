package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/dredd-labs/modelmarket/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS threads (
	id               TEXT PRIMARY KEY,
	chat_id          INTEGER NOT NULL UNIQUE,
	arbiter_provider TEXT,
	arbiter_model    TEXT,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY,
	thread_id            TEXT NOT NULL REFERENCES threads(id),
	question             TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'in_progress',
	rounds_completed     INTEGER NOT NULL DEFAULT 0,
	convergence_achieved INTEGER NOT NULL DEFAULT 0,
	total_latency_ms     INTEGER NOT NULL DEFAULT 0,
	total_cost_usd       REAL NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS provider_answers (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	round        INTEGER NOT NULL,
	provider     TEXT NOT NULL,
	model        TEXT NOT NULL,
	status       TEXT NOT NULL,
	answer       TEXT NOT NULL DEFAULT '',
	confidence   REAL,
	key_claims   TEXT,
	assumptions  TEXT,
	citations    TEXT,
	usage        TEXT NOT NULL,
	latency_ms   INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	raw_response TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dredd_outputs (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL UNIQUE REFERENCES runs(id),
	provider           TEXT NOT NULL,
	model              TEXT NOT NULL,
	final_answer       TEXT,
	agreements         TEXT,
	conflicts          TEXT,
	fact_table         TEXT,
	next_questions     TEXT,
	overall_confidence REAL,
	arbiter_failed     INTEGER NOT NULL DEFAULT 0,
	latency_ms         INTEGER NOT NULL DEFAULT 0,
	cost_usd           REAL,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_thread_id ON runs(thread_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_provider_answers_run_round ON provider_answers(run_id, round);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOrCreateThread(ctx context.Context, chatID int64) (*model.Thread, error) {
	th, err := s.getThreadByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if th != nil {
		return th, nil
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, chat_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (chat_id) DO NOTHING`,
		id, chatID, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert thread")
	}

	// Re-read so a concurrent creator's row wins.
	th, err = s.getThreadByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if th == nil {
		return nil, eris.Errorf("sqlite: thread for chat %d missing after insert", chatID)
	}
	return th, nil
}

func (s *SQLiteStore) getThreadByChat(ctx context.Context, chatID int64) (*model.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, arbiter_provider, arbiter_model, created_at, updated_at
		 FROM threads WHERE chat_id = ?`,
		chatID,
	)
	var th model.Thread
	err := row.Scan(&th.ID, &th.ChatID, &th.ArbiterProvider, &th.ArbiterModel, &th.CreatedAt, &th.UpdatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get thread")
	}
	return &th, nil
}

func (s *SQLiteStore) SetThreadArbiter(ctx context.Context, threadID string, provider, modelName *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET arbiter_provider = ?, arbiter_model = ?, updated_at = ? WHERE id = ?`,
		provider, modelName, time.Now().UTC(), threadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set thread arbiter %s", threadID)
	}
	return checkRowsAffected(res, "thread", threadID)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, threadID, question string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, thread_id, question, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, threadID, question, string(model.RunStatusInProgress), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		ThreadID:  threadID,
		Question:  question,
		Status:    model.RunStatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, status model.RunStatus, totals RunTotals) error {
	if !status.Terminal() {
		return eris.Errorf("sqlite: finalize run %s with non-terminal status %s", runID, status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, rounds_completed = ?, convergence_achieved = ?,
		        total_latency_ms = ?, total_cost_usd = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), totals.RoundsCompleted, totals.ConvergenceAchieved,
		totals.TotalLatencyMS, totals.TotalCostUSD, time.Now().UTC(),
		runID, string(model.RunStatusInProgress),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return eris.Wrapf(ErrRunFinalized, "run %s", runID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, question, status, rounds_completed, convergence_achieved,
		        total_latency_ms, total_cost_usd, created_at, updated_at
		 FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	r.Answers, err = s.ListAnswers(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.Arbiter, err = s.GetArbiterOutput(ctx, runID)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, thread_id, question, status, rounds_completed, convergence_achieved,
	                 total_latency_ms, total_cost_usd, created_at, updated_at
	          FROM runs WHERE 1=1`
	var args []any

	if filter.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, filter.ThreadID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) InsertAnswer(ctx context.Context, ans *model.ProviderAnswer) error {
	cols, err := encodeAnswer(ans)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO provider_answers
		 (id, run_id, round, provider, model, status, answer, confidence, key_claims,
		  assumptions, citations, usage, latency_ms, error, raw_response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ans.ID, ans.RunID, ans.Round, ans.Provider, ans.Model, string(ans.Status),
		ans.Answer, ans.Confidence, cols.keyClaims, cols.assumptions, cols.citations,
		cols.usage, ans.LatencyMS, cols.callErr, cols.raw, ans.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert answer for run %s", ans.RunID)
}

func (s *SQLiteStore) ListAnswers(ctx context.Context, runID string) ([]model.ProviderAnswer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, round, provider, model, status, answer, confidence, key_claims,
		        assumptions, citations, usage, latency_ms, error, raw_response, created_at
		 FROM provider_answers WHERE run_id = ? ORDER BY round, created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list answers")
	}
	defer rows.Close()

	var answers []model.ProviderAnswer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, *a)
	}
	return answers, eris.Wrap(rows.Err(), "sqlite: list answers iterate")
}

func (s *SQLiteStore) InsertArbiterOutput(ctx context.Context, out *model.ArbiterOutput) error {
	cols, err := encodeArbiter(out)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dredd_outputs
		 (id, run_id, provider, model, final_answer, agreements, conflicts, fact_table,
		  next_questions, overall_confidence, arbiter_failed, latency_ms, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.RunID, out.Provider, out.Model, out.FinalAnswer, cols.agreements,
		cols.conflicts, cols.factTable, cols.nextQuestions, out.OverallConfidence,
		out.ArbiterFailed, out.LatencyMS, out.CostUSD, out.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert arbiter output for run %s", out.RunID)
}

func (s *SQLiteStore) GetArbiterOutput(ctx context.Context, runID string) (*model.ArbiterOutput, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, provider, model, final_answer, agreements, conflicts, fact_table,
		        next_questions, overall_confidence, arbiter_failed, latency_ms, cost_usd, created_at
		 FROM dredd_outputs WHERE run_id = ?`,
		runID,
	)
	out, err := scanArbiter(row)
	if isNoRows(err) {
		return nil, nil
	}
	return out, err
}

// helpers shared by both drivers

// isNoRows covers both drivers: pgx's ErrNoRows wraps sql.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	err := row.Scan(&r.ID, &r.ThreadID, &r.Question, &r.Status, &r.RoundsCompleted,
		&r.ConvergenceAchieved, &r.TotalLatencyMS, &r.TotalCostUSD, &r.CreatedAt, &r.UpdatedAt)
	if isNoRows(err) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	return &r, nil
}

type answerColumns struct {
	keyClaims   *string
	assumptions *string
	citations   *string
	usage       string
	callErr     *string
	raw         *string
}

func encodeAnswer(ans *model.ProviderAnswer) (*answerColumns, error) {
	var cols answerColumns
	var err error
	if cols.keyClaims, err = encodeNullableJSON(ans.KeyClaims, len(ans.KeyClaims) == 0); err != nil {
		return nil, err
	}
	if cols.assumptions, err = encodeNullableJSON(ans.Assumptions, len(ans.Assumptions) == 0); err != nil {
		return nil, err
	}
	if cols.citations, err = encodeNullableJSON(ans.Citations, len(ans.Citations) == 0); err != nil {
		return nil, err
	}
	if cols.callErr, err = encodeNullableJSON(ans.Error, ans.Error == nil); err != nil {
		return nil, err
	}

	usageJSON, err := json.Marshal(ans.Usage)
	if err != nil {
		return nil, eris.Wrap(err, "marshal usage")
	}
	cols.usage = string(usageJSON)

	if ans.RawResponse != "" {
		raw := ans.RawResponse
		cols.raw = &raw
	}
	return &cols, nil
}

func scanAnswer(row scannable) (*model.ProviderAnswer, error) {
	var a model.ProviderAnswer
	var keyClaims, assumptions, citations, callErr, raw *string
	var usageJSON string

	err := row.Scan(&a.ID, &a.RunID, &a.Round, &a.Provider, &a.Model, &a.Status, &a.Answer,
		&a.Confidence, &keyClaims, &assumptions, &citations, &usageJSON, &a.LatencyMS,
		&callErr, &raw, &a.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "scan answer")
	}

	if err := json.Unmarshal([]byte(usageJSON), &a.Usage); err != nil {
		return nil, eris.Wrap(err, "unmarshal usage")
	}
	if err := decodeNullableJSON(keyClaims, &a.KeyClaims); err != nil {
		return nil, err
	}
	if err := decodeNullableJSON(assumptions, &a.Assumptions); err != nil {
		return nil, err
	}
	if err := decodeNullableJSON(citations, &a.Citations); err != nil {
		return nil, err
	}
	if callErr != nil {
		a.Error = &model.CallError{}
		if err := json.Unmarshal([]byte(*callErr), a.Error); err != nil {
			return nil, eris.Wrap(err, "unmarshal call error")
		}
	}
	if raw != nil {
		a.RawResponse = *raw
	}
	return &a, nil
}

type arbiterColumns struct {
	agreements    *string
	conflicts     *string
	factTable     *string
	nextQuestions *string
}

func encodeArbiter(out *model.ArbiterOutput) (*arbiterColumns, error) {
	var cols arbiterColumns
	var err error
	if cols.agreements, err = encodeNullableJSON(out.Agreements, len(out.Agreements) == 0); err != nil {
		return nil, err
	}
	if cols.conflicts, err = encodeNullableJSON(out.Conflicts, len(out.Conflicts) == 0); err != nil {
		return nil, err
	}
	if cols.factTable, err = encodeNullableJSON(out.FactTable, len(out.FactTable) == 0); err != nil {
		return nil, err
	}
	if cols.nextQuestions, err = encodeNullableJSON(out.NextQuestions, len(out.NextQuestions) == 0); err != nil {
		return nil, err
	}
	return &cols, nil
}

func scanArbiter(row scannable) (*model.ArbiterOutput, error) {
	var o model.ArbiterOutput
	var agreements, conflicts, factTable, nextQuestions *string

	err := row.Scan(&o.ID, &o.RunID, &o.Provider, &o.Model, &o.FinalAnswer, &agreements,
		&conflicts, &factTable, &nextQuestions, &o.OverallConfidence, &o.ArbiterFailed,
		&o.LatencyMS, &o.CostUSD, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := decodeNullableJSON(agreements, &o.Agreements); err != nil {
		return nil, err
	}
	if err := decodeNullableJSON(conflicts, &o.Conflicts); err != nil {
		return nil, err
	}
	if err := decodeNullableJSON(factTable, &o.FactTable); err != nil {
		return nil, err
	}
	if err := decodeNullableJSON(nextQuestions, &o.NextQuestions); err != nil {
		return nil, err
	}
	return &o, nil
}

func encodeNullableJSON(v any, empty bool) (*string, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "marshal json column")
	}
	s := string(b)
	return &s, nil
}

func decodeNullableJSON(src *string, dst any) error {
	if src == nil {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(*src), dst), "unmarshal json column")
}
