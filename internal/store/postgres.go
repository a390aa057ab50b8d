package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/dredd-labs/modelmarket/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies
// it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot round-loop writes.
var preparedStatements = map[string]string{
	"insert_answer": `INSERT INTO provider_answers
		(id, run_id, round, provider, model, status, answer, confidence, key_claims,
		 assumptions, citations, usage, latency_ms, error, raw_response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
	"insert_run": `INSERT INTO runs (id, thread_id, question, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
	"get_run": `SELECT id, thread_id, question, status, rounds_completed, convergence_achieved,
		total_latency_ms, total_cost_usd, created_at, updated_at FROM runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS threads (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	chat_id          BIGINT NOT NULL UNIQUE,
	arbiter_provider TEXT,
	arbiter_model    TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	thread_id            TEXT NOT NULL REFERENCES threads(id),
	question             TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'in_progress',
	rounds_completed     INTEGER NOT NULL DEFAULT 0,
	convergence_achieved BOOLEAN NOT NULL DEFAULT false,
	total_latency_ms     BIGINT NOT NULL DEFAULT 0,
	total_cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS provider_answers (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	round        INTEGER NOT NULL,
	provider     TEXT NOT NULL,
	model        TEXT NOT NULL,
	status       TEXT NOT NULL,
	answer       TEXT NOT NULL DEFAULT '',
	confidence   DOUBLE PRECISION,
	key_claims   JSONB,
	assumptions  JSONB,
	citations    JSONB,
	usage        JSONB NOT NULL,
	latency_ms   BIGINT NOT NULL DEFAULT 0,
	error        JSONB,
	raw_response TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dredd_outputs (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id             TEXT NOT NULL UNIQUE REFERENCES runs(id),
	provider           TEXT NOT NULL,
	model              TEXT NOT NULL,
	final_answer       TEXT,
	agreements         JSONB,
	conflicts          JSONB,
	fact_table         JSONB,
	next_questions     JSONB,
	overall_confidence DOUBLE PRECISION,
	arbiter_failed     BOOLEAN NOT NULL DEFAULT false,
	latency_ms         BIGINT NOT NULL DEFAULT 0,
	cost_usd           DOUBLE PRECISION,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_thread_id ON runs(thread_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_provider_answers_run_round ON provider_answers(run_id, round);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetOrCreateThread(ctx context.Context, chatID int64) (*model.Thread, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	// Upsert-then-read keeps a single row per chat under concurrent creates.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, chat_id, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chat_id) DO NOTHING`,
		id, chatID, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert thread")
	}

	var th model.Thread
	err = s.pool.QueryRow(ctx,
		`SELECT id, chat_id, arbiter_provider, arbiter_model, created_at, updated_at
		 FROM threads WHERE chat_id = $1`,
		chatID,
	).Scan(&th.ID, &th.ChatID, &th.ArbiterProvider, &th.ArbiterModel, &th.CreatedAt, &th.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get thread")
	}
	return &th, nil
}

func (s *PostgresStore) SetThreadArbiter(ctx context.Context, threadID string, provider, modelName *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET arbiter_provider = $1, arbiter_model = $2, updated_at = $3 WHERE id = $4`,
		provider, modelName, time.Now().UTC(), threadID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set thread arbiter %s", threadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, threadID, question string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, thread_id, question, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, threadID, question, string(model.RunStatusInProgress), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) FinalizeRun(ctx context.Context, runID string, status model.RunStatus, totals RunTotals) error {
	if !status.Terminal() {
		return eris.Errorf("postgres: finalize run %s with non-terminal status %s", runID, status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, rounds_completed = $2, convergence_achieved = $3,
		        total_latency_ms = $4, total_cost_usd = $5, updated_at = $6
		 WHERE id = $7 AND status = $8`,
		string(status), totals.RoundsCompleted, totals.ConvergenceAchieved,
		totals.TotalLatencyMS, totals.TotalCostUSD, time.Now().UTC(),
		runID, string(model.RunStatusInProgress),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return eris.Wrapf(ErrRunFinalized, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, thread_id, question, status, rounds_completed, convergence_achieved,
		        total_latency_ms, total_cost_usd, created_at, updated_at
		 FROM runs WHERE id = $1`,
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

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, thread_id, question, status, rounds_completed, convergence_achieved,
	                 total_latency_ms, total_cost_usd, created_at, updated_at
	          FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ThreadID != "" {
		query += fmt.Sprintf(` AND thread_id = $%d`, argIdx)
		args = append(args, filter.ThreadID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
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
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) InsertAnswer(ctx context.Context, ans *model.ProviderAnswer) error {
	cols, err := encodeAnswer(ans)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, preparedStatements["insert_answer"],
		ans.ID, ans.RunID, ans.Round, ans.Provider, ans.Model, string(ans.Status),
		ans.Answer, ans.Confidence, cols.keyClaims, cols.assumptions, cols.citations,
		cols.usage, ans.LatencyMS, cols.callErr, cols.raw, ans.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert answer for run %s", ans.RunID)
}

func (s *PostgresStore) ListAnswers(ctx context.Context, runID string) ([]model.ProviderAnswer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, round, provider, model, status, answer, confidence, key_claims,
		        assumptions, citations, usage, latency_ms, error, raw_response, created_at
		 FROM provider_answers WHERE run_id = $1 ORDER BY round, created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list answers")
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
	return answers, eris.Wrap(rows.Err(), "postgres: list answers iterate")
}

func (s *PostgresStore) InsertArbiterOutput(ctx context.Context, out *model.ArbiterOutput) error {
	cols, err := encodeArbiter(out)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dredd_outputs
		 (id, run_id, provider, model, final_answer, agreements, conflicts, fact_table,
		  next_questions, overall_confidence, arbiter_failed, latency_ms, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		out.ID, out.RunID, out.Provider, out.Model, out.FinalAnswer, cols.agreements,
		cols.conflicts, cols.factTable, cols.nextQuestions, out.OverallConfidence,
		out.ArbiterFailed, out.LatencyMS, out.CostUSD, out.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert arbiter output for run %s", out.RunID)
}

func (s *PostgresStore) GetArbiterOutput(ctx context.Context, runID string) (*model.ArbiterOutput, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, run_id, provider, model, final_answer, agreements, conflicts, fact_table,
		        next_questions, overall_confidence, arbiter_failed, latency_ms, cost_usd, created_at
		 FROM dredd_outputs WHERE run_id = $1`,
		runID,
	)
	out, err := scanArbiter(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get arbiter output")
	}
	return out, nil
}
