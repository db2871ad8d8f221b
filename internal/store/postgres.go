package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/grassroots-hq/decision-engine/internal/db"
	"github.com/grassroots-hq/decision-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_grade":        `SELECT entity_id, scope_type, scope_key, rank, percentile, band, computed_at FROM grade_assignments WHERE entity_id = $1 AND scope_type = $2`,
	"get_cache":        `SELECT key, artifact, size, duration_ms, quality, hit_count, created_at, last_hit_at, expires_at FROM cache_entries WHERE key = $1 AND expires_at > now()`,
	"touch_cache":      `UPDATE cache_entries SET hit_count = hit_count + 1, last_hit_at = now() WHERE key = $1 AND expires_at > now()`,
	"insert_txn":       `INSERT INTO budget_transactions (id, category, period, quantity, unit_cost, total_cost, reference, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"spent_in_period":  `SELECT COALESCE(SUM(total_cost), 0) FROM budget_transactions WHERE category = $1 AND period = $2`,
	"approval_snapshot": `SELECT a.allocated, a.contingency, COALESCE((SELECT SUM(t.total_cost) FROM budget_transactions t WHERE t.category = a.category AND t.period = a.period), 0) FROM budget_allocations a WHERE a.category = $1 AND a.period = $2`,
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
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL DEFAULT 'donor',
	full_name  TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	address    TEXT NOT NULL DEFAULT '',
	city       TEXT NOT NULL DEFAULT '',
	zip_code   TEXT NOT NULL DEFAULT '',
	social_ids JSONB,
	state      TEXT NOT NULL DEFAULT '',
	district   TEXT NOT NULL DEFAULT '',
	county     TEXT NOT NULL DEFAULT '',
	metric     DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entities_state ON entities(state);
CREATE INDEX IF NOT EXISTS idx_entities_district ON entities(district);
CREATE INDEX IF NOT EXISTS idx_entities_county ON entities(county);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

CREATE TABLE IF NOT EXISTS grade_assignments (
	entity_id   TEXT NOT NULL,
	scope_type  TEXT NOT NULL,
	scope_key   TEXT NOT NULL,
	rank        INTEGER NOT NULL DEFAULT 0,
	percentile  DOUBLE PRECISION NOT NULL DEFAULT 0,
	band        TEXT NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_id, scope_type)
);

CREATE INDEX IF NOT EXISTS idx_grades_partition ON grade_assignments(scope_type, scope_key);

CREATE TABLE IF NOT EXISTS scope_stats (
	scope_type   TEXT NOT NULL,
	scope_key    TEXT NOT NULL,
	entity_count INTEGER NOT NULL DEFAULT 0,
	total_value  DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_value    DOUBLE PRECISION NOT NULL DEFAULT 0,
	computed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scope_type, scope_key)
);

CREATE TABLE IF NOT EXISTS decisions (
	id             TEXT PRIMARY KEY,
	trigger_id     TEXT NOT NULL UNIQUE,
	category       TEXT NOT NULL,
	period         TEXT NOT NULL,
	scores         JSONB NOT NULL,
	composite      DOUBLE PRECISION NOT NULL,
	outcome        TEXT NOT NULL,
	executed       BOOLEAN NOT NULL DEFAULT false,
	actual_cost    NUMERIC,
	actual_success BOOLEAN,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	executed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);

CREATE TABLE IF NOT EXISTS budget_allocations (
	period      TEXT NOT NULL,
	category    TEXT NOT NULL,
	allocated   NUMERIC NOT NULL DEFAULT 0,
	reserved    NUMERIC NOT NULL DEFAULT 0,
	contingency NUMERIC NOT NULL DEFAULT 0,
	PRIMARY KEY (period, category)
);

CREATE TABLE IF NOT EXISTS budget_transactions (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	period     TEXT NOT NULL,
	quantity   NUMERIC NOT NULL,
	unit_cost  NUMERIC NOT NULL,
	total_cost NUMERIC NOT NULL,
	reference  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_txns_category_period ON budget_transactions(category, period);

CREATE TABLE IF NOT EXISTS budget_snapshots (
	period      TEXT NOT NULL,
	category    TEXT NOT NULL,
	allocated   NUMERIC NOT NULL DEFAULT 0,
	spent       NUMERIC NOT NULL DEFAULT 0,
	variance    NUMERIC NOT NULL DEFAULT 0,
	label       TEXT NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (period, category)
);

CREATE TABLE IF NOT EXISTS enrichment_attempts (
	id            TEXT PRIMARY KEY,
	target_type   TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	goal          TEXT NOT NULL,
	step_order    INTEGER NOT NULL,
	source_id     TEXT NOT NULL,
	success       BOOLEAN NOT NULL,
	fields_filled JSONB,
	conf_delta    INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	attempted_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attempts_target ON enrichment_attempts(target_type, target_id);

CREATE TABLE IF NOT EXISTS cache_entries (
	key         TEXT PRIMARY KEY,
	artifact    BYTEA NOT NULL,
	size        INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	quality     DOUBLE PRECISION NOT NULL DEFAULT 0,
	hit_count   INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_hit_at TIMESTAMPTZ,
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries(expires_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Entities

func (s *PostgresStore) UpsertEntity(ctx context.Context, e model.Entity) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	socialJSON, err := json.Marshal(e.SocialIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal social ids")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO entities (id, type, full_name, email, phone, address, city, zip_code, social_ids, state, district, county, metric, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   type = $2, full_name = $3, email = $4, phone = $5, address = $6,
		   city = $7, zip_code = $8, social_ids = $9, state = $10,
		   district = $11, county = $12, metric = $13, updated_at = $15`,
		e.ID, string(e.Type), e.FullName, e.Email, e.Phone, e.Address,
		e.City, e.ZipCode, socialJSON, e.State, e.District, e.County,
		e.Metric, e.CreatedAt, now,
	)
	return eris.Wrapf(err, "postgres: upsert entity %s", e.ID)
}

// ImportEntities bulk-upserts entities through a temp table. Existing
// rows keep their created_at.
func (s *PostgresStore) ImportEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	if len(entities) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(entities))
	for i := range entities {
		e := entities[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		socialJSON, err := json.Marshal(e.SocialIDs)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal social ids for %s", e.ID)
		}
		rows = append(rows, []any{
			e.ID, string(e.Type), e.FullName, e.Email, e.Phone, e.Address,
			e.City, e.ZipCode, socialJSON, e.State, e.District, e.County,
			e.Metric, e.CreatedAt, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "entities",
		Columns: []string{
			"id", "type", "full_name", "email", "phone", "address",
			"city", "zip_code", "social_ids", "state", "district", "county",
			"metric", "created_at", "updated_at",
		},
		ConflictKeys: []string{"id"},
		UpdateCols: []string{
			"type", "full_name", "email", "phone", "address",
			"city", "zip_code", "social_ids", "state", "district", "county",
			"metric", "updated_at",
		},
	}, rows)
	return n, eris.Wrap(err, "postgres: import entities")
}

const entityColumns = `id, type, full_name, email, phone, address, city, zip_code, social_ids, state, district, county, metric, created_at, updated_at`

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return e, nil
}

func (s *PostgresStore) ListEntitiesByScope(ctx context.Context, scope model.GradeScope) ([]model.Entity, error) {
	var col string
	switch scope.Type {
	case model.ScopeState:
		col = "state"
	case model.ScopeDistrict:
		col = "district"
	case model.ScopeCounty:
		col = "county"
	default:
		return nil, eris.Errorf("postgres: unknown scope type %q", scope.Type)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE `+col+` = $1`, scope.Key)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities by scope")
	}
	defer rows.Close()

	return collectEntities(rows, "postgres: list entities by scope")
}

func (s *PostgresStore) ListEntitiesByType(ctx context.Context, t model.EntityType, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE type = $1 ORDER BY updated_at DESC LIMIT $2`,
		string(t), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities by type")
	}
	defer rows.Close()

	return collectEntities(rows, "postgres: list entities by type")
}

func (s *PostgresStore) ListScopeKeys(ctx context.Context, scopeType model.GradeScopeType) ([]string, error) {
	var col string
	switch scopeType {
	case model.ScopeState:
		col = "state"
	case model.ScopeDistrict:
		col = "district"
	case model.ScopeCounty:
		col = "county"
	default:
		return nil, eris.Errorf("postgres: unknown scope type %q", scopeType)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT `+col+` FROM entities WHERE `+col+` <> '' ORDER BY `+col)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scope keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scope key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: list scope keys iterate")
}

func (s *PostgresStore) UpdateEntityContact(ctx context.Context, e model.Entity) error {
	socialJSON, err := json.Marshal(e.SocialIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal social ids")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET full_name = $1, email = $2, phone = $3, address = $4,
		   city = $5, zip_code = $6, social_ids = $7, updated_at = $8
		 WHERE id = $9`,
		e.FullName, e.Email, e.Phone, e.Address, e.City, e.ZipCode,
		socialJSON, time.Now().UTC(), e.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update entity contact %s", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("entity not found: %s", e.ID)
	}
	return nil
}

// Grades

func (s *PostgresStore) ReplaceGradeAssignments(ctx context.Context, scope model.GradeScope, assignments []model.GradeAssignment, stats model.ScopeStats) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin grade swap")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`DELETE FROM grade_assignments WHERE scope_type = $1 AND scope_key = $2`,
		string(scope.Type), scope.Key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: clear partition %s", scope)
	}

	rows := make([][]any, 0, len(assignments))
	for _, a := range assignments {
		rows = append(rows, []any{
			a.EntityID, string(a.Scope.Type), a.Scope.Key,
			a.Rank, a.Percentile, a.Band, a.ComputedAt,
		})
	}
	cols := []string{"entity_id", "scope_type", "scope_key", "rank", "percentile", "band", "computed_at"}
	if _, err := db.CopyFrom(ctx, tx, "grade_assignments", cols, rows); err != nil {
		return eris.Wrapf(err, "postgres: load partition %s", scope)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO scope_stats (scope_type, scope_key, entity_count, total_value, avg_value, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (scope_type, scope_key) DO UPDATE SET
		   entity_count = $3, total_value = $4, avg_value = $5, computed_at = $6`,
		string(scope.Type), scope.Key, stats.EntityCount, stats.TotalValue,
		stats.AvgValue, stats.ComputedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: refresh stats %s", scope)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit grade swap")
}

func (s *PostgresStore) GetGradeAssignment(ctx context.Context, entityID string, scopeType model.GradeScopeType) (*model.GradeAssignment, error) {
	var a model.GradeAssignment
	var st string
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, scope_type, scope_key, rank, percentile, band, computed_at
		 FROM grade_assignments WHERE entity_id = $1 AND scope_type = $2`,
		entityID, string(scopeType),
	).Scan(&a.EntityID, &st, &a.Scope.Key, &a.Rank, &a.Percentile, &a.Band, &a.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get grade %s/%s", entityID, scopeType)
	}
	a.Scope.Type = model.GradeScopeType(st)
	return &a, nil
}

func (s *PostgresStore) GetScopeStats(ctx context.Context, scope model.GradeScope) (*model.ScopeStats, error) {
	var st model.ScopeStats
	var scopeType string
	err := s.pool.QueryRow(ctx,
		`SELECT scope_type, scope_key, entity_count, total_value, avg_value, computed_at
		 FROM scope_stats WHERE scope_type = $1 AND scope_key = $2`,
		string(scope.Type), scope.Key,
	).Scan(&scopeType, &st.Scope.Key, &st.EntityCount, &st.TotalValue, &st.AvgValue, &st.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get scope stats %s", scope)
	}
	st.Scope.Type = model.GradeScopeType(scopeType)
	return &st, nil
}

// Decisions

func (s *PostgresStore) InsertDecision(ctx context.Context, d *model.Decision, category, period string) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	scoresJSON, err := json.Marshal(d.Scores)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal scores")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (id, trigger_id, category, period, scores, composite, outcome, executed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)`,
		d.ID, d.TriggerID, category, period, scoresJSON, d.Composite,
		string(d.Outcome), d.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert decision for trigger %s", d.TriggerID)
}

const decisionColumns = `id, trigger_id, scores, composite, outcome, executed, actual_cost, actual_success, created_at, executed_at`

func (s *PostgresStore) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get decision %s", id)
	}
	return d, nil
}

func (s *PostgresStore) GetDecisionByTrigger(ctx context.Context, triggerID string) (*model.Decision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE trigger_id = $1`, triggerID)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get decision by trigger %s", triggerID)
	}
	return d, nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Outcome != "" {
		query += fmt.Sprintf(` AND outcome = $%d`, argIdx)
		args = append(args, string(filter.Outcome))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
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
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var decisions []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		decisions = append(decisions, *d)
	}
	return decisions, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

func (s *PostgresStore) FlagDecisionForReview(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE decisions SET outcome = $1 WHERE id = $2 AND executed = false`,
		string(model.OutcomeManualReview), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: flag decision %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("decision not found or already executed: %s", id)
	}
	return nil
}

func (s *PostgresStore) ExecuteDecision(ctx context.Context, p ExecuteParams) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return eris.Wrap(err, "postgres: begin execute decision")
	}
	defer tx.Rollback(ctx)

	var category, period, outcome string
	var executed bool
	err = tx.QueryRow(ctx,
		`SELECT category, period, outcome, executed FROM decisions WHERE id = $1 FOR UPDATE`,
		p.DecisionID,
	).Scan(&category, &period, &outcome, &executed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("decision not found: %s", p.DecisionID)
		}
		return eris.Wrapf(err, "postgres: lock decision %s", p.DecisionID)
	}
	if executed {
		return eris.Errorf("decision already executed: %s", p.DecisionID)
	}
	if outcome != string(model.OutcomeGo) {
		return ErrDecisionNotGo
	}

	// Optimistic re-check: the approval that produced the GO may be stale
	// by the time the costed action runs.
	if !p.Override {
		var allocated, contingency, spent decimal.Decimal
		err = tx.QueryRow(ctx,
			`SELECT a.allocated, a.contingency,
			   COALESCE((SELECT SUM(t.total_cost) FROM budget_transactions t
			     WHERE t.category = a.category AND t.period = a.period), 0)
			 FROM budget_allocations a WHERE a.category = $1 AND a.period = $2`,
			category, period,
		).Scan(&allocated, &contingency, &spent)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrBudgetExceeded
			}
			return eris.Wrap(err, "postgres: execution budget re-check")
		}
		if spent.Add(p.ActualCost).GreaterThan(allocated.Add(contingency)) {
			return ErrBudgetExceeded
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO budget_transactions (id, category, period, quantity, unit_cost, total_cost, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), category, period,
		decimal.NewFromInt(1), p.ActualCost, p.ActualCost, p.Reference, now,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: post execution cost")
	}

	_, err = tx.Exec(ctx,
		`UPDATE decisions SET executed = true, actual_cost = $1, actual_success = $2, executed_at = $3 WHERE id = $4`,
		p.ActualCost, p.Success, now, p.DecisionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark decision executed %s", p.DecisionID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit execute decision")
}

// Budget

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *model.BudgetTransaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_transactions (id, category, period, quantity, unit_cost, total_cost, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Category, t.Period, t.Quantity, t.UnitCost, t.TotalCost,
		t.Reference, t.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert transaction")
}

func (s *PostgresStore) SpentInPeriod(ctx context.Context, category, period string) (decimal.Decimal, error) {
	var spent decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_cost), 0) FROM budget_transactions WHERE category = $1 AND period = $2`,
		category, period,
	).Scan(&spent)
	return spent, eris.Wrap(err, "postgres: spent in period")
}

func (s *PostgresStore) GetAllocation(ctx context.Context, category, period string) (*model.BudgetAllocation, error) {
	var a model.BudgetAllocation
	err := s.pool.QueryRow(ctx,
		`SELECT period, category, allocated, reserved, contingency
		 FROM budget_allocations WHERE category = $1 AND period = $2`,
		category, period,
	).Scan(&a.Period, &a.Category, &a.Allocated, &a.Reserved, &a.Contingency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get allocation %s/%s", category, period)
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAllocation(ctx context.Context, a model.BudgetAllocation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_allocations (period, category, allocated, reserved, contingency)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (period, category) DO UPDATE SET
		   allocated = $3, reserved = $4, contingency = $5`,
		a.Period, a.Category, a.Allocated, a.Reserved, a.Contingency,
	)
	return eris.Wrap(err, "postgres: upsert allocation")
}

func (s *PostgresStore) ListAllocations(ctx context.Context, period string) ([]model.BudgetAllocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT period, category, allocated, reserved, contingency
		 FROM budget_allocations WHERE period = $1 ORDER BY category`,
		period,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list allocations")
	}
	defer rows.Close()

	var allocs []model.BudgetAllocation
	for rows.Next() {
		var a model.BudgetAllocation
		if err := rows.Scan(&a.Period, &a.Category, &a.Allocated, &a.Reserved, &a.Contingency); err != nil {
			return nil, eris.Wrap(err, "postgres: scan allocation")
		}
		allocs = append(allocs, a)
	}
	return allocs, eris.Wrap(rows.Err(), "postgres: list allocations iterate")
}

func (s *PostgresStore) SnapshotForApproval(ctx context.Context, category, period string) (BudgetSnapshot, error) {
	var snap BudgetSnapshot
	err := s.pool.QueryRow(ctx,
		`SELECT a.allocated, a.contingency,
		   COALESCE((SELECT SUM(t.total_cost) FROM budget_transactions t
		     WHERE t.category = a.category AND t.period = a.period), 0)
		 FROM budget_allocations a WHERE a.category = $1 AND a.period = $2`,
		category, period,
	).Scan(&snap.Allocated, &snap.Contingency, &snap.Spent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BudgetSnapshot{}, nil
		}
		return BudgetSnapshot{}, eris.Wrap(err, "postgres: approval snapshot")
	}
	snap.Found = true
	return snap, nil
}

func (s *PostgresStore) UpsertBudgetStatus(ctx context.Context, st model.BudgetStatus) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_snapshots (period, category, allocated, spent, variance, label, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (period, category) DO UPDATE SET
		   allocated = $3, spent = $4, variance = $5, label = $6, computed_at = $7`,
		st.Period, st.Category, st.Allocated, st.Spent, st.Variance,
		string(st.Label), time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: upsert budget snapshot")
}

// Enrichment

func (s *PostgresStore) InsertAttempt(ctx context.Context, a model.EnrichmentAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}

	fieldsJSON, err := json.Marshal(a.FieldsFilled)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fields filled")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichment_attempts (id, target_type, target_id, goal, step_order, source_id, success, fields_filled, conf_delta, error, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.TargetType, a.TargetID, a.Goal, a.StepOrder, a.SourceID,
		a.Success, fieldsJSON, a.ConfDelta, a.Error, a.AttemptedAt,
	)
	return eris.Wrap(err, "postgres: insert enrichment attempt")
}

func (s *PostgresStore) ListAttempts(ctx context.Context, targetID string) ([]model.EnrichmentAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, target_type, target_id, goal, step_order, source_id, success, fields_filled, conf_delta, error, attempted_at
		 FROM enrichment_attempts WHERE target_id = $1 ORDER BY attempted_at, step_order`,
		targetID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var attempts []model.EnrichmentAttempt
	for rows.Next() {
		var a model.EnrichmentAttempt
		var fieldsJSON []byte
		if err := rows.Scan(&a.ID, &a.TargetType, &a.TargetID, &a.Goal, &a.StepOrder,
			&a.SourceID, &a.Success, &fieldsJSON, &a.ConfDelta, &a.Error, &a.AttemptedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &a.FieldsFilled); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal fields filled")
			}
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

// Cache

func (s *PostgresStore) GetValidCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var durationMS int64
	err := s.pool.QueryRow(ctx,
		`SELECT key, artifact, size, duration_ms, quality, hit_count, created_at, last_hit_at, expires_at
		 FROM cache_entries WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&e.Key, &e.Artifact, &e.Size, &durationMS, &e.Quality, &e.HitCount,
		&e.CreatedAt, &e.LastHitAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	return &e, nil
}

func (s *PostgresStore) TouchCacheHit(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_hit_at = now()
		 WHERE key = $1 AND expires_at > now()`,
		key,
	)
	return eris.Wrap(err, "postgres: touch cache hit")
}

func (s *PostgresStore) UpsertCacheEntry(ctx context.Context, e model.CacheEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	// hit_count carries over from any stale entry for the same key:
	// observed reuse counts persist across refresh.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (key, artifact, size, duration_ms, quality, hit_count, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		 ON CONFLICT (key) DO UPDATE SET
		   artifact = $2, size = $3, duration_ms = $4, quality = $5,
		   hit_count = cache_entries.hit_count, created_at = $6, expires_at = $7`,
		e.Key, e.Artifact, e.Size, e.Duration.Milliseconds(), e.Quality,
		e.CreatedAt, e.ExpiresAt,
	)
	return eris.Wrap(err, "postgres: upsert cache entry")
}

func (s *PostgresStore) DeleteExpiredCacheEntries(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache entries")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	var st CacheStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hit_count), 0), COALESCE(SUM(size), 0) FROM cache_entries`,
	).Scan(&st.Entries, &st.TotalHits, &st.TotalSize)
	return &st, eris.Wrap(err, "postgres: cache stats")
}

// scan helpers

type scannableRow interface {
	Scan(dest ...any) error
}

func scanEntity(row scannableRow) (*model.Entity, error) {
	var e model.Entity
	var typ string
	var socialJSON []byte

	err := row.Scan(&e.ID, &typ, &e.FullName, &e.Email, &e.Phone, &e.Address,
		&e.City, &e.ZipCode, &socialJSON, &e.State, &e.District, &e.County,
		&e.Metric, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = model.EntityType(typ)
	if len(socialJSON) > 0 {
		if err := json.Unmarshal(socialJSON, &e.SocialIDs); err != nil {
			return nil, eris.Wrap(err, "unmarshal social ids")
		}
	}
	return &e, nil
}

func collectEntities(rows pgx.Rows, opName string) ([]model.Entity, error) {
	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, opName)
		}
		entities = append(entities, *e)
	}
	return entities, eris.Wrap(rows.Err(), opName)
}

func scanDecision(row scannableRow) (*model.Decision, error) {
	var d model.Decision
	var outcome string
	var scoresJSON []byte
	var actualCost decimal.NullDecimal
	var actualSuccess sql.NullBool

	err := row.Scan(&d.ID, &d.TriggerID, &scoresJSON, &d.Composite, &outcome,
		&d.Executed, &actualCost, &actualSuccess, &d.CreatedAt, &d.ExecutedAt)
	if err != nil {
		return nil, err
	}
	d.Outcome = model.DecisionOutcome(outcome)
	if actualCost.Valid {
		d.ActualCost = &actualCost.Decimal
	}
	if actualSuccess.Valid {
		d.ActualSuccess = &actualSuccess.Bool
	}
	if err := json.Unmarshal(scoresJSON, &d.Scores); err != nil {
		return nil, eris.Wrap(err, "unmarshal scores")
	}
	return &d, nil
}
