package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the
// development and test driver; production runs on Postgres.
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL DEFAULT 'donor',
	full_name  TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	address    TEXT NOT NULL DEFAULT '',
	city       TEXT NOT NULL DEFAULT '',
	zip_code   TEXT NOT NULL DEFAULT '',
	social_ids TEXT,
	state      TEXT NOT NULL DEFAULT '',
	district   TEXT NOT NULL DEFAULT '',
	county     TEXT NOT NULL DEFAULT '',
	metric     REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_entities_state ON entities(state);
CREATE INDEX IF NOT EXISTS idx_entities_district ON entities(district);
CREATE INDEX IF NOT EXISTS idx_entities_county ON entities(county);

CREATE TABLE IF NOT EXISTS grade_assignments (
	entity_id   TEXT NOT NULL,
	scope_type  TEXT NOT NULL,
	scope_key   TEXT NOT NULL,
	rank        INTEGER NOT NULL DEFAULT 0,
	percentile  REAL NOT NULL DEFAULT 0,
	band        TEXT NOT NULL,
	computed_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, scope_type)
);

CREATE INDEX IF NOT EXISTS idx_grades_partition ON grade_assignments(scope_type, scope_key);

CREATE TABLE IF NOT EXISTS scope_stats (
	scope_type   TEXT NOT NULL,
	scope_key    TEXT NOT NULL,
	entity_count INTEGER NOT NULL DEFAULT 0,
	total_value  REAL NOT NULL DEFAULT 0,
	avg_value    REAL NOT NULL DEFAULT 0,
	computed_at  DATETIME NOT NULL,
	PRIMARY KEY (scope_type, scope_key)
);

CREATE TABLE IF NOT EXISTS decisions (
	id             TEXT PRIMARY KEY,
	trigger_id     TEXT NOT NULL UNIQUE,
	category       TEXT NOT NULL,
	period         TEXT NOT NULL,
	scores         TEXT NOT NULL,
	composite      REAL NOT NULL,
	outcome        TEXT NOT NULL,
	executed       INTEGER NOT NULL DEFAULT 0,
	actual_cost    TEXT,
	actual_success INTEGER,
	created_at     DATETIME NOT NULL,
	executed_at    DATETIME
);

CREATE TABLE IF NOT EXISTS budget_allocations (
	period      TEXT NOT NULL,
	category    TEXT NOT NULL,
	allocated   TEXT NOT NULL DEFAULT '0',
	reserved    TEXT NOT NULL DEFAULT '0',
	contingency TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (period, category)
);

CREATE TABLE IF NOT EXISTS budget_transactions (
	id         TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	period     TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	unit_cost  TEXT NOT NULL,
	total_cost TEXT NOT NULL,
	reference  TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_txns_category_period ON budget_transactions(category, period);

CREATE TABLE IF NOT EXISTS budget_snapshots (
	period      TEXT NOT NULL,
	category    TEXT NOT NULL,
	allocated   TEXT NOT NULL DEFAULT '0',
	spent       TEXT NOT NULL DEFAULT '0',
	variance    TEXT NOT NULL DEFAULT '0',
	label       TEXT NOT NULL,
	computed_at DATETIME NOT NULL,
	PRIMARY KEY (period, category)
);

CREATE TABLE IF NOT EXISTS enrichment_attempts (
	id            TEXT PRIMARY KEY,
	target_type   TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	goal          TEXT NOT NULL,
	step_order    INTEGER NOT NULL,
	source_id     TEXT NOT NULL,
	success       INTEGER NOT NULL,
	fields_filled TEXT,
	conf_delta    INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	attempted_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key         TEXT PRIMARY KEY,
	artifact    BLOB NOT NULL,
	size        INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	quality     REAL NOT NULL DEFAULT 0,
	hit_count   INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	last_hit_at DATETIME,
	expires_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Entities

func (s *SQLiteStore) UpsertEntity(ctx context.Context, e model.Entity) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	socialJSON, err := json.Marshal(e.SocialIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal social ids")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, type, full_name, email, phone, address, city, zip_code, social_ids, state, district, county, metric, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   type = excluded.type, full_name = excluded.full_name,
		   email = excluded.email, phone = excluded.phone,
		   address = excluded.address, city = excluded.city,
		   zip_code = excluded.zip_code, social_ids = excluded.social_ids,
		   state = excluded.state, district = excluded.district,
		   county = excluded.county, metric = excluded.metric,
		   updated_at = excluded.updated_at`,
		e.ID, string(e.Type), e.FullName, e.Email, e.Phone, e.Address,
		e.City, e.ZipCode, string(socialJSON), e.State, e.District, e.County,
		e.Metric, e.CreatedAt, now,
	)
	return eris.Wrapf(err, "sqlite: upsert entity %s", e.ID)
}

// ImportEntities upserts entities one statement at a time inside a
// single transaction. SQLite has no COPY path.
func (s *SQLiteStore) ImportEntities(ctx context.Context, entities []model.Entity) (int64, error) {
	if len(entities) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import entities: begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entities (id, type, full_name, email, phone, address, city, zip_code, social_ids, state, district, county, metric, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   type = excluded.type, full_name = excluded.full_name,
		   email = excluded.email, phone = excluded.phone,
		   address = excluded.address, city = excluded.city,
		   zip_code = excluded.zip_code, social_ids = excluded.social_ids,
		   state = excluded.state, district = excluded.district,
		   county = excluded.county, metric = excluded.metric,
		   updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import entities: prepare")
	}
	defer stmt.Close()

	var count int64
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
			return 0, eris.Wrapf(err, "sqlite: marshal social ids for %s", e.ID)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, string(e.Type), e.FullName, e.Email, e.Phone, e.Address,
			e.City, e.ZipCode, string(socialJSON), e.State, e.District, e.County,
			e.Metric, e.CreatedAt, now,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import entity %s", e.ID)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import entities: commit")
	}
	return count, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntitySQLite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	return e, nil
}

func (s *SQLiteStore) ListEntitiesByScope(ctx context.Context, scope model.GradeScope) ([]model.Entity, error) {
	var col string
	switch scope.Type {
	case model.ScopeState:
		col = "state"
	case model.ScopeDistrict:
		col = "district"
	case model.ScopeCounty:
		col = "county"
	default:
		return nil, eris.Errorf("sqlite: unknown scope type %q", scope.Type)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE `+col+` = ?`, scope.Key)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities by scope")
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntitySQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		entities = append(entities, *e)
	}
	return entities, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

func (s *SQLiteStore) ListEntitiesByType(ctx context.Context, t model.EntityType, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE type = ? ORDER BY updated_at DESC LIMIT ?`,
		string(t), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities by type")
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntitySQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		entities = append(entities, *e)
	}
	return entities, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

func (s *SQLiteStore) ListScopeKeys(ctx context.Context, scopeType model.GradeScopeType) ([]string, error) {
	var col string
	switch scopeType {
	case model.ScopeState:
		col = "state"
	case model.ScopeDistrict:
		col = "district"
	case model.ScopeCounty:
		col = "county"
	default:
		return nil, eris.Errorf("sqlite: unknown scope type %q", scopeType)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT `+col+` FROM entities WHERE `+col+` <> '' ORDER BY `+col)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scope keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scope key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: list scope keys iterate")
}

func (s *SQLiteStore) UpdateEntityContact(ctx context.Context, e model.Entity) error {
	socialJSON, err := json.Marshal(e.SocialIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal social ids")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET full_name = ?, email = ?, phone = ?, address = ?,
		   city = ?, zip_code = ?, social_ids = ?, updated_at = ?
		 WHERE id = ?`,
		e.FullName, e.Email, e.Phone, e.Address, e.City, e.ZipCode,
		string(socialJSON), time.Now().UTC(), e.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update entity contact %s", e.ID)
	}
	return checkRowsAffected(res, "entity", e.ID)
}

// Grades

func (s *SQLiteStore) ReplaceGradeAssignments(ctx context.Context, scope model.GradeScope, assignments []model.GradeAssignment, stats model.ScopeStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin grade swap")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM grade_assignments WHERE scope_type = ? AND scope_key = ?`,
		string(scope.Type), scope.Key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: clear partition %s", scope)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO grade_assignments (entity_id, scope_type, scope_key, rank, percentile, band, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare partition insert")
	}
	defer stmt.Close()

	for _, a := range assignments {
		if _, err := stmt.ExecContext(ctx,
			a.EntityID, string(a.Scope.Type), a.Scope.Key,
			a.Rank, a.Percentile, a.Band, a.ComputedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert assignment %s", a.EntityID)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scope_stats (scope_type, scope_key, entity_count, total_value, avg_value, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope_type, scope_key) DO UPDATE SET
		   entity_count = excluded.entity_count, total_value = excluded.total_value,
		   avg_value = excluded.avg_value, computed_at = excluded.computed_at`,
		string(scope.Type), scope.Key, stats.EntityCount, stats.TotalValue,
		stats.AvgValue, stats.ComputedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: refresh stats %s", scope)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit grade swap")
}

func (s *SQLiteStore) GetGradeAssignment(ctx context.Context, entityID string, scopeType model.GradeScopeType) (*model.GradeAssignment, error) {
	var a model.GradeAssignment
	var st string
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_id, scope_type, scope_key, rank, percentile, band, computed_at
		 FROM grade_assignments WHERE entity_id = ? AND scope_type = ?`,
		entityID, string(scopeType),
	).Scan(&a.EntityID, &st, &a.Scope.Key, &a.Rank, &a.Percentile, &a.Band, &a.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get grade %s/%s", entityID, scopeType)
	}
	a.Scope.Type = model.GradeScopeType(st)
	return &a, nil
}

func (s *SQLiteStore) GetScopeStats(ctx context.Context, scope model.GradeScope) (*model.ScopeStats, error) {
	var st model.ScopeStats
	var scopeType string
	err := s.db.QueryRowContext(ctx,
		`SELECT scope_type, scope_key, entity_count, total_value, avg_value, computed_at
		 FROM scope_stats WHERE scope_type = ? AND scope_key = ?`,
		string(scope.Type), scope.Key,
	).Scan(&scopeType, &st.Scope.Key, &st.EntityCount, &st.TotalValue, &st.AvgValue, &st.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get scope stats %s", scope)
	}
	st.Scope.Type = model.GradeScopeType(scopeType)
	return &st, nil
}

// Decisions

func (s *SQLiteStore) InsertDecision(ctx context.Context, d *model.Decision, category, period string) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	scoresJSON, err := json.Marshal(d.Scores)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal scores")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, trigger_id, category, period, scores, composite, outcome, executed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		d.ID, d.TriggerID, category, period, string(scoresJSON), d.Composite,
		string(d.Outcome), d.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert decision for trigger %s", d.TriggerID)
}

func (s *SQLiteStore) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecisionSQLite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get decision %s", id)
	}
	return d, nil
}

func (s *SQLiteStore) GetDecisionByTrigger(ctx context.Context, triggerID string) (*model.Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE trigger_id = ?`, triggerID)
	d, err := scanDecisionSQLite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get decision by trigger %s", triggerID)
	}
	return d, nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE 1=1`
	var args []any

	if filter.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
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
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close()

	var decisions []model.Decision
	for rows.Next() {
		d, err := scanDecisionSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		decisions = append(decisions, *d)
	}
	return decisions, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

func (s *SQLiteStore) FlagDecisionForReview(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET outcome = ? WHERE id = ? AND executed = 0`,
		string(model.OutcomeManualReview), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: flag decision %s", id)
	}
	return checkRowsAffected(res, "decision", id)
}

func (s *SQLiteStore) ExecuteDecision(ctx context.Context, p ExecuteParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin execute decision")
	}
	defer tx.Rollback()

	var category, period, outcome string
	var executed bool
	err = tx.QueryRowContext(ctx,
		`SELECT category, period, outcome, executed FROM decisions WHERE id = ?`,
		p.DecisionID,
	).Scan(&category, &period, &outcome, &executed)
	if err == sql.ErrNoRows {
		return eris.Errorf("decision not found: %s", p.DecisionID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read decision %s", p.DecisionID)
	}
	if executed {
		return eris.Errorf("decision already executed: %s", p.DecisionID)
	}
	if outcome != string(model.OutcomeGo) {
		return ErrDecisionNotGo
	}

	if !p.Override {
		var allocatedStr, contingencyStr, spentStr string
		err = tx.QueryRowContext(ctx,
			`SELECT a.allocated, a.contingency,
			   COALESCE((SELECT SUM(CAST(t.total_cost AS REAL)) FROM budget_transactions t
			     WHERE t.category = a.category AND t.period = a.period), 0)
			 FROM budget_allocations a WHERE a.category = ? AND a.period = ?`,
			category, period,
		).Scan(&allocatedStr, &contingencyStr, &spentStr)
		if err == sql.ErrNoRows {
			return ErrBudgetExceeded
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: execution budget re-check")
		}
		allocated, contingency, spent, err := parseDecimals(allocatedStr, contingencyStr, spentStr)
		if err != nil {
			return err
		}
		if spent.Add(p.ActualCost).GreaterThan(allocated.Add(contingency)) {
			return ErrBudgetExceeded
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO budget_transactions (id, category, period, quantity, unit_cost, total_cost, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), category, period,
		"1", p.ActualCost.String(), p.ActualCost.String(), p.Reference, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: post execution cost")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE decisions SET executed = 1, actual_cost = ?, actual_success = ?, executed_at = ? WHERE id = ?`,
		p.ActualCost.String(), p.Success, now, p.DecisionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark decision executed %s", p.DecisionID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit execute decision")
}

// Budget

func (s *SQLiteStore) InsertTransaction(ctx context.Context, t *model.BudgetTransaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_transactions (id, category, period, quantity, unit_cost, total_cost, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Category, t.Period, t.Quantity.String(), t.UnitCost.String(),
		t.TotalCost.String(), t.Reference, t.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert transaction")
}

func (s *SQLiteStore) SpentInPeriod(ctx context.Context, category, period string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT total_cost FROM budget_transactions WHERE category = ? AND period = ?`,
		category, period,
	)
	if err != nil {
		return decimal.Zero, eris.Wrap(err, "sqlite: spent in period")
	}
	defer rows.Close()

	// Sum in Go to keep exact decimal arithmetic.
	spent := decimal.Zero
	for rows.Next() {
		var costStr string
		if err := rows.Scan(&costStr); err != nil {
			return decimal.Zero, eris.Wrap(err, "sqlite: scan transaction cost")
		}
		cost, err := decimal.NewFromString(costStr)
		if err != nil {
			return decimal.Zero, eris.Wrapf(err, "sqlite: parse cost %q", costStr)
		}
		spent = spent.Add(cost)
	}
	return spent, eris.Wrap(rows.Err(), "sqlite: spent in period iterate")
}

func (s *SQLiteStore) GetAllocation(ctx context.Context, category, period string) (*model.BudgetAllocation, error) {
	var a model.BudgetAllocation
	var allocated, reserved, contingency string
	err := s.db.QueryRowContext(ctx,
		`SELECT period, category, allocated, reserved, contingency
		 FROM budget_allocations WHERE category = ? AND period = ?`,
		category, period,
	).Scan(&a.Period, &a.Category, &allocated, &reserved, &contingency)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get allocation %s/%s", category, period)
	}
	if a.Allocated, err = decimal.NewFromString(allocated); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse allocated")
	}
	if a.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse reserved")
	}
	if a.Contingency, err = decimal.NewFromString(contingency); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse contingency")
	}
	return &a, nil
}

func (s *SQLiteStore) UpsertAllocation(ctx context.Context, a model.BudgetAllocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_allocations (period, category, allocated, reserved, contingency)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (period, category) DO UPDATE SET
		   allocated = excluded.allocated, reserved = excluded.reserved,
		   contingency = excluded.contingency`,
		a.Period, a.Category, a.Allocated.String(), a.Reserved.String(),
		a.Contingency.String(),
	)
	return eris.Wrap(err, "sqlite: upsert allocation")
}

func (s *SQLiteStore) ListAllocations(ctx context.Context, period string) ([]model.BudgetAllocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT period, category, allocated, reserved, contingency
		 FROM budget_allocations WHERE period = ? ORDER BY category`,
		period,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list allocations")
	}
	defer rows.Close()

	var allocs []model.BudgetAllocation
	for rows.Next() {
		var a model.BudgetAllocation
		var allocated, reserved, contingency string
		if err := rows.Scan(&a.Period, &a.Category, &allocated, &reserved, &contingency); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan allocation")
		}
		var perr error
		if a.Allocated, a.Reserved, a.Contingency, perr = parseAllocationDecimals(allocated, reserved, contingency); perr != nil {
			return nil, perr
		}
		allocs = append(allocs, a)
	}
	return allocs, eris.Wrap(rows.Err(), "sqlite: list allocations iterate")
}

func (s *SQLiteStore) SnapshotForApproval(ctx context.Context, category, period string) (BudgetSnapshot, error) {
	// SQLite serializes writers, so a plain read is already consistent.
	alloc, err := s.GetAllocation(ctx, category, period)
	if err != nil {
		return BudgetSnapshot{}, err
	}
	if alloc == nil {
		return BudgetSnapshot{}, nil
	}
	spent, err := s.SpentInPeriod(ctx, category, period)
	if err != nil {
		return BudgetSnapshot{}, err
	}
	return BudgetSnapshot{
		Spent:       spent,
		Allocated:   alloc.Allocated,
		Contingency: alloc.Contingency,
		Found:       true,
	}, nil
}

func (s *SQLiteStore) UpsertBudgetStatus(ctx context.Context, st model.BudgetStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_snapshots (period, category, allocated, spent, variance, label, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (period, category) DO UPDATE SET
		   allocated = excluded.allocated, spent = excluded.spent,
		   variance = excluded.variance, label = excluded.label,
		   computed_at = excluded.computed_at`,
		st.Period, st.Category, st.Allocated.String(), st.Spent.String(),
		st.Variance.String(), string(st.Label), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert budget snapshot")
}

// Enrichment

func (s *SQLiteStore) InsertAttempt(ctx context.Context, a model.EnrichmentAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}

	fieldsJSON, err := json.Marshal(a.FieldsFilled)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fields filled")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichment_attempts (id, target_type, target_id, goal, step_order, source_id, success, fields_filled, conf_delta, error, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TargetType, a.TargetID, a.Goal, a.StepOrder, a.SourceID,
		a.Success, string(fieldsJSON), a.ConfDelta, a.Error, a.AttemptedAt,
	)
	return eris.Wrap(err, "sqlite: insert enrichment attempt")
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, targetID string) ([]model.EnrichmentAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_type, target_id, goal, step_order, source_id, success, fields_filled, conf_delta, error, attempted_at
		 FROM enrichment_attempts WHERE target_id = ? ORDER BY attempted_at, step_order`,
		targetID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	var attempts []model.EnrichmentAttempt
	for rows.Next() {
		var a model.EnrichmentAttempt
		var fieldsJSON string
		if err := rows.Scan(&a.ID, &a.TargetType, &a.TargetID, &a.Goal, &a.StepOrder,
			&a.SourceID, &a.Success, &fieldsJSON, &a.ConfDelta, &a.Error, &a.AttemptedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		if fieldsJSON != "" {
			if err := json.Unmarshal([]byte(fieldsJSON), &a.FieldsFilled); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal fields filled")
			}
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

// Cache

func (s *SQLiteStore) GetValidCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var durationMS int64
	var lastHit sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT key, artifact, size, duration_ms, quality, hit_count, created_at, last_hit_at, expires_at
		 FROM cache_entries WHERE key = ? AND expires_at > ?`,
		key, time.Now().UTC(),
	).Scan(&e.Key, &e.Artifact, &e.Size, &durationMS, &e.Quality, &e.HitCount,
		&e.CreatedAt, &lastHit, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if lastHit.Valid {
		e.LastHitAt = &lastHit.Time
	}
	return &e, nil
}

func (s *SQLiteStore) TouchCacheHit(ctx context.Context, key string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_hit_at = ?
		 WHERE key = ? AND expires_at > ?`,
		now, key, now,
	)
	return eris.Wrap(err, "sqlite: touch cache hit")
}

func (s *SQLiteStore) UpsertCacheEntry(ctx context.Context, e model.CacheEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, artifact, size, duration_ms, quality, hit_count, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   artifact = excluded.artifact, size = excluded.size,
		   duration_ms = excluded.duration_ms, quality = excluded.quality,
		   hit_count = cache_entries.hit_count,
		   created_at = excluded.created_at, expires_at = excluded.expires_at`,
		e.Key, e.Artifact, e.Size, e.Duration.Milliseconds(), e.Quality,
		e.CreatedAt, e.ExpiresAt,
	)
	return eris.Wrap(err, "sqlite: upsert cache entry")
}

func (s *SQLiteStore) DeleteExpiredCacheEntries(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache entries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	var st CacheStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hit_count), 0), COALESCE(SUM(size), 0) FROM cache_entries`,
	).Scan(&st.Entries, &st.TotalHits, &st.TotalSize)
	return &st, eris.Wrap(err, "sqlite: cache stats")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func scanEntitySQLite(row scannableRow) (*model.Entity, error) {
	var e model.Entity
	var typ string
	var socialJSON sql.NullString

	err := row.Scan(&e.ID, &typ, &e.FullName, &e.Email, &e.Phone, &e.Address,
		&e.City, &e.ZipCode, &socialJSON, &e.State, &e.District, &e.County,
		&e.Metric, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = model.EntityType(typ)
	if socialJSON.Valid && socialJSON.String != "" && socialJSON.String != "null" {
		if err := json.Unmarshal([]byte(socialJSON.String), &e.SocialIDs); err != nil {
			return nil, eris.Wrap(err, "unmarshal social ids")
		}
	}
	return &e, nil
}

func scanDecisionSQLite(row scannableRow) (*model.Decision, error) {
	var d model.Decision
	var outcome, scoresJSON string
	var actualCost sql.NullString
	var actualSuccess sql.NullBool
	var executedAt sql.NullTime

	err := row.Scan(&d.ID, &d.TriggerID, &scoresJSON, &d.Composite, &outcome,
		&d.Executed, &actualCost, &actualSuccess, &d.CreatedAt, &executedAt)
	if err != nil {
		return nil, err
	}
	d.Outcome = model.DecisionOutcome(outcome)
	if err := json.Unmarshal([]byte(scoresJSON), &d.Scores); err != nil {
		return nil, eris.Wrap(err, "unmarshal scores")
	}
	if actualCost.Valid {
		cost, err := decimal.NewFromString(actualCost.String)
		if err != nil {
			return nil, eris.Wrap(err, "parse actual cost")
		}
		d.ActualCost = &cost
	}
	if actualSuccess.Valid {
		d.ActualSuccess = &actualSuccess.Bool
	}
	if executedAt.Valid {
		d.ExecutedAt = &executedAt.Time
	}
	return &d, nil
}

func parseDecimals(allocated, contingency, spent string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	a, err := decimal.NewFromString(allocated)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, eris.Wrap(err, "parse allocated")
	}
	c, err := decimal.NewFromString(contingency)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, eris.Wrap(err, "parse contingency")
	}
	s, err := decimal.NewFromString(spent)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, eris.Wrap(err, "parse spent")
	}
	return a, c, s, nil
}

func parseAllocationDecimals(allocated, reserved, contingency string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	a, err := decimal.NewFromString(allocated)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, eris.Wrap(err, "parse allocated")
	}
	r, err := decimal.NewFromString(reserved)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, eris.Wrap(err, "parse reserved")
	}
	c, err := decimal.NewFromString(contingency)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, eris.Wrap(err, "parse contingency")
	}
	return a, r, c, nil
}
