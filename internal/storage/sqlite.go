// Package storage provides persistent storage for rules and building blocks using SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	rferrors "github.com/ruleforge/ruleforge/internal/errors"
	"github.com/ruleforge/ruleforge/internal/types"
)

// MetadataVersion is stamped on every stored payload.
const MetadataVersion = "1.0"

// SQLite implements RuleRepository on a SQLite database.
type SQLite struct {
	db       *sql.DB
	logger   zerolog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewSQLite opens or creates a SQLite database.
func NewSQLite(dsn string, logger zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	// :memory: databases are per-connection.
	if strings.HasPrefix(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	s := &SQLite{
		db:       db,
		logger:   logger.With().Str("component", "storage").Logger(),
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// migrate creates the database schema.
func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT 'medium',
			enabled INTEGER NOT NULL DEFAULT 1,
			aql TEXT NOT NULL,
			building_blocks TEXT NOT NULL DEFAULT '[]',
			kind TEXT NOT NULL DEFAULT 'event',
			rule_group TEXT NOT NULL DEFAULT 'Other',
			combinator TEXT NOT NULL DEFAULT 'ALL',
			response TEXT,
			metadata TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS building_blocks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			aql TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			details TEXT,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_created ON rules(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_group ON rules(rule_group)`,
		`CREATE INDEX IF NOT EXISTS idx_building_blocks_created ON building_blocks(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration error: %w\nSQL: %s", err, m)
		}
	}

	s.logger.Debug().Msg("database migrations complete")
	return nil
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *SQLite) check(payload interface{}) error {
	err := s.validate.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace())
		}
		return rferrors.Newf(rferrors.ErrValidation, "invalid payload: %s", strings.Join(fields, ", ")).
			WithDetails("fields", fields)
	}
	return rferrors.Wrap(rferrors.ErrValidation, "invalid payload", err)
}

func storageErr(op string, err error) error {
	return rferrors.Wrap(rferrors.ErrStorage, op, err)
}

func notFound(entity, id string) error {
	return rferrors.Newf(rferrors.ErrNotFound, "%s %s not found", entity, id).WithDetails("id", id)
}

// --- Rules ---

// CreateRule validates and stores rule under a fresh id.
func (s *SQLite) CreateRule(ctx context.Context, rule types.RulePayload) (string, error) {
	if err := s.check(rule); err != nil {
		return "", err
	}
	normalizeRule(&rule)

	actor := ActorFrom(ctx)
	now := s.now()
	rule.ID = newID("rule_")
	rule.Metadata = &types.Metadata{
		CreatedBy: actor, CreatedAt: now,
		ModifiedBy: actor, ModifiedAt: now,
		Version: MetadataVersion, Tags: []string{},
	}

	if err := s.writeRule(ctx, rule, true); err != nil {
		return "", err
	}
	s.audit(ctx, "rule_created", "rule", rule.ID, rule.Name)
	s.logger.Info().Str("id", rule.ID).Str("name", rule.Name).Msg("rule created")
	return rule.ID, nil
}

// UpdateRule replaces the stored rule. Creation metadata and tags are kept.
func (s *SQLite) UpdateRule(ctx context.Context, id string, rule types.RulePayload) (types.RulePayload, error) {
	if err := s.check(rule); err != nil {
		return types.RulePayload{}, err
	}
	existing, err := s.GetRule(ctx, id)
	if err != nil {
		return types.RulePayload{}, err
	}
	normalizeRule(&rule)

	meta := *existing.Metadata
	meta.ModifiedBy = ActorFrom(ctx)
	meta.ModifiedAt = s.now()
	if rule.Metadata != nil && rule.Metadata.Tags != nil {
		meta.Tags = rule.Metadata.Tags
	}
	rule.ID = id
	rule.Metadata = &meta

	if err := s.writeRule(ctx, rule, false); err != nil {
		return types.RulePayload{}, err
	}
	s.audit(ctx, "rule_updated", "rule", id, rule.Name)
	return rule, nil
}

// GetRule returns the rule with id or ESTO-002.
func (s *SQLite) GetRule(ctx context.Context, id string) (types.RulePayload, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, severity, enabled, aql, building_blocks, kind, rule_group, combinator, response, metadata
		 FROM rules WHERE id = ?`, id,
	)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RulePayload{}, notFound("rule", id)
	}
	if err != nil {
		return types.RulePayload{}, storageErr("reading rule", err)
	}
	return rule, nil
}

// ListRules returns every rule, newest first.
func (s *SQLite) ListRules(ctx context.Context) ([]types.RulePayload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, severity, enabled, aql, building_blocks, kind, rule_group, combinator, response, metadata
		 FROM rules ORDER BY created_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, storageErr("listing rules", err)
	}
	defer rows.Close()

	rules := []types.RulePayload{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, storageErr("scanning rule", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("listing rules", err)
	}
	return rules, nil
}

// DeleteRule removes the rule with id or returns ESTO-002.
func (s *SQLite) DeleteRule(ctx context.Context, id string) error {
	if err := s.delete(ctx, "rules", id); err != nil {
		if rferrors.Is(err, rferrors.ErrNotFound) {
			return notFound("rule", id)
		}
		return err
	}
	s.audit(ctx, "rule_deleted", "rule", id, "")
	return nil
}

func normalizeRule(r *types.RulePayload) {
	if r.Severity == "" {
		r.Severity = types.SeverityMedium.String()
	}
	if r.Kind == "" {
		r.Kind = types.KindEvent
	}
	if r.Group == "" {
		r.Group = types.DefaultRuleGroup
	}
	if r.Combinator == "" {
		r.Combinator = types.CombineAll
	}
	if r.BuildingBlocks == nil {
		r.BuildingBlocks = []string{}
	}
}

func (s *SQLite) writeRule(ctx context.Context, r types.RulePayload, insert bool) error {
	bbJSON, _ := json.Marshal(r.BuildingBlocks)
	metaJSON, _ := json.Marshal(r.Metadata)
	var respJSON sql.NullString
	if r.Response != nil {
		b, _ := json.Marshal(r.Response)
		respJSON = sql.NullString{String: string(b), Valid: true}
	}

	var err error
	if insert {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO rules (id, name, description, severity, enabled, aql, building_blocks, kind, rule_group, combinator, response, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Name, r.Description, r.Severity, r.Enabled, r.AQL, string(bbJSON),
			string(r.Kind), r.Group, string(r.Combinator), respJSON, string(metaJSON),
			r.Metadata.CreatedAt, r.Metadata.ModifiedAt,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE rules SET name=?, description=?, severity=?, enabled=?, aql=?, building_blocks=?, kind=?,
			 rule_group=?, combinator=?, response=?, metadata=?, updated_at=? WHERE id=?`,
			r.Name, r.Description, r.Severity, r.Enabled, r.AQL, string(bbJSON), string(r.Kind),
			r.Group, string(r.Combinator), respJSON, string(metaJSON), r.Metadata.ModifiedAt, r.ID,
		)
	}
	if err != nil {
		return storageErr("writing rule", err)
	}
	return nil
}

// --- Building blocks ---

// CreateBuildingBlock validates and stores bb under a fresh id.
func (s *SQLite) CreateBuildingBlock(ctx context.Context, bb types.BuildingBlockPayload) (string, error) {
	if err := s.check(bb); err != nil {
		return "", err
	}
	actor := ActorFrom(ctx)
	now := s.now()
	bb.ID = newID("bb_")
	bb.Metadata = &types.Metadata{
		CreatedBy: actor, CreatedAt: now,
		ModifiedBy: actor, ModifiedAt: now,
		Version: MetadataVersion, Tags: []string{},
	}

	metaJSON, _ := json.Marshal(bb.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO building_blocks (id, name, description, aql, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bb.ID, bb.Name, bb.Description, bb.AQL, string(metaJSON), now, now,
	)
	if err != nil {
		return "", storageErr("writing building block", err)
	}
	s.audit(ctx, "building_block_created", "building_block", bb.ID, bb.Name)
	s.logger.Info().Str("id", bb.ID).Str("name", bb.Name).Msg("building block created")
	return bb.ID, nil
}

// UpdateBuildingBlock replaces the stored building block.
func (s *SQLite) UpdateBuildingBlock(ctx context.Context, id string, bb types.BuildingBlockPayload) (types.BuildingBlockPayload, error) {
	if err := s.check(bb); err != nil {
		return types.BuildingBlockPayload{}, err
	}
	existing, err := s.GetBuildingBlock(ctx, id)
	if err != nil {
		return types.BuildingBlockPayload{}, err
	}

	meta := *existing.Metadata
	meta.ModifiedBy = ActorFrom(ctx)
	meta.ModifiedAt = s.now()
	if bb.Metadata != nil && bb.Metadata.Tags != nil {
		meta.Tags = bb.Metadata.Tags
	}
	bb.ID = id
	bb.Metadata = &meta

	metaJSON, _ := json.Marshal(bb.Metadata)
	_, err = s.db.ExecContext(ctx,
		`UPDATE building_blocks SET name=?, description=?, aql=?, metadata=?, updated_at=? WHERE id=?`,
		bb.Name, bb.Description, bb.AQL, string(metaJSON), meta.ModifiedAt, id,
	)
	if err != nil {
		return types.BuildingBlockPayload{}, storageErr("writing building block", err)
	}
	s.audit(ctx, "building_block_updated", "building_block", id, bb.Name)
	return bb, nil
}

// GetBuildingBlock returns the building block with id or ESTO-002.
func (s *SQLite) GetBuildingBlock(ctx context.Context, id string) (types.BuildingBlockPayload, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, aql, metadata FROM building_blocks WHERE id = ?`, id,
	)
	bb, err := scanBuildingBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BuildingBlockPayload{}, notFound("building block", id)
	}
	if err != nil {
		return types.BuildingBlockPayload{}, storageErr("reading building block", err)
	}
	return bb, nil
}

// ListBuildingBlocks returns every building block, newest first.
func (s *SQLite) ListBuildingBlocks(ctx context.Context) ([]types.BuildingBlockPayload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, aql, metadata FROM building_blocks ORDER BY created_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, storageErr("listing building blocks", err)
	}
	defer rows.Close()

	blocks := []types.BuildingBlockPayload{}
	for rows.Next() {
		bb, err := scanBuildingBlock(rows)
		if err != nil {
			return nil, storageErr("scanning building block", err)
		}
		blocks = append(blocks, bb)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("listing building blocks", err)
	}
	return blocks, nil
}

// DeleteBuildingBlock removes the building block with id or returns ESTO-002.
func (s *SQLite) DeleteBuildingBlock(ctx context.Context, id string) error {
	if err := s.delete(ctx, "building_blocks", id); err != nil {
		if rferrors.Is(err, rferrors.ErrNotFound) {
			return notFound("building block", id)
		}
		return err
	}
	s.audit(ctx, "building_block_deleted", "building_block", id, "")
	return nil
}

func (s *SQLite) delete(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return storageErr("deleting", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("deleting", err)
	}
	if n == 0 {
		return rferrors.New(rferrors.ErrNotFound, "not found")
	}
	return nil
}

// --- Audit Log ---

// audit records a change. Failures are logged and never fail the change itself.
func (s *SQLite) audit(ctx context.Context, action, entityType, entityID, details string) {
	entry := &types.AuditEntry{
		ID:         uuid.NewString(),
		Action:     action,
		Actor:      ActorFrom(ctx),
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		Timestamp:  s.now(),
	}
	if err := s.SaveAuditEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("entity_id", entityID).Msg("audit write failed")
	}
}

// SaveAuditEntry records an audit entry.
func (s *SQLite) SaveAuditEntry(ctx context.Context, entry *types.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, actor, entity_type, entity_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.Actor, entry.EntityType, entry.EntityID, entry.Details, entry.Timestamp,
	)
	return err
}

// GetAuditLog returns recent audit entries, newest first.
func (s *SQLite) GetAuditLog(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, actor, entity_type, entity_id, details, timestamp
		 FROM audit_log ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, storageErr("reading audit log", err)
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.EntityType, &e.EntityID, &details, &e.Timestamp); err != nil {
			return nil, storageErr("scanning audit entry", err)
		}
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Stats ---

// RuleCount returns the number of stored rules.
func (s *SQLite) RuleCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rules").Scan(&count)
	return count, err
}

// BuildingBlockCount returns the number of stored building blocks.
func (s *SQLite) BuildingBlockCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM building_blocks").Scan(&count)
	return count, err
}

// --- Scan helpers ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row scanner) (types.RulePayload, error) {
	var r types.RulePayload
	var kind, combinator, bbJSON, metaJSON string
	var respJSON sql.NullString
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Severity, &r.Enabled, &r.AQL,
		&bbJSON, &kind, &r.Group, &combinator, &respJSON, &metaJSON); err != nil {
		return r, err
	}
	r.Kind = types.RuleKind(kind)
	r.Combinator = types.Combinator(combinator)
	if err := json.Unmarshal([]byte(bbJSON), &r.BuildingBlocks); err != nil {
		return r, fmt.Errorf("decoding building_blocks: %w", err)
	}
	if respJSON.Valid {
		r.Response = &types.ResponseConfig{}
		if err := json.Unmarshal([]byte(respJSON.String), r.Response); err != nil {
			return r, fmt.Errorf("decoding response: %w", err)
		}
	}
	r.Metadata = &types.Metadata{}
	if err := json.Unmarshal([]byte(metaJSON), r.Metadata); err != nil {
		return r, fmt.Errorf("decoding metadata: %w", err)
	}
	return r, nil
}

func scanBuildingBlock(row scanner) (types.BuildingBlockPayload, error) {
	var bb types.BuildingBlockPayload
	var metaJSON string
	if err := row.Scan(&bb.ID, &bb.Name, &bb.Description, &bb.AQL, &metaJSON); err != nil {
		return bb, err
	}
	bb.Metadata = &types.Metadata{}
	if err := json.Unmarshal([]byte(metaJSON), bb.Metadata); err != nil {
		return bb, fmt.Errorf("decoding metadata: %w", err)
	}
	return bb, nil
}
