// Package ledger tracks per-agent spend and persists the append-only
// safety/monitoring audit records every pipeline and generation attempt
// produces.
//
// Spend counters use atomic SQL increments so concurrent runs never lose an
// update; audit records are write-once and consumed by dashboards, never
// mutated.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	conductorotel "github.com/orbist/conductor/internal/otel"
)

var tracer = conductorotel.Tracer("github.com/orbist/conductor/internal/ledger")

// Risk levels for audit records.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// MonitoringEvent is one append-only operational audit record.
type MonitoringEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Category  string         `json:"category"`
	Status    string         `json:"status"`
	RiskLevel string         `json:"risk_level"`
	AgentID   string         `json:"agent_id"`
	Namespace string         `json:"namespace"`
	TenantID  string         `json:"tenant_id"`
	BrandID   string         `json:"brand_id,omitempty"`
	Metric    map[string]any `json:"metric,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SafetyEvent is one append-only safety audit record (denials, blocklist
// hits, oversight triggers).
type SafetyEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Category  string         `json:"category"`
	Status    string         `json:"status"`
	RiskLevel string         `json:"risk_level"`
	AgentID   string         `json:"agent_id"`
	Namespace string         `json:"namespace"`
	TenantID  string         `json:"tenant_id"`
	BrandID   string         `json:"brand_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Usage is the accumulated spend for one agent on one day.
type Usage struct {
	CostEUR float64
	Tokens  int64
}

// Store persists spend counters and audit records in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed creates) the ledger database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	// SQLite allows one writer; serializing through a single connection
	// keeps concurrent increments from surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS usage (
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		day TEXT NOT NULL,
		cost_eur REAL NOT NULL DEFAULT 0,
		tokens INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, agent_id, day)
	);

	CREATE TABLE IF NOT EXISTS monitoring_events (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		category TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		event_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS safety_events (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		category TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		event_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_monitoring_tenant ON monitoring_events(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_monitoring_run ON monitoring_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_safety_tenant ON safety_events(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_safety_run ON safety_events(run_id);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordUsage atomically adds cost and token counts for (tenant, agent) on
// the day containing ts. Safe for concurrent callers.
func (s *Store) RecordUsage(ctx context.Context, tenantID, agentID string, ts time.Time, costEUR float64, tokens int64) error {
	ctx, span := tracer.Start(ctx, "ledger.record_usage",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("agent_id", agentID),
			attribute.Float64("cost_eur", costEUR),
		))
	defer span.End()

	query := `INSERT INTO usage (tenant_id, agent_id, day, cost_eur, tokens)
	          VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT(tenant_id, agent_id, day)
	          DO UPDATE SET cost_eur = cost_eur + excluded.cost_eur, tokens = tokens + excluded.tokens`

	_, err := s.db.ExecContext(ctx, query, tenantID, agentID, dayKey(ts), costEUR, tokens)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// AgentDailyUsage returns the accumulated spend for one agent on the day
// containing ts.
func (s *Store) AgentDailyUsage(ctx context.Context, tenantID, agentID string, ts time.Time) (Usage, error) {
	return s.dailyUsage(ctx, tenantID, agentID, ts)
}

// TenantDailyUsage returns the accumulated spend across all agents of the
// tenant on the day containing ts.
func (s *Store) TenantDailyUsage(ctx context.Context, tenantID string, ts time.Time) (Usage, error) {
	return s.dailyUsage(ctx, tenantID, "", ts)
}

func (s *Store) dailyUsage(ctx context.Context, tenantID, agentID string, ts time.Time) (Usage, error) {
	ctx, span := tracer.Start(ctx, "ledger.daily_usage",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("agent_id", agentID),
		))
	defer span.End()

	query := `SELECT COALESCE(SUM(cost_eur), 0), COALESCE(SUM(tokens), 0) FROM usage WHERE tenant_id = ? AND day = ?`
	args := []interface{}{tenantID, dayKey(ts)}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}

	var u Usage
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.CostEUR, &u.Tokens); err != nil {
		span.RecordError(err)
		return Usage{}, fmt.Errorf("querying usage: %w", err)
	}
	span.SetAttributes(attribute.Float64("cost_total", u.CostEUR))
	return u, nil
}

// AppendMonitoring persists one monitoring event. The record is assigned an
// id and timestamp if missing; it is never updated afterwards.
func (s *Store) AppendMonitoring(ctx context.Context, ev *MonitoringEvent) error {
	ctx, span := tracer.Start(ctx, "ledger.append_monitoring",
		trace.WithAttributes(
			attribute.String("category", ev.Category),
			attribute.String("agent_id", ev.AgentID),
		))
	defer span.End()

	stampEvent(&ev.ID, &ev.Timestamp, "mon_")

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling monitoring event: %w", err)
	}

	query := `INSERT INTO monitoring_events (id, run_id, tenant_id, agent_id, category, timestamp, event_json)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, ev.ID, ev.RunID, ev.TenantID, ev.AgentID, ev.Category, ev.Timestamp, string(eventJSON)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing monitoring event: %w", err)
	}
	return nil
}

// AppendSafety persists one safety event.
func (s *Store) AppendSafety(ctx context.Context, ev *SafetyEvent) error {
	ctx, span := tracer.Start(ctx, "ledger.append_safety",
		trace.WithAttributes(
			attribute.String("category", ev.Category),
			attribute.String("risk_level", ev.RiskLevel),
		))
	defer span.End()

	stampEvent(&ev.ID, &ev.Timestamp, "saf_")

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling safety event: %w", err)
	}

	query := `INSERT INTO safety_events (id, run_id, tenant_id, agent_id, category, timestamp, event_json)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, ev.ID, ev.RunID, ev.TenantID, ev.AgentID, ev.Category, ev.Timestamp, string(eventJSON)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing safety event: %w", err)
	}
	return nil
}

// ListMonitoring returns monitoring events for the tenant, newest first.
func (s *Store) ListMonitoring(ctx context.Context, tenantID string, limit int) ([]MonitoringEvent, error) {
	rows, err := s.listEvents(ctx, "monitoring_events", tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MonitoringEvent
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			continue
		}
		var ev MonitoringEvent
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			continue
		}
		results = append(results, ev)
	}
	return results, rows.Err()
}

// ListSafety returns safety events for the tenant, newest first.
func (s *Store) ListSafety(ctx context.Context, tenantID string, limit int) ([]SafetyEvent, error) {
	rows, err := s.listEvents(ctx, "safety_events", tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SafetyEvent
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			continue
		}
		var ev SafetyEvent
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			continue
		}
		results = append(results, ev)
	}
	return results, rows.Err()
}

func (s *Store) listEvents(ctx context.Context, table, tenantID string, limit int) (*sql.Rows, error) {
	ctx, span := tracer.Start(ctx, "ledger.list_events",
		trace.WithAttributes(attribute.String("table", table)))
	defer span.End()

	query := `SELECT event_json FROM ` + table + ` WHERE 1=1`
	args := []interface{}{}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	return rows, nil
}

func stampEvent(id *string, ts *time.Time, prefix string) {
	if *id == "" {
		*id = prefix + uuid.New().String()[:8]
	}
	if ts.IsZero() {
		*ts = time.Now().UTC()
	}
}

// dayKey buckets a timestamp into its UTC day.
func dayKey(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}
