// Package insight persists the durable per-run outcome records that pipeline
// runs leave behind for dashboards and approval queues.
package insight

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

var tracer = conductorotel.Tracer("github.com/orbist/conductor/internal/insight")

// Domain is the fixed domain tag every pipeline insight carries.
const Domain = "os"

// Entity types distinguishing completed runs from runs parked for human
// approval.
const (
	EntityAgent           = "agent"
	EntityPendingApproval = "pending-approval"
)

// MaxSnapshotLen bounds the serialized snapshot stored per insight.
const MaxSnapshotLen = 32768

// Insight is one durable run outcome record scoped to brand and tenant.
type Insight struct {
	ID         string    `json:"id"`
	BrandID    string    `json:"brand_id"`
	TenantID   string    `json:"tenant_id"`
	Domain     string    `json:"domain"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	AgentID    string    `json:"agent_id"`
	Snapshot   string    `json:"snapshot"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists insights in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed creates) the insight database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening insight database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		brand_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_insights_tenant ON insights(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_insights_brand ON insights(brand_id);
	CREATE INDEX IF NOT EXISTS idx_insights_entity_type ON insights(entity_type);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating insight schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot serializes the run outcome for storage, truncated to
// MaxSnapshotLen. A snapshot that fails to serialize degrades to an error
// marker rather than failing the save.
func Snapshot(output, contexts, task, decision any) string {
	raw, err := json.Marshal(map[string]any{
		"output":           output,
		"contexts":         contexts,
		"task":             task,
		"autonomyDecision": decision,
	})
	if err != nil {
		return `{"error":"snapshot serialization failed"}`
	}
	if len(raw) > MaxSnapshotLen {
		raw = raw[:MaxSnapshotLen]
	}
	return string(raw)
}

// Save persists one insight. ID, Domain, and CreatedAt are assigned when
// missing.
func (s *Store) Save(ctx context.Context, ins *Insight) error {
	ctx, span := tracer.Start(ctx, "insight.save",
		trace.WithAttributes(
			attribute.String("tenant_id", ins.TenantID),
			attribute.String("entity_type", ins.EntityType),
			attribute.String("agent_id", ins.AgentID),
		))
	defer span.End()

	if ins.ID == "" {
		ins.ID = "ins_" + uuid.New().String()[:12]
	}
	if ins.Domain == "" {
		ins.Domain = Domain
	}
	if ins.CreatedAt.IsZero() {
		ins.CreatedAt = time.Now().UTC()
	}
	if len(ins.Snapshot) > MaxSnapshotLen {
		ins.Snapshot = ins.Snapshot[:MaxSnapshotLen]
	}

	query := `INSERT INTO insights (id, brand_id, tenant_id, domain, entity_type, entity_id, agent_id, snapshot, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		ins.ID, ins.BrandID, ins.TenantID, ins.Domain, ins.EntityType, ins.EntityID, ins.AgentID, ins.Snapshot, ins.CreatedAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing insight: %w", err)
	}
	return nil
}

// Filter narrows a List call. Zero values mean no constraint.
type Filter struct {
	TenantID   string
	BrandID    string
	EntityType string
	Limit      int
}

// List returns insights matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Insight, error) {
	ctx, span := tracer.Start(ctx, "insight.list",
		trace.WithAttributes(attribute.String("tenant_id", f.TenantID)))
	defer span.End()

	query := `SELECT id, brand_id, tenant_id, domain, entity_type, entity_id, agent_id, snapshot, created_at
	          FROM insights WHERE 1=1`
	args := []interface{}{}
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.BrandID != "" {
		query += ` AND brand_id = ?`
		args = append(args, f.BrandID)
	}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying insights: %w", err)
	}
	defer rows.Close()

	var results []Insight
	for rows.Next() {
		var ins Insight
		if err := rows.Scan(&ins.ID, &ins.BrandID, &ins.TenantID, &ins.Domain, &ins.EntityType, &ins.EntityID, &ins.AgentID, &ins.Snapshot, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning insight: %w", err)
		}
		results = append(results, ins)
	}
	return results, rows.Err()
}
