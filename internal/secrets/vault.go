// Package secrets provides the encrypted vault holding provider API keys.
//
// Values are sealed with NaCl secretbox and stored in SQLite. Each entry
// carries an ACL restricting access by agent and tenant (glob patterns), and
// every access attempt, allowed or denied, lands in an audit table.
package secrets

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/nacl/secretbox"

	conductorotel "github.com/orbist/conductor/internal/otel"
)

var (
	// ErrSecretNotFound is returned when a secret name does not exist.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrSecretAccessDenied is returned when the requesting agent/tenant is
	// not permitted by the secret's ACL. The denial is still audit-logged.
	ErrSecretAccessDenied = errors.New("secret access denied by ACL")
	// ErrInvalidEncryptionKey is returned when the vault key is not exactly
	// 32 bytes.
	ErrInvalidEncryptionKey = errors.New("invalid encryption key")
)

var tracer = conductorotel.Tracer("github.com/orbist/conductor/internal/secrets")

// Vault manages sealed provider keys with ACL enforcement and audit logging.
type Vault struct {
	db  *sql.DB
	key [32]byte
}

// Secret is a decrypted secret with metadata.
type Secret struct {
	Name        string
	Value       []byte
	ACL         ACL
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int
}

// AccessRecord is a single vault access audit entry.
type AccessRecord struct {
	ID         string    `json:"id"`
	SecretName string    `json:"secret_name"`
	TenantID   string    `json:"tenant_id"`
	AgentID    string    `json:"agent_id"`
	Timestamp  time.Time `json:"timestamp"`
	Allowed    bool      `json:"allowed"`
	Reason     string    `json:"reason,omitempty"`
}

// NewVault creates a sealed key vault backed by SQLite. The encryption key
// must be 32 raw bytes or 64 hex characters.
func NewVault(dbPath, encryptionKey string) (*Vault, error) {
	keyBytes, err := resolveEncryptionKey(encryptionKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		name TEXT PRIMARY KEY,
		sealed_value TEXT NOT NULL,
		nonce TEXT NOT NULL,
		acl_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		accessed_at TIMESTAMP,
		access_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS secret_access_log (
		id TEXT PRIMARY KEY,
		secret_name TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		allowed BOOLEAN NOT NULL,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_access_log_secret ON secret_access_log(secret_name);
	CREATE INDEX IF NOT EXISTS idx_access_log_tenant ON secret_access_log(tenant_id);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating vault schema: %w", err)
	}

	v := &Vault{db: db}
	copy(v.key[:], keyBytes)
	return v, nil
}

// resolveEncryptionKey interprets the key as 32 raw bytes or 64 hex characters.
func resolveEncryptionKey(key string) ([]byte, error) {
	if len(key) == 64 {
		decoded, err := hex.DecodeString(key)
		if err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("encryption key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidEncryptionKey)
}

// Close releases the database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Set seals and stores a secret with its ACL. Upserts on conflict.
func (v *Vault) Set(ctx context.Context, name string, value []byte, acl ACL) error {
	ctx, span := tracer.Start(ctx, "secrets.set",
		trace.WithAttributes(attribute.String("secret.name", name)))
	defer span.End()

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		span.RecordError(err)
		return fmt.Errorf("generating nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, value, &nonce, &v.key)

	aclJSON, err := json.Marshal(acl)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marshaling ACL: %w", err)
	}

	query := `
		INSERT INTO secrets (name, sealed_value, nonce, acl_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			sealed_value = excluded.sealed_value,
			nonce = excluded.nonce,
			acl_json = excluded.acl_json
	`
	if _, err := v.db.ExecContext(ctx, query, name,
		base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(nonce[:]),
		string(aclJSON), time.Now()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing secret: %w", err)
	}
	return nil
}

// Get retrieves and opens a secret after checking its ACL. Both allowed and
// denied attempts are logged.
func (v *Vault) Get(ctx context.Context, name, tenantID, agentID string) (*Secret, error) {
	ctx, span := tracer.Start(ctx, "secrets.get",
		trace.WithAttributes(
			attribute.String("secret.name", name),
			attribute.String("tenant_id", tenantID),
			attribute.String("agent_id", agentID),
		))
	defer span.End()

	var sealedB64, nonceB64, aclJSON string
	var createdAt, accessedAt sql.NullTime
	var accessCount int

	query := `SELECT sealed_value, nonce, acl_json, created_at, accessed_at, access_count
	          FROM secrets WHERE name = ?`
	err := v.db.QueryRowContext(ctx, query, name).Scan(
		&sealedB64, &nonceB64, &aclJSON, &createdAt, &accessedAt, &accessCount,
	)
	if err == sql.ErrNoRows {
		v.logAccess(ctx, name, tenantID, agentID, false, "secret not found")
		return nil, ErrSecretNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying secret: %w", err)
	}

	var acl ACL
	if err := json.Unmarshal([]byte(aclJSON), &acl); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unmarshaling ACL: %w", err)
	}

	if !acl.CheckAccess(tenantID, agentID) {
		v.logAccess(ctx, name, tenantID, agentID, false, "ACL denied")
		span.SetStatus(codes.Error, "ACL denied")
		return nil, fmt.Errorf("agent %s not authorized for secret %s: %w", agentID, name, ErrSecretAccessDenied)
	}

	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding sealed value: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonceBytes) != 24 {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &v.key)
	if !ok {
		return nil, fmt.Errorf("opening secret %s: sealed box authentication failed", name)
	}

	now := time.Now()
	_, _ = v.db.ExecContext(ctx, `UPDATE secrets SET accessed_at = ?, access_count = access_count + 1 WHERE name = ?`,
		now, name)
	v.logAccess(ctx, name, tenantID, agentID, true, "")

	return &Secret{
		Name:        name,
		Value:       plaintext,
		ACL:         acl,
		CreatedAt:   createdAt.Time,
		AccessedAt:  now,
		AccessCount: accessCount + 1,
	}, nil
}

// Has reports whether a secret exists, without opening it. Used as the
// availability predicate for paid generation providers.
func (v *Vault) Has(ctx context.Context, name string) bool {
	var one int
	err := v.db.QueryRowContext(ctx, `SELECT 1 FROM secrets WHERE name = ?`, name).Scan(&one)
	return err == nil
}

// List returns metadata for all secrets. Values are never included.
func (v *Vault) List(ctx context.Context) ([]Secret, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT name, acl_json, created_at, accessed_at, access_count FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	defer rows.Close()

	var out []Secret
	for rows.Next() {
		var s Secret
		var aclJSON string
		var createdAt, accessedAt sql.NullTime
		if err := rows.Scan(&s.Name, &aclJSON, &createdAt, &accessedAt, &s.AccessCount); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(aclJSON), &s.ACL)
		s.CreatedAt = createdAt.Time
		s.AccessedAt = accessedAt.Time
		out = append(out, s)
	}
	return out, rows.Err()
}

// Rotate re-seals an existing secret with a fresh nonce.
func (v *Vault) Rotate(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "secrets.rotate",
		trace.WithAttributes(attribute.String("secret.name", name)))
	defer span.End()

	var sealedB64, nonceB64, aclJSON string
	err := v.db.QueryRowContext(ctx, `SELECT sealed_value, nonce, acl_json FROM secrets WHERE name = ?`, name).
		Scan(&sealedB64, &nonceB64, &aclJSON)
	if err == sql.ErrNoRows {
		return ErrSecretNotFound
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("querying secret: %w", err)
	}

	sealed, _ := base64.StdEncoding.DecodeString(sealedB64)
	nonceBytes, _ := base64.StdEncoding.DecodeString(nonceB64)
	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &v.key)
	if !ok {
		return fmt.Errorf("opening secret %s for rotation: sealed box authentication failed", name)
	}

	var acl ACL
	if err := json.Unmarshal([]byte(aclJSON), &acl); err != nil {
		span.RecordError(err)
		return fmt.Errorf("unmarshaling ACL: %w", err)
	}
	return v.Set(ctx, name, plaintext, acl)
}

// logAccess records access attempts for audit review.
func (v *Vault) logAccess(ctx context.Context, secretName, tenantID, agentID string, allowed bool, reason string) {
	query := `INSERT INTO secret_access_log (id, secret_name, tenant_id, agent_id, timestamp, allowed, reason)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, _ = v.db.ExecContext(ctx, query, uuid.New().String(), secretName, tenantID, agentID, time.Now(), allowed, reason)
}

// AuditLog returns access records, newest first. Empty secretName returns
// all records; limit <= 0 means no limit.
func (v *Vault) AuditLog(ctx context.Context, secretName string, limit int) ([]AccessRecord, error) {
	ctx, span := tracer.Start(ctx, "secrets.audit_log",
		trace.WithAttributes(attribute.String("secret.name", secretName)))
	defer span.End()

	query := `SELECT id, secret_name, tenant_id, agent_id, timestamp, allowed, reason
	          FROM secret_access_log`
	args := []interface{}{}
	if secretName != "" {
		query += ` WHERE secret_name = ?`
		args = append(args, secretName)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var records []AccessRecord
	for rows.Next() {
		var r AccessRecord
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.SecretName, &r.TenantID, &r.AgentID, &r.Timestamp, &r.Allowed, &reason); err != nil {
			continue
		}
		r.Reason = reason.String
		records = append(records, r)
	}
	return records, rows.Err()
}
