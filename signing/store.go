package signing

import (
	"context"
	"database/sql"
	"time"

	"github.com/cronicorn/cronicorn/errors"
)

// KeyRecord is the persisted form of a tenant's signing key: hash and display
// prefix only, never the raw key.
type KeyRecord struct {
	TenantID  string
	KeyHash   string
	KeyPrefix string
	CreatedAt time.Time
	RotatedAt *time.Time
}

// KeyStore persists signing key records, one per tenant.
type KeyStore struct {
	db *sql.DB
}

// NewKeyStore creates a new signing key store
func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db}
}

// Create stores a new key record for a tenant. Fails if the tenant already
// has one; use Rotate to replace it.
func (s *KeyStore) Create(ctx context.Context, tenantID string, key *GeneratedKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signing_keys (tenant_id, key_hash, key_prefix, created_at)
		VALUES (?, ?, ?, ?)
	`, tenantID, key.Hash, key.Prefix, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrapf(err, "failed to create signing key for tenant %s", tenantID)
	}
	return nil
}

// Rotate replaces the tenant's key record with a fresh key, stamping
// rotated_at. The previous key stops validating immediately.
func (s *KeyStore) Rotate(ctx context.Context, tenantID string, key *GeneratedKey) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE signing_keys
		SET key_hash = ?, key_prefix = ?, rotated_at = ?
		WHERE tenant_id = ?
	`, key.Hash, key.Prefix, time.Now().UTC().Format(time.RFC3339), tenantID)
	if err != nil {
		return errors.Wrapf(err, "failed to rotate signing key for tenant %s", tenantID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("signing key for tenant %s", tenantID)
	}
	return nil
}

// Get retrieves the key record for a tenant.
func (s *KeyStore) Get(ctx context.Context, tenantID string) (*KeyRecord, error) {
	var rec KeyRecord
	var createdAt string
	var rotatedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, key_hash, key_prefix, created_at, rotated_at
		FROM signing_keys WHERE tenant_id = ?
	`, tenantID).Scan(&rec.TenantID, &rec.KeyHash, &rec.KeyPrefix, &createdAt, &rotatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("signing key for tenant %s", tenantID)
		}
		return nil, errors.Wrapf(err, "failed to get signing key for tenant %s", tenantID)
	}

	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for tenant %s", tenantID)
	}
	if rotatedAt.Valid {
		t, err := time.Parse(time.RFC3339, rotatedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse rotated_at for tenant %s", tenantID)
		}
		rec.RotatedAt = &t
	}

	return &rec, nil
}

// List returns all key records, for the status CLI.
func (s *KeyStore) List(ctx context.Context) ([]*KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, key_hash, key_prefix, created_at, rotated_at
		FROM signing_keys ORDER BY tenant_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list signing keys")
	}
	defer rows.Close()

	var records []*KeyRecord
	for rows.Next() {
		var rec KeyRecord
		var createdAt string
		var rotatedAt sql.NullString
		if err := rows.Scan(&rec.TenantID, &rec.KeyHash, &rec.KeyPrefix, &createdAt, &rotatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan signing key")
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, errors.Wrapf(err, "failed to parse created_at for tenant %s", rec.TenantID)
		}
		if rotatedAt.Valid {
			t, err := time.Parse(time.RFC3339, rotatedAt.String)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse rotated_at for tenant %s", rec.TenantID)
			}
			rec.RotatedAt = &t
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
