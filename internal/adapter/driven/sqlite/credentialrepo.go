package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
	"github.com/ericfisherdev/msgscheduler/internal/secretbox"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port.
// Access and refresh tokens go through the Box before write and after read.
type CredentialRepo struct {
	db  *DB
	box *secretbox.Box
	now func() time.Time
}

// NewCredentialRepo creates a new CredentialRepo. A nil box stores tokens as
// given.
func NewCredentialRepo(db *DB, box *secretbox.Box) *CredentialRepo {
	if box == nil {
		box = &secretbox.Box{}
	}
	return &CredentialRepo{db: db, box: box, now: time.Now}
}

// Put stores cred, replacing every field of any existing row for the tenant.
func (r *CredentialRepo) Put(ctx context.Context, cred model.Credential) error {
	access, err := r.box.Seal(cred.AccessToken)
	if err != nil {
		return storageErr("seal access token", cred.TenantID, err)
	}
	refresh, err := r.box.Seal(cred.RefreshToken)
	if err != nil {
		return storageErr("seal refresh token", cred.TenantID, err)
	}

	updatedAt := cred.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now()
	}

	const query = `INSERT OR REPLACE INTO credentials
		(tenant_id, tenant_name, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = r.db.Writer.ExecContext(ctx, query,
		cred.TenantID,
		cred.TenantName,
		access,
		nullString(refresh),
		nullTime(cred.ExpiresAt),
		formatTime(updatedAt),
	)
	if err != nil {
		return storageErr("put credential", cred.TenantID, err)
	}
	return nil
}

// Get retrieves the credential for tenantID.
// Returns (nil, nil) if the tenant has never connected.
func (r *CredentialRepo) Get(ctx context.Context, tenantID string) (*model.Credential, error) {
	const query = `SELECT tenant_id, tenant_name, access_token, refresh_token, expires_at, updated_at
		FROM credentials WHERE tenant_id = ?`

	cred, err := r.scan(r.db.Reader.QueryRowContext(ctx, query, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get credential", tenantID, err)
	}
	return cred, nil
}

// List returns every stored credential ordered by tenant id.
func (r *CredentialRepo) List(ctx context.Context) ([]model.Credential, error) {
	const query = `SELECT tenant_id, tenant_name, access_token, refresh_token, expires_at, updated_at
		FROM credentials ORDER BY tenant_id`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list credentials: %w", model.ErrStorageFailure, err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		cred, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan credential: %w", model.ErrStorageFailure, err)
		}
		creds = append(creds, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate credentials: %w", model.ErrStorageFailure, err)
	}

	return creds, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *CredentialRepo) scan(row scanner) (*model.Credential, error) {
	var (
		cred      model.Credential
		access    string
		refresh   sql.NullString
		expiresAt sql.NullString
		updatedAt string
	)
	if err := row.Scan(&cred.TenantID, &cred.TenantName, &access, &refresh, &expiresAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if cred.AccessToken, err = r.box.Open(access); err != nil {
		return nil, fmt.Errorf("open access token for %q: %w", cred.TenantID, err)
	}
	if refresh.Valid {
		if cred.RefreshToken, err = r.box.Open(refresh.String); err != nil {
			return nil, fmt.Errorf("open refresh token for %q: %w", cred.TenantID, err)
		}
	}
	if expiresAt.Valid {
		if cred.ExpiresAt, err = parseTime(expiresAt.String); err != nil {
			return nil, fmt.Errorf("parse expires_at for %q: %w", cred.TenantID, err)
		}
	}
	if cred.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %q: %w", cred.TenantID, err)
	}

	return &cred, nil
}

func storageErr(op, tenantID string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", model.ErrStorageFailure, op, tenantID, err)
}
