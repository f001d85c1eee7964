package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
	"github.com/ericfisherdev/msgscheduler/internal/secretbox"
)

var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the PostgreSQL implementation of the CredentialStore port.
type CredentialRepo struct {
	db  *sql.DB
	box *secretbox.Box
	now func() time.Time
}

// NewCredentialRepo creates a CredentialRepo. A nil box stores tokens as given.
func NewCredentialRepo(db *sql.DB, box *secretbox.Box) *CredentialRepo {
	if box == nil {
		box = &secretbox.Box{}
	}
	return &CredentialRepo{db: db, box: box, now: time.Now}
}

// Put upserts cred. Every column is overwritten, so fields absent from cred
// are cleared rather than carried over from the previous row.
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

	const query = `
		INSERT INTO credentials (tenant_id, tenant_name, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			tenant_name   = EXCLUDED.tenant_name,
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at    = EXCLUDED.expires_at,
			updated_at    = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		cred.TenantID,
		cred.TenantName,
		access,
		sql.NullString{String: refresh, Valid: refresh != ""},
		pq.NullTime{Time: cred.ExpiresAt.UTC(), Valid: !cred.ExpiresAt.IsZero()},
		updatedAt.UTC(),
	)
	if err != nil {
		return storageErr("put credential", cred.TenantID, describe(err))
	}
	return nil
}

// Get returns the tenant's credential, or (nil, nil) if none is stored.
func (r *CredentialRepo) Get(ctx context.Context, tenantID string) (*model.Credential, error) {
	const query = `SELECT tenant_id, tenant_name, access_token, refresh_token, expires_at, updated_at
		FROM credentials WHERE tenant_id = $1`

	cred, err := r.scan(r.db.QueryRowContext(ctx, query, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get credential", tenantID, describe(err))
	}
	return cred, nil
}

// List returns every credential ordered by tenant id.
func (r *CredentialRepo) List(ctx context.Context) ([]model.Credential, error) {
	const query = `SELECT tenant_id, tenant_name, access_token, refresh_token, expires_at, updated_at
		FROM credentials ORDER BY tenant_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list credentials: %w", model.ErrStorageFailure, describe(err))
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
		return nil, fmt.Errorf("%w: iterate credentials: %w", model.ErrStorageFailure, describe(err))
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
		expiresAt pq.NullTime
	)
	if err := row.Scan(&cred.TenantID, &cred.TenantName, &access, &refresh, &expiresAt, &cred.UpdatedAt); err != nil {
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
		cred.ExpiresAt = expiresAt.Time.UTC()
	}
	cred.UpdatedAt = cred.UpdatedAt.UTC()
	return &cred, nil
}

// describe adds the SQLSTATE to server-side errors so logs carry it.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
	return err
}

func storageErr(op, tenantID string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", model.ErrStorageFailure, op, tenantID, err)
}
