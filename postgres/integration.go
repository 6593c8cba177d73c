package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Vector/ferris-file-sync/models"
)

var _ models.IntegrationRepository = (*IntegrationRepository)(nil)

// TokenCipher is the subset of encryption.Cipher the repository needs.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// IntegrationRepository stores OneDrive credentials in onedrive_integrations.
// Tokens are encrypted before they reach the database and decrypted only on the token read paths.
type IntegrationRepository struct {
	db     *sql.DB
	cipher TokenCipher
}

func NewIntegrationRepository(db *sql.DB, cipher TokenCipher) *IntegrationRepository {
	return &IntegrationRepository{db: db, cipher: cipher}
}

const integrationColumns = `id, owner_id, user_id, access_token_expires_at, is_active, created_at, updated_at`

func (r *IntegrationRepository) GetIntegration(ctx context.Context, ownerID int64) (*models.Integration, error) {
	query := `
		SELECT ` + integrationColumns + `
		FROM onedrive_integrations
		WHERE owner_id = $1 AND is_active = TRUE
	`

	i, err := scanIntegration(r.db.QueryRowContext(ctx, query, ownerID))
	if err != nil {
		return nil, wrapErr("get integration", err)
	}

	return i, nil
}

func (r *IntegrationRepository) GetRefreshToken(ctx context.Context, ownerID int64) (string, error) {
	query := `
		SELECT encrypted_refresh_token
		FROM onedrive_integrations
		WHERE owner_id = $1 AND is_active = TRUE
	`

	var encrypted string
	if err := r.db.QueryRowContext(ctx, query, ownerID).Scan(&encrypted); err != nil {
		return "", wrapErr("get refresh token", err)
	}

	token, err := r.cipher.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("refresh token for owner %d: %w", ownerID, err)
	}

	return token, nil
}

func (r *IntegrationRepository) GetAccessToken(ctx context.Context, ownerID int64) (*models.AccessToken, error) {
	query := `
		SELECT encrypted_access_token, access_token_expires_at
		FROM onedrive_integrations
		WHERE owner_id = $1
		  AND is_active = TRUE
		  AND encrypted_access_token IS NOT NULL
		  AND access_token_expires_at > NOW()
	`

	var (
		encrypted string
		expiresAt time.Time
	)

	err := r.db.QueryRowContext(ctx, query, ownerID).Scan(&encrypted, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, wrapErr("get access token", err)
	}

	token, err := r.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("access token for owner %d: %w", ownerID, err)
	}

	return &models.AccessToken{Token: token, ExpiresAt: expiresAt.UTC()}, nil
}

func (r *IntegrationRepository) SaveRefreshToken(ctx context.Context, ownerID, userID int64, refreshToken string) (*models.Integration, error) {
	encrypted, err := r.cipher.Encrypt(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	query := `
		INSERT INTO onedrive_integrations (owner_id, user_id, encrypted_refresh_token, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (owner_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			is_active = TRUE,
			updated_at = NOW()
		RETURNING ` + integrationColumns

	i, err := scanIntegration(r.db.QueryRowContext(ctx, query, ownerID, userID, encrypted))
	if err != nil {
		return nil, wrapErr("save refresh token", err)
	}

	return i, nil
}

func (r *IntegrationRepository) SaveAccessToken(ctx context.Context, ownerID int64, accessToken string, expiresAt time.Time) (*models.Integration, error) {
	encrypted, err := r.cipher.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	query := `
		UPDATE onedrive_integrations
		SET encrypted_access_token = $2,
			access_token_expires_at = $3,
			updated_at = NOW()
		WHERE owner_id = $1 AND is_active = TRUE
		RETURNING ` + integrationColumns

	i, err := scanIntegration(r.db.QueryRowContext(ctx, query, ownerID, encrypted, expiresAt.UTC()))
	if err != nil {
		return nil, wrapErr("save access token", err)
	}

	return i, nil
}

// DeactivateIntegration also drops the cached access token, so a later re-authorization has to
// exchange its new refresh token.
func (r *IntegrationRepository) DeactivateIntegration(ctx context.Context, ownerID int64) (bool, error) {
	query := `
		UPDATE onedrive_integrations
		SET is_active = FALSE,
			encrypted_access_token = NULL,
			access_token_expires_at = NULL,
			updated_at = NOW()
		WHERE owner_id = $1 AND is_active = TRUE
	`

	result, err := r.db.ExecContext(ctx, query, ownerID)
	if err != nil {
		return false, wrapErr("deactivate integration", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, wrapErr("deactivate integration", err)
	}

	return rowsAffected > 0, nil
}

func scanIntegration(row *sql.Row) (*models.Integration, error) {
	var (
		i         models.Integration
		expiresAt sql.NullTime
	)

	err := row.Scan(
		&i.ID,
		&i.OwnerID,
		&i.UserID,
		&expiresAt,
		&i.IsActive,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		i.AccessTokenExpiresAt = &t
	}

	return &i, nil
}

func wrapErr(op string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, models.ErrIntegrationNotFound)
	case isUnavailable(err):
		return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}
