package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/Vector/ferris-file-sync/models"
)

var _ models.IntegrationRepository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory models.IntegrationRepository with the same visibility rules as
// the Postgres store: inactive records are invisible and expired access tokens are not returned.
// Tokens are kept in plaintext.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[int64]*record
	nextID  int64

	// Now is the store's clock. Defaults to time.Now.
	Now func() time.Time

	// Err, when set, is returned by every operation.
	Err error

	Calls map[string]int
}

type record struct {
	integration  models.Integration
	refreshToken string
	accessToken  string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[int64]*record),
		Now:     time.Now,
		Calls:   make(map[string]int),
	}
}

// CallCount is safe to use while other goroutines use the repository.
func (r *MemoryRepository) CallCount(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.Calls[op]
}

// RefreshToken returns the stored refresh token regardless of the active flag.
func (r *MemoryRepository) RefreshToken(ownerID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[ownerID]
	if !ok {
		return "", false
	}

	return rec.refreshToken, true
}

// Count returns the number of records for the owner, active or not. It is at most one.
func (r *MemoryRepository) Count(ownerID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[ownerID]; ok {
		return 1
	}

	return 0
}

func (r *MemoryRepository) begin(op string) error {
	r.Calls[op]++
	return r.Err
}

func (r *MemoryRepository) active(ownerID int64) (*record, bool) {
	rec, ok := r.records[ownerID]
	if !ok || !rec.integration.IsActive {
		return nil, false
	}

	return rec, true
}

func (r *MemoryRepository) GetIntegration(_ context.Context, ownerID int64) (*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.begin("GetIntegration"); err != nil {
		return nil, err
	}

	rec, ok := r.active(ownerID)
	if !ok {
		return nil, models.ErrIntegrationNotFound
	}

	i := rec.integration

	return &i, nil
}

func (r *MemoryRepository) GetRefreshToken(_ context.Context, ownerID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.begin("GetRefreshToken"); err != nil {
		return "", err
	}

	rec, ok := r.active(ownerID)
	if !ok {
		return "", models.ErrIntegrationNotFound
	}

	return rec.refreshToken, nil
}

func (r *MemoryRepository) GetAccessToken(_ context.Context, ownerID int64) (*models.AccessToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.begin("GetAccessToken"); err != nil {
		return nil, err
	}

	rec, ok := r.active(ownerID)
	if !ok || rec.accessToken == "" || rec.integration.AccessTokenExpiresAt == nil {
		return nil, nil
	}

	if !rec.integration.AccessTokenExpiresAt.After(r.Now()) {
		return nil, nil
	}

	return &models.AccessToken{Token: rec.accessToken, ExpiresAt: *rec.integration.AccessTokenExpiresAt}, nil
}

func (r *MemoryRepository) SaveRefreshToken(_ context.Context, ownerID, userID int64, refreshToken string) (*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.begin("SaveRefreshToken"); err != nil {
		return nil, err
	}

	now := r.Now().UTC()

	rec, ok := r.records[ownerID]
	if !ok {
		r.nextID++
		rec = &record{integration: models.Integration{ID: r.nextID, OwnerID: ownerID, CreatedAt: now}}
		r.records[ownerID] = rec
	}

	rec.integration.UserID = userID
	rec.integration.IsActive = true
	rec.integration.UpdatedAt = now
	rec.refreshToken = refreshToken

	i := rec.integration

	return &i, nil
}

func (r *MemoryRepository) SaveAccessToken(_ context.Context, ownerID int64, accessToken string, expiresAt time.Time) (*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.begin("SaveAccessToken"); err != nil {
		return nil, err
	}

	rec, ok := r.active(ownerID)
	if !ok {
		return nil, models.ErrIntegrationNotFound
	}

	expiresAt = expiresAt.UTC()
	rec.accessToken = accessToken
	rec.integration.AccessTokenExpiresAt = &expiresAt
	rec.integration.UpdatedAt = r.Now().UTC()

	i := rec.integration

	return &i, nil
}

func (r *MemoryRepository) DeactivateIntegration(_ context.Context, ownerID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.begin("DeactivateIntegration"); err != nil {
		return false, err
	}

	rec, ok := r.active(ownerID)
	if !ok {
		return false, nil
	}

	rec.integration.IsActive = false
	rec.integration.AccessTokenExpiresAt = nil
	rec.accessToken = ""
	rec.integration.UpdatedAt = r.Now().UTC()

	return true, nil
}
