package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/faults"
)

// Tier determines an API key's default scope set.
type Tier string

const (
	TierFree  Tier = "free"
	TierPaid  Tier = "paid"
	TierAdmin Tier = "admin"
)

// DefaultScopes returns the scope set a tier grants at creation.
func DefaultScopes(tier Tier) []string {
	switch tier {
	case TierAdmin:
		return []string{ScopeAll}
	case TierPaid:
		return []string{ScopeDiscover, ScopeQuery, ScopeExecute, ScopeGenerate}
	default:
		return []string{ScopeDiscover, ScopeQuery, ScopeExecute}
	}
}

// APIKey is a stored key row. The raw key exists only in the caller's hands.
type APIKey struct {
	ID                string     `json:"id"`
	KeyHash           string     `json:"-"`
	Tier              Tier       `json:"tier"`
	UserID            string     `json:"user_id,omitempty"`
	Scopes            []string   `json:"scopes"`
	RateLimitOverride *int       `json:"rate_limit_override,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

func (k *APIKey) PrincipalID() string { return k.ID }

func (k *APIKey) OwnerID() string {
	if k.UserID != "" {
		return k.UserID
	}
	return k.ID
}

func (k *APIKey) HasScope(scope string) bool {
	if slices.Contains(k.Scopes, ScopeAll) {
		return true
	}
	return slices.Contains(k.Scopes, scope)
}

func (k *APIKey) IsAdmin() bool { return k.Tier == TierAdmin }

// GenerateKey mints a raw key "agenr_<tier>_<32 hex>".
func GenerateKey(tier Tier) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return fmt.Sprintf("agenr_%s_%s", tier, hex.EncodeToString(buf)), nil
}

// HashKey is the at-rest form of a raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyStore resolves and manages API keys.
type KeyStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{
		db:     db,
		logger: slog.Default().With("component", "apikeys"),
	}
}

// Bootstrap inserts rawKey as an admin key if its hash is not yet stored.
// The bootstrap key is a normal row afterwards: rate-limited, auditable and
// revocable like any other.
func (s *KeyStore) Bootstrap(ctx context.Context, rawKey string) error {
	if rawKey == "" {
		return nil
	}

	hash := HashKey(rawKey)
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM api_keys WHERE key_hash = ?`, hash).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return faults.Wrap(faults.KindTransient, err, "bootstrap key lookup")
	}

	scopes, _ := json.Marshal(DefaultScopes(TierAdmin))
	now := database.FormatTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO api_keys (id, key_hash, tier, scopes, created_at)
	VALUES (?, ?, 'admin', ?, ?)`,
		uuid.New().String(), hash, string(scopes), now)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "insert bootstrap key")
	}

	s.logger.Info("bootstrap admin key installed")
	return nil
}

// Create mints and stores a key, returning the row and the raw key. The raw
// key is shown exactly once.
func (s *KeyStore) Create(ctx context.Context, tier Tier, userID string, scopes []string) (*APIKey, string, error) {
	switch tier {
	case TierFree, TierPaid, TierAdmin:
	default:
		return nil, "", faults.Invalid("unknown tier %q", tier)
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes(tier)
	}

	raw, err := GenerateKey(tier)
	if err != nil {
		return nil, "", faults.Wrap(faults.KindTransient, err, "mint key")
	}

	key := &APIKey{
		ID:        uuid.New().String(),
		KeyHash:   HashKey(raw),
		Tier:      tier,
		UserID:    userID,
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
	}

	scopesJSON, _ := json.Marshal(key.Scopes)
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO api_keys (id, key_hash, tier, user_id, scopes, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, string(key.Tier), nullable(key.UserID), string(scopesJSON),
		database.FormatTime(key.CreatedAt))
	if err != nil {
		return nil, "", faults.Wrap(faults.KindTransient, err, "insert api key")
	}

	return key, raw, nil
}

// Resolve authenticates a raw key. Misses are Unauthorized without revealing
// whether the key was absent or malformed. A hit stamps last_used_at off the
// request path.
func (s *KeyStore) Resolve(ctx context.Context, raw string) (*APIKey, error) {
	if raw == "" {
		return nil, faults.Unauthorized("API key required")
	}

	key, err := s.getByHash(ctx, HashKey(raw))
	if err != nil {
		if faults.IsNotFound(err) {
			return nil, faults.Unauthorized("invalid API key")
		}
		return nil, err
	}

	go s.stampLastUsed(key.ID)

	return key, nil
}

// Get returns a key row by id.
func (s *KeyStore) Get(ctx context.Context, id string) (*APIKey, error) {
	return s.queryOne(ctx, `
	SELECT id, key_hash, tier, user_id, scopes, rate_limit_override, created_at, last_used_at
	FROM api_keys WHERE id = ?`, id)
}

func (s *KeyStore) getByHash(ctx context.Context, hash string) (*APIKey, error) {
	return s.queryOne(ctx, `
	SELECT id, key_hash, tier, user_id, scopes, rate_limit_override, created_at, last_used_at
	FROM api_keys WHERE key_hash = ?`, hash)
}

func (s *KeyStore) queryOne(ctx context.Context, query string, arg any) (*APIKey, error) {
	var (
		key       APIKey
		tier      string
		userID    sql.NullString
		scopes    sql.NullString
		override  sql.NullInt64
		createdAt string
		lastUsed  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&key.ID, &key.KeyHash, &tier, &userID, &scopes, &override, &createdAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("api key not found")
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "query api key")
	}

	key.Tier = Tier(tier)
	key.UserID = userID.String
	if scopes.Valid && scopes.String != "" {
		_ = json.Unmarshal([]byte(scopes.String), &key.Scopes)
	}
	if override.Valid {
		v := int(override.Int64)
		key.RateLimitOverride = &v
	}
	key.CreatedAt = database.ParseTime(createdAt)
	if lastUsed.Valid {
		t := database.ParseTime(lastUsed.String)
		key.LastUsedAt = &t
	}
	return &key, nil
}

func (s *KeyStore) stampLastUsed(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := database.FormatTime(time.Now())
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, now, id); err != nil {
		s.logger.Debug("stamp last_used_at", "error", err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

