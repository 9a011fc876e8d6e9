package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// TokenTimeLayout is the broker's datetime format for token expiry
const TokenTimeLayout = "2006-01-02 15:04:05"

// Credential is an access token and the instants bounding its validity
type Credential struct {
	AccessToken string    `json:"token"`
	ExpiresAt   time.Time `json:"valid_date"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Expired reports whether the credential is past its expiry at now
func (c *Credential) Expired(now time.Time) bool {
	return c == nil || c.AccessToken == "" || !now.Before(c.ExpiresAt)
}

// Age returns how long ago the credential was issued
func (c *Credential) Age(now time.Time) time.Duration {
	return now.Sub(c.IssuedAt)
}

// TokenStore persists the broker credential between process runs.
// Load returns (nil, nil) when nothing usable is stored, including an expired token.
type TokenStore interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, cred *Credential) error
}

// FileTokenStore keeps the credential in a small YAML file
type FileTokenStore struct {
	path string
	loc  *time.Location
	now  func() time.Time
}

// tokenFile is the on-disk layout
type tokenFile struct {
	Token     string `yaml:"token"`
	ValidDate string `yaml:"valid-date"`
	IssuedAt  string `yaml:"issued-at,omitempty"`
}

// NewFileTokenStore creates a file store. Times are written in loc.
func NewFileTokenStore(path string, loc *time.Location) *FileTokenStore {
	if loc == nil {
		loc = time.Local
	}
	return &FileTokenStore{path: path, loc: loc, now: time.Now}
}

// Load reads the token file; a missing file or an expired token yields nil
func (s *FileTokenStore) Load(ctx context.Context) (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var file tokenFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if file.Token == "" || file.ValidDate == "" {
		return nil, nil
	}

	expiresAt, err := time.ParseInLocation(TokenTimeLayout, file.ValidDate, s.loc)
	if err != nil {
		return nil, fmt.Errorf("invalid valid-date in token file: %w", err)
	}

	cred := &Credential{AccessToken: file.Token, ExpiresAt: expiresAt}
	if file.IssuedAt != "" {
		if issued, err := time.ParseInLocation(TokenTimeLayout, file.IssuedAt, s.loc); err == nil {
			cred.IssuedAt = issued
		}
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = expiresAt.Add(-tokenValidity)
	}

	if cred.Expired(s.now()) {
		return nil, nil
	}
	return cred, nil
}

// Save overwrites the token file atomically
func (s *FileTokenStore) Save(ctx context.Context, cred *Credential) error {
	if cred == nil {
		return errors.New("nil credential")
	}

	file := tokenFile{
		Token:     cred.AccessToken,
		ValidDate: cred.ExpiresAt.In(s.loc).Format(TokenTimeLayout),
	}
	if !cred.IssuedAt.IsZero() {
		file.IssuedAt = cred.IssuedAt.In(s.loc).Format(TokenTimeLayout)
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to encode token file: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to chmod token file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// RedisTokenStore shares one credential between processes using the same app key
type RedisTokenStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisTokenStore creates a Redis-backed store.
// If client is nil, returns nil (optional Redis support)
func NewRedisTokenStore(client *redis.Client, key string) *RedisTokenStore {
	if client == nil {
		return nil
	}
	if key == "" {
		key = "brokercore:token"
	}
	return &RedisTokenStore{client: client, key: key, now: time.Now}
}

// Load fetches the credential; a missing key or an expired token yields nil
func (s *RedisTokenStore) Load(ctx context.Context) (*Credential, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis token store not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	raw, err := s.client.Get(cacheCtx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token from redis: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("failed to decode token from redis: %w", err)
	}
	if cred.Expired(s.now()) {
		return nil, nil
	}
	return &cred, nil
}

// Save stores the credential with a TTL matching its remaining validity
func (s *RedisTokenStore) Save(ctx context.Context, cred *Credential) error {
	if s == nil || s.client == nil {
		return errors.New("redis token store not initialized")
	}
	if cred == nil {
		return errors.New("nil credential")
	}

	ttl := cred.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("refusing to store expired token (expired at %s)", cred.ExpiresAt.Format(time.RFC3339))
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := s.client.Set(cacheCtx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write token to redis: %w", err)
	}
	return nil
}
