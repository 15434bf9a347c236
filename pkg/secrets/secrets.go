// Package secrets stores integration credentials encrypted at rest, with an
// environment fallback for development and CI. Values are AES-256-GCM
// sealed; nothing in this package ever logs a secret value.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Canonical secret names. The boundary and books clients look these up by
// name; the env fallback maps them to upper-snake environment variables.
const (
	ZohoClientID     = "zoho-client-id"
	ZohoClientSecret = "zoho-client-secret"
	ZohoRefreshToken = "zoho-refresh-token"
	AnthropicAPIKey  = "anthropic-api-key"
	OpenAIAPIKey     = "openai-api-key"
	GoogleAPIKey     = "google-api-key"
)

// ErrNotFound reports a secret missing from both the store and the
// environment.
var ErrNotFound = errors.New("secrets: not found")

// Store is an encrypted named-secret store over SQL. A nil db is valid and
// serves the environment only.
type Store struct {
	db          *sql.DB
	encKey      []byte
	envFallback bool
	mu          sync.RWMutex
}

// Option configures the store.
type Option func(*Store)

// WithEnvFallback toggles falling back to environment variables on miss.
func WithEnvFallback(enabled bool) Option {
	return func(s *Store) { s.envFallback = enabled }
}

// New builds a secret store. encryptionKey must be exactly 32 bytes for
// AES-256; it may be empty only when db is nil.
func New(db *sql.DB, encryptionKey []byte, opts ...Option) (*Store, error) {
	if db != nil && len(encryptionKey) != 32 {
		return nil, errors.New("secrets: encryption key must be 32 bytes for AES-256")
	}
	s := &Store{db: db, encKey: encryptionKey, envFallback: true}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init creates the backing table.
func (s *Store) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS secrets (
			name       TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`)
	return err
}

func (s *Store) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secrets: decode base64: %w", err)
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("secrets: ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.New("secrets: decrypt failed")
	}
	return string(plain), nil
}

// Set stores or replaces a secret.
func (s *Store) Set(ctx context.Context, name, value string) error {
	if s.db == nil {
		return errors.New("secrets: store is environment-only")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.encrypt(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (name, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		name, sealed, time.Now().UTC())
	return err
}

// Get returns a secret by name, falling back to the environment when the
// store has no row. Missing everywhere is ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	if s.db != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()

		var sealed string
		err := s.db.QueryRowContext(ctx,
			`SELECT value FROM secrets WHERE name = $1`, name).Scan(&sealed)
		switch {
		case err == nil:
			return s.decrypt(sealed)
		case errors.Is(err, sql.ErrNoRows):
			// fall through to the environment
		default:
			return "", err
		}
	}
	if s.envFallback {
		if v := os.Getenv(EnvName(name)); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Delete removes a secret from the store. Environment values are untouched.
func (s *Store) Delete(ctx context.Context, name string) error {
	if s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = $1`, name)
	return err
}

// EnvName maps a secret name to its environment variable:
// "zoho-client-id" becomes "ZOHO_CLIENT_ID".
func EnvName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
