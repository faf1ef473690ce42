package auth

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/edge-gateway/internal/shared/validate"
)

// PGKeyStore checks API keys against Postgres. Only key hashes are stored;
// a key is valid while its row exists and is not revoked.
type PGKeyStore struct {
	pool *pgxpool.Pool
}

// NewPGKeyStore connects to Postgres and verifies connectivity. An
// unreachable store at startup is fatal for the process.
func NewPGKeyStore(ctx context.Context, dsn string) (*PGKeyStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect credential store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping credential store: %w", err)
	}
	return &PGKeyStore{pool: pool}, nil
}

func (s *PGKeyStore) CheckKey(ctx context.Context, key string) (bool, error) {
	// Malformed keys never reach the database.
	if validate.APIKeyFormat(key) != nil {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL)`,
		Fingerprint(key),
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// InsertKey registers a key hash. Provisioning helper; the gateway request
// path never writes.
func (s *PGKeyStore) InsertKey(ctx context.Context, key, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (key_hash, name, created_at) VALUES ($1, $2, now())`,
		Fingerprint(key), name,
	)
	return err
}

// RevokeKey marks a key revoked. The cached verdict must be invalidated
// separately or the key stays valid until its cache TTL runs out.
func (s *PGKeyStore) RevokeKey(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE key_hash = $1 AND revoked_at IS NULL`,
		Fingerprint(key),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no active key with that hash")
	}
	return nil
}

func (s *PGKeyStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGKeyStore) Close() {
	s.pool.Close()
}
