// Command keytool provisions gateway credentials: it mints API keys,
// optionally registers their hashes in the Postgres credential store,
// revokes keys, and generates Ed25519 token-signing keypairs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/edge-gateway/internal/auth"
	"github.com/example/edge-gateway/internal/shared/cache"
)

var (
	register = flag.Bool("register", false, "register the minted key in the credential store (DATABASE_URL)")
	name     = flag.String("name", "", "descriptive name for the registered key")
	revoke   = flag.String("revoke", "", "revoke the given key and drop its cached verdict")
	signing  = flag.Bool("signing-key", false, "generate an Ed25519 token-signing keypair instead of an API key")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "keytool:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case *signing:
		return runSigningKey()
	case *revoke != "":
		return runRevoke(ctx, *revoke)
	}
	return runMint(ctx)
}

func runSigningKey() error {
	pub, priv, err := auth.GenerateSigningKey()
	if err != nil {
		return err
	}
	fmt.Printf("verify key (JWT_VERIFY_KEY): %s\n", auth.EncodeVerifyKey(pub))
	fmt.Printf("signing key (keep secret):   %x\n", priv.Seed())
	return nil
}

func runMint(ctx context.Context) error {
	key, err := auth.MintKey()
	if err != nil {
		return err
	}
	fmt.Println(key)

	if !*register {
		return nil
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.InsertKey(ctx, key, *name); err != nil {
		return fmt.Errorf("register key: %w", err)
	}
	fmt.Fprintf(os.Stderr, "registered key hash %s\n", auth.Fingerprint(key)[:12])
	return nil
}

// runRevoke marks the key revoked in Postgres and drops its cached verdict
// from Redis, so the revocation takes effect without waiting out the
// credential TTL.
func runRevoke(ctx context.Context, key string) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RevokeKey(ctx, key); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	fmt.Fprintf(os.Stderr, "revoked key hash %s\n", auth.Fingerprint(key)[:12])

	rdb := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()

	l1, err := cache.NewRistrettoCache(1<<16, 1<<10)
	if err != nil {
		return err
	}
	defer l1.Close()

	verdicts := cache.NewVerdictCache(l1, cache.NewRedisCache(rdb), nil, nil)
	if err := verdicts.Invalidate(ctx, auth.Fingerprint(key)); err != nil {
		return fmt.Errorf("drop cached verdict: %w", err)
	}
	return nil
}

func openStore(ctx context.Context) (*auth.PGKeyStore, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL not set")
	}
	return auth.NewPGKeyStore(ctx, dsn)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
