package embeddings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/uptrace/bun"
)

// SecretResolver turns an api_key_name from a vectorizer config into the
// secret value. Environment variables win; when the reveal_secrets feature
// flag is on, the database's ai.reveal_secret function is the fallback so
// secrets managed inside Postgres keep working without process restarts.
type SecretResolver struct {
	db        bun.IDB
	allowDB   atomic.Bool
	lookupEnv func(string) (string, bool)
}

// NewSecretResolver builds a resolver. Database reveal stays off until
// SetAllowDBReveal enables it from the feature flag at startup.
func NewSecretResolver(db bun.IDB) *SecretResolver {
	return &SecretResolver{db: db, lookupEnv: os.LookupEnv}
}

// SetAllowDBReveal toggles the ai.reveal_secret fallback.
func (r *SecretResolver) SetAllowDBReveal(allow bool) {
	r.allowDB.Store(allow)
}

// Resolve returns the secret for name, or *APIKeyError when it cannot be
// found anywhere.
func (r *SecretResolver) Resolve(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", &APIKeyError{Name: name}
	}
	if v, ok := r.lookupEnv(name); ok && v != "" {
		return v, nil
	}

	if r.allowDB.Load() && r.db != nil {
		var secret sql.NullString
		err := r.db.NewRaw("SELECT ai.reveal_secret(?)", name).Scan(ctx, &secret)
		switch {
		case err == nil && secret.Valid && secret.String != "":
			return secret.String, nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("reveal secret %q: %w", name, err)
		}
	}

	return "", &APIKeyError{Name: name}
}
