package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/pscheid92/streamrelay/internal/platform/crypto"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultCredentialsKey = "streamrelay:credentials"

// CredentialStore keeps credentials as fields of one Redis hash. Values are
// sealed with the field name as label, so a value copied to another field
// does not open.
type CredentialStore struct {
	rdb    *goredis.Client
	key    string
	sealer crypto.Sealer
}

var _ domain.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore stores under key, or DefaultCredentialsKey when empty.
// A nil sealer stores values in plain text.
func NewCredentialStore(rdb *goredis.Client, key string, sealer crypto.Sealer) *CredentialStore {
	if key == "" {
		key = DefaultCredentialsKey
	}
	if sealer == nil {
		sealer = crypto.Plain{}
	}
	return &CredentialStore{rdb: rdb, key: key, sealer: sealer}
}

func (s *CredentialStore) Get(ctx context.Context, key string) (string, error) {
	sealed, err := s.rdb.HGet(ctx, s.key, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", domain.ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential %s: %w", key, err)
	}

	value, err := s.sealer.Open(key, sealed)
	if err != nil {
		return "", fmt.Errorf("failed to open credential %s: %w", key, err)
	}
	return value, nil
}

func (s *CredentialStore) Set(ctx context.Context, key, value string) error {
	sealed, err := s.sealer.Seal(key, value)
	if err != nil {
		return fmt.Errorf("failed to seal credential %s: %w", key, err)
	}
	if err := s.rdb.HSet(ctx, s.key, key, sealed).Err(); err != nil {
		return fmt.Errorf("failed to write credential %s: %w", key, err)
	}
	return nil
}
