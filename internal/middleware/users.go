package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chatstream-api/internal/shared"

	"github.com/redis/go-redis/v9"
)

func userCacheKey(apiKey string) string {
	return fmt.Sprintf("chatstream:v1:user:apikey:%s", apiKey)
}

// getUserMetadataFromKey caches identity only. Balances are always read
// from the database.
func (u *UserMiddleware) getUserMetadataFromKey(ctx context.Context, apiKey string) (*shared.UserMetadata, error) {
	var userMetadata shared.UserMetadata
	key := userCacheKey(apiKey)

	if u.redis != nil {
		cached, err := u.redis.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if err := json.Unmarshal(cached, &userMetadata); err == nil {
				userMetadata.APIKey = apiKey
				return &userMetadata, nil
			}
			u.log.Errorw("Error unmarshalling user info cache", "error", err)
		case !errors.Is(err, redis.Nil):
			u.log.Warnw("Failed reading user cache", "error", err)
		}
		u.log.Debugw("User cache miss", "key", key)
	}

	err := u.rdb.QueryRowContext(ctx, `
		SELECT user.id, user.email
		FROM user
		INNER JOIN api_key ON user.id = api_key.user_id
		WHERE api_key.id = ?`, apiKey,
	).Scan(&userMetadata.UserID, &userMetadata.Email)
	if errors.Is(err, sql.ErrNoRows) {
		u.log.Warnw("Invalid API key")
		return nil, shared.ErrUnauthorized
	}
	if err != nil {
		u.log.Errorw("Database error during API key validation", "error", err)
		return nil, shared.ErrUnauthorized
	}
	userMetadata.APIKey = apiKey

	if u.redis != nil {
		go func() {
			raw, err := json.Marshal(userMetadata)
			if err != nil {
				u.log.Errorw("Error marshalling user info", "error", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), shared.DefaultDialTimeout)
			defer cancel()
			if err := u.redis.Set(ctx, key, raw, shared.UserInfoCacheTTL).Err(); err != nil {
				u.log.Warnw("Failed caching user info", "error", err)
			}
		}()
	}
	return &userMetadata, nil
}
