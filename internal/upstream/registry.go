package upstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatstream-api/internal/shared"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Model struct {
	ID            uint64  `json:"model_id"`
	Name          string  `json:"name"`
	URL           string  `json:"url"`
	UpstreamModel string  `json:"upstream_model"`
	AllowedUserID *uint64 `json:"allowed_user_id"`
}

// Registry resolves model names to enabled backends
type Registry struct {
	rdb   *sql.DB
	redis *redis.Client
	log   *zap.SugaredLogger
}

// NewRegistry builds a registry. redisClient may be nil to disable caching.
func NewRegistry(rdb *sql.DB, redisClient *redis.Client, log *zap.SugaredLogger) *Registry {
	return &Registry{rdb: rdb, redis: redisClient, log: log}
}

func modelCacheKey(name string) string {
	return fmt.Sprintf("chatstream:v1:model:service:%s", name)
}

// Resolve finds an enabled model the user may use. Private models of other
// users are reported as not found.
func (r *Registry) Resolve(ctx context.Context, userID uint64, name string) (*Model, error) {
	model, err := r.cached(ctx, name)
	if err != nil {
		r.log.Warnw("Failed reading cached model", "error", err, "model_name", name)
	}
	if model == nil {
		model, err = r.query(ctx, name)
		if err != nil {
			return nil, err
		}
		r.store(model)
	}

	if model.AllowedUserID != nil && *model.AllowedUserID != userID {
		r.log.Warnw("Access denied to private model",
			"model_name", name,
			"user_id", userID,
			"allowed_user_id", *model.AllowedUserID)
		return nil, shared.ErrModelNotFound
	}
	return model, nil
}

func (r *Registry) cached(ctx context.Context, name string) (*Model, error) {
	if r.redis == nil {
		return nil, nil
	}
	raw, err := r.redis.Get(ctx, modelCacheKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var model Model
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, err
	}
	r.log.Debugw("Cache hit for model service", "model_name", name)
	return &model, nil
}

func (r *Registry) query(ctx context.Context, name string) (*Model, error) {
	var model Model
	var allowed sql.NullInt64
	err := r.rdb.QueryRowContext(ctx, `
		SELECT id, name, url, upstream_model, allowed_user_id
		FROM model
		WHERE name = ? AND enabled = ?
		LIMIT 1`, name, true,
	).Scan(&model.ID, &model.Name, &model.URL, &model.UpstreamModel, &allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrModelNotFound
	}
	if err != nil {
		return nil, errors.Join(shared.ErrPersistence, fmt.Errorf("failed querying model: %w", err))
	}
	if allowed.Valid {
		id := uint64(allowed.Int64)
		model.AllowedUserID = &id
	}
	return &model, nil
}

func (r *Registry) store(model *Model) {
	if r.redis == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		payload, err := json.Marshal(model)
		if err != nil {
			r.log.Warnw("Failed to marshal model for cache", "error", err, "model_name", model.Name)
			return
		}
		if err := r.redis.Set(ctx, modelCacheKey(model.Name), payload, shared.ModelServiceCacheTTL).Err(); err != nil {
			r.log.Warnw("Failed to cache model service", "error", err, "model_name", model.Name)
		}
	}()
}
