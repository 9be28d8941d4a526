package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"scopegate/pkg/models"
	"scopegate/pkg/store"
)

// TagSource is the authoritative record of which roles may read a chunk.
// When configured, re-verification uses it instead of whatever tags the
// index claims. found=false means the chunk is unknown to the authority and
// must be treated as restricted.
type TagSource interface {
	Tags(ctx context.Context, chunkID string) (tags []models.Role, found bool, err error)
}

type tagDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresTagSource reads chunk tags from the ingestion pipeline's table.
type PostgresTagSource struct {
	DB tagDB
}

func (s *PostgresTagSource) Tags(ctx context.Context, chunkID string) ([]models.Role, bool, error) {
	var raw []string
	err := s.DB.QueryRow(ctx, `SELECT roles FROM chunk_tags WHERE chunk_id=$1`, chunkID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	tags := make([]models.Role, 0, len(raw))
	for _, r := range raw {
		if r != "" {
			tags = append(tags, models.Role(r))
		}
	}
	return tags, true, nil
}

// StaticTagSource serves tags from a fixed map; local runs and tests.
type StaticTagSource map[string][]models.Role

func (s StaticTagSource) Tags(ctx context.Context, chunkID string) ([]models.Role, bool, error) {
	tags, ok := s[chunkID]
	return tags, ok, nil
}

// CachedTagSource puts a TTL cache in front of a slower source. Negative
// results are cached too, so a flood of hits for an unknown chunk does not
// hammer the authority.
type CachedTagSource struct {
	Source TagSource
	Cache  store.Cache
	TTL    time.Duration
	Prefix string
}

type cachedTags struct {
	Tags  []models.Role `json:"tags"`
	Found bool          `json:"found"`
}

func (s *CachedTagSource) Tags(ctx context.Context, chunkID string) ([]models.Role, bool, error) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "tags:"
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := prefix + chunkID
	if raw, err := s.Cache.Get(ctx, key); err == nil && raw != "" {
		var cached cachedTags
		if json.Unmarshal([]byte(raw), &cached) == nil {
			return cached.Tags, cached.Found, nil
		}
	}
	tags, found, err := s.Source.Tags(ctx, chunkID)
	if err != nil {
		return nil, false, err
	}
	if raw, err := json.Marshal(cachedTags{Tags: tags, Found: found}); err == nil {
		_ = s.Cache.Set(ctx, key, string(raw), ttl)
	}
	return tags, found, nil
}
