// Package index holds the clients for the external similarity engine. The
// engine is a ranking accelerator only: it is asked to pre-filter by role
// tags, but nothing downstream trusts that it did.
package index

import (
	"context"

	"scopegate/pkg/models"
)

// Hit is one candidate the index returned for a query. Tags are whatever the
// index claims; the retrieval gateway re-verifies them before admission.
type Hit struct {
	ChunkID string
	Content string
	Tags    []models.Role
	Score   float64
}

// Searcher runs a similarity search constrained to the given tag set.
// Implementations pass allowedTags to the engine as a pre-filter predicate;
// they must not be treated as an enforcement point.
type Searcher interface {
	Search(ctx context.Context, query string, allowedTags []models.Role, topK int) ([]Hit, error)
}

// Embedder converts query text into the vector representation the engine
// ranks by. The embedding model itself is an external collaborator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}
