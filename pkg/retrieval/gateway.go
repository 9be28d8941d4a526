package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scopegate/pkg/audit"
	"scopegate/pkg/index"
	"scopegate/pkg/models"
	"scopegate/pkg/stream"
)

// DefaultTopK caps the admitted set when the caller does not choose.
const DefaultTopK = 5

// ErrUnavailable means the similarity index (or the tag authority) could not
// serve the request within the retry budget. It is never substituted with
// partial or cached unchecked results.
var ErrUnavailable = errors.New("retrieval unavailable")

// Meter is the slice of the metrics registry the gateway reports to.
type Meter interface {
	IncOutcome(outcome string)
	AddScopeViolations(delta int64)
}

// Gateway is the filtered retrieval orchestrator. The index pre-filter is a
// performance optimization; the local re-verification here is the actual
// authorization boundary.
type Gateway struct {
	Index index.Searcher

	// Tags, when set, overrides index-reported tags with authoritative ones.
	Tags TagSource

	Audit     *audit.Emitter
	AuditSalt []byte
	Metrics   Meter
	Events    *stream.Hub

	SearchRetries    int
	SearchRetryDelay time.Duration

	// Now and NewID are seams for tests.
	Now   func() time.Time
	NewID func() string
}

// Retrieve runs one scoped retrieval: pre-filtered search, mandatory local
// re-verification of every hit, filter-before-truncate, and exactly one
// audit record regardless of outcome. Zero candidates is a valid success,
// distinct from any failure.
func (g *Gateway) Retrieve(ctx context.Context, q ScopedQuery) (models.RetrievalResult, error) {
	hits, err := g.search(ctx, q)
	if err != nil {
		g.record(q, audit.Record{
			Outcome:    audit.OutcomeUnavailable,
			ReasonCode: models.CodeRetrievalUnavailable,
		})
		g.incOutcome(audit.OutcomeUnavailable)
		return models.RetrievalResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result := models.RetrievalResult{}
	for _, hit := range hits {
		tags, err := g.authoritativeTags(ctx, hit)
		if err != nil {
			// Cannot verify means cannot serve: unverified chunks never
			// degrade into partial success.
			g.record(q, audit.Record{
				Outcome:    audit.OutcomeUnavailable,
				ReasonCode: models.CodeRetrievalUnavailable,
			})
			g.incOutcome(audit.OutcomeUnavailable)
			return models.RetrievalResult{}, fmt.Errorf("%w: tag authority: %v", ErrUnavailable, err)
		}
		if !q.scope.Allows(tags) {
			result.RejectedCount++
			result.RejectedIDs = append(result.RejectedIDs, hit.ChunkID)
			continue
		}
		if len(result.Chunks) < q.topK {
			result.Chunks = append(result.Chunks, models.Chunk{
				ID:      hit.ChunkID,
				Content: hit.Content,
				Tags:    tags,
				Score:   hit.Score,
			})
		}
	}

	if result.RejectedCount > 0 {
		// The index returned chunks outside scope: an ingestion or staleness
		// defect, or a bypass attempt. Silent to the caller, loud everywhere
		// else.
		if g.Metrics != nil {
			g.Metrics.AddScopeViolations(int64(result.RejectedCount))
		}
		if g.Events != nil {
			g.Events.Publish(stream.NewEvent("scope_violation", map[string]any{
				"subject":        q.subject,
				"rejected_count": result.RejectedCount,
				"rejected_ids":   result.RejectedIDs,
			}))
		}
	}

	g.record(q, audit.Record{
		Outcome:       audit.OutcomeAdmitted,
		AdmittedCount: len(result.Chunks),
		RejectedCount: result.RejectedCount,
		RejectedIDs:   result.RejectedIDs,
	})
	g.incOutcome(audit.OutcomeAdmitted)
	return result, nil
}

// search calls the index with the scope tags as a pre-filter, retrying
// transient failures a bounded number of times with exponential backoff.
// Fetching beyond topK here keeps filter-before-truncate from starving
// results when many hits are ineligible.
func (g *Gateway) search(ctx context.Context, q ScopedQuery) ([]index.Hit, error) {
	retries := g.SearchRetries
	if retries < 0 {
		retries = 0
	}
	delay := g.SearchRetryDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	fetch := q.topK * 3
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		hits, err := g.Index.Search(ctx, q.text, q.scope.Roles(), fetch)
		if err == nil {
			return hits, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// authoritativeTags resolves the tags re-verification trusts. With a tag
// authority configured the index's claims are ignored entirely; a chunk the
// authority does not know is restricted, never defaulted open.
func (g *Gateway) authoritativeTags(ctx context.Context, hit index.Hit) ([]models.Role, error) {
	if g.Tags == nil {
		return hit.Tags, nil
	}
	tags, found, err := g.Tags.Tags(ctx, hit.ChunkID)
	if err != nil {
		return nil, err
	}
	if !found {
		return []models.Role{models.RoleRestricted}, nil
	}
	return tags, nil
}

func (g *Gateway) record(q ScopedQuery, rec audit.Record) {
	if g.Audit == nil {
		return
	}
	rec.ID = g.newID()
	rec.At = g.now()
	rec.Subject = q.subject
	rec.Scope = q.scope.Roles()
	rec.QueryFingerprint = audit.Fingerprint(q.text, g.AuditSalt)
	g.Audit.Emit(rec)
}

func (g *Gateway) incOutcome(outcome string) {
	if g.Metrics != nil {
		g.Metrics.IncOutcome(outcome)
	}
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

func (g *Gateway) newID() string {
	if g.NewID != nil {
		return g.NewID()
	}
	return uuid.NewString()
}
