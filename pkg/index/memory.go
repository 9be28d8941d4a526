package index

import (
	"context"
	"sort"
	"strings"
	"sync"

	"scopegate/pkg/models"
)

// MemoryIndex is a brute-force token-overlap index for local runs and tests.
// Honoring the tag pre-filter is deliberate best-effort: SkipPrefilter turns
// it off to simulate a stale or misbehaving engine.
type MemoryIndex struct {
	mu            sync.RWMutex
	docs          []memoryDoc
	SkipPrefilter bool
}

type memoryDoc struct {
	id      string
	content string
	tags    []models.Role
}

func NewMemoryIndex() *MemoryIndex { return &MemoryIndex{} }

// Upsert adds or replaces a chunk. Ingestion is an external concern; this
// exists so local deployments have something to search.
func (m *MemoryIndex) Upsert(id, content string, tags []models.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := memoryDoc{id: id, content: content, tags: append([]models.Role(nil), tags...)}
	for i := range m.docs {
		if m.docs[i].id == id {
			m.docs[i] = doc
			return
		}
	}
	m.docs = append(m.docs, doc)
}

func (m *MemoryIndex) Search(ctx context.Context, query string, allowedTags []models.Role, topK int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	allowed := make(map[models.Role]struct{}, len(allowedTags))
	for _, t := range allowedTags {
		allowed[t] = struct{}{}
	}
	terms := strings.Fields(strings.ToLower(query))

	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []Hit
	for _, doc := range m.docs {
		if !m.SkipPrefilter && !tagsIntersect(doc.tags, allowed) {
			continue
		}
		score := overlapScore(strings.ToLower(doc.content), terms)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{
			ChunkID: doc.id,
			Content: doc.content,
			Tags:    append([]models.Role(nil), doc.tags...),
			Score:   score,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func tagsIntersect(tags []models.Role, allowed map[models.Role]struct{}) bool {
	for _, t := range tags {
		if _, ok := allowed[t]; ok {
			return true
		}
	}
	return false
}

func overlapScore(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	matched := 0
	for _, term := range terms {
		if strings.Contains(content, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
