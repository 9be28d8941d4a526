package retrieval

import (
	"errors"
	"strings"

	"scopegate/pkg/models"
)

// ScopedQuery pairs query text with an already-resolved access scope. The
// fields are unexported and the only constructor requires a scope, so an
// unscoped query is unrepresentable on the path to the index.
type ScopedQuery struct {
	subject string
	text    string
	scope   models.AccessScope
	topK    int
}

// NewScopedQuery builds a submittable query. The scope must come from the
// policy resolver for this request; an empty scope is refused because no
// request legitimately resolves to one.
func NewScopedQuery(subject, text string, scope models.AccessScope, topK int) (ScopedQuery, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ScopedQuery{}, errors.New("retrieval: empty query text")
	}
	if scope.Size() == 0 {
		return ScopedQuery{}, errors.New("retrieval: query without a resolved scope")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	return ScopedQuery{subject: subject, text: text, scope: scope, topK: topK}, nil
}

func (q ScopedQuery) Subject() string            { return q.subject }
func (q ScopedQuery) Text() string               { return q.text }
func (q ScopedQuery) Scope() models.AccessScope  { return q.scope }
func (q ScopedQuery) TopK() int                  { return q.topK }
