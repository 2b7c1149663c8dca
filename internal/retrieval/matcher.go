package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kalambet/obdbot/internal/refdata"
)

// ErrNoComplaintsLoaded is returned when there is nothing to match against:
// the complaint table is empty or every embedding was degenerate.
var ErrNoComplaintsLoaded = errors.New("no complaints loaded")

// TextEmbedder turns text into vectors. *Embedder implements it; tests use
// deterministic stubs.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Match is the complaint closest to a query.
type Match struct {
	Complaint refdata.Complaint
	Index     int
	Score     float32
}

// Confidence is Score clamped to [0, 1].
func (m Match) Confidence() float32 {
	switch {
	case m.Score < 0:
		return 0
	case m.Score > 1:
		return 1
	}
	return m.Score
}

type candidate struct {
	index     int
	complaint refdata.Complaint
	vec       []float32
	norm      float64
}

// Matcher finds the closest complaint by cosine similarity. Vectors are
// computed once in NewMatcher and only read afterwards, so a Matcher is
// safe for concurrent use.
type Matcher struct {
	embedder   TextEmbedder
	candidates []candidate
	dim        int
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// RequireDimension fixes the embedding dimension, normally the one the
// model reported at startup. Complaint vectors of any other length are
// excluded.
func RequireDimension(n int) MatcherOption {
	return func(m *Matcher) {
		if n > 0 {
			m.dim = n
		}
	}
}

// NewMatcher embeds every complaint. Zero-norm vectors and vectors whose
// dimension disagrees with the required one (by default the first usable
// vector's) are excluded.
func NewMatcher(ctx context.Context, embedder TextEmbedder, complaints []refdata.Complaint, opts ...MatcherOption) (*Matcher, error) {
	if len(complaints) == 0 {
		return nil, ErrNoComplaintsLoaded
	}

	texts := make([]string, len(complaints))
	for i, c := range complaints {
		texts[i] = c.Text()
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding complaints: %w", err)
	}
	if len(vecs) != len(complaints) {
		return nil, fmt.Errorf("embedding complaints: got %d vectors for %d complaints", len(vecs), len(complaints))
	}

	m := &Matcher{embedder: embedder}
	for _, o := range opts {
		o(m)
	}
	for i, vec := range vecs {
		n := norm(vec)
		if !usable(n) {
			slog.Warn("skipping degenerate complaint embedding", "index", i, "reference", complaints[i].Reference)
			continue
		}
		if m.dim == 0 {
			m.dim = len(vec)
		} else if len(vec) != m.dim {
			slog.Warn("skipping complaint embedding with wrong dimension", "index", i, "dim", len(vec), "want", m.dim)
			continue
		}
		m.candidates = append(m.candidates, candidate{index: i, complaint: complaints[i], vec: vec, norm: n})
	}

	if len(m.candidates) == 0 {
		return nil, fmt.Errorf("%w: all %d complaint embeddings are degenerate", ErrNoComplaintsLoaded, len(complaints))
	}
	return m, nil
}

// Len returns the number of complaints that take part in matching.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.candidates)
}

// Dim returns the embedding dimension.
func (m *Matcher) Dim() int { return m.dim }

// FindClosest returns the complaint with the highest cosine similarity to
// text. Ties go to the lowest index.
func (m *Matcher) FindClosest(ctx context.Context, text string) (Match, error) {
	matches, err := m.TopK(ctx, text, 1)
	if err != nil {
		return Match{}, err
	}
	return matches[0], nil
}

// TopK returns up to k matches ordered by descending score, ties by index.
func (m *Matcher) TopK(ctx context.Context, text string, k int) ([]Match, error) {
	if m.Len() == 0 {
		return nil, ErrNoComplaintsLoaded
	}
	if k <= 0 {
		k = 1
	}

	q, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(q) != m.dim {
		return nil, fmt.Errorf("query embedding has dimension %d, want %d", len(q), m.dim)
	}
	qn := norm(q)
	if !usable(qn) {
		// Degenerate queries score 0 against everything.
		qn = 0
	}

	matches := make([]Match, len(m.candidates))
	for i, c := range m.candidates {
		matches[i] = Match{Complaint: c.complaint, Index: c.index, Score: cosine(q, qn, c.vec, c.norm)}
	}
	// Candidates are already in index order, so a stable sort keeps the
	// lowest index first among equal scores.
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}
