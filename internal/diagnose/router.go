// Package diagnose turns user input into an answer: the Router decides
// whether the text is a trouble code or a free-text complaint, and the
// Formatter renders the outcome as chat text.
package diagnose

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/obdbot/internal/refdata"
	"github.com/kalambet/obdbot/internal/retrieval"
)

// ErrEmptyQuery is returned when the input is empty after normalization.
var ErrEmptyQuery = errors.New("empty query")

// Kind tags a Resolution.
type Kind int

const (
	KindCodeFound Kind = iota + 1
	KindCodeNotFound
	KindComplaintMatched
)

func (k Kind) String() string {
	switch k {
	case KindCodeFound:
		return "code_found"
	case KindCodeNotFound:
		return "code_not_found"
	case KindComplaintMatched:
		return "complaint_matched"
	default:
		return "unknown"
	}
}

// Resolution is the outcome of routing one input. Code is set for
// KindCodeFound (full entry) and KindCodeNotFound (Code field only); Match
// is set for KindComplaintMatched.
type Resolution struct {
	Kind  Kind
	Query string
	Code  refdata.CodeEntry
	Match retrieval.Match
}

// CodeLookup resolves exact trouble codes. *refdata.Store implements it.
type CodeLookup interface {
	LookupCode(raw string) (refdata.CodeEntry, bool)
}

// ComplaintFinder finds the closest complaint. *retrieval.Matcher implements it.
type ComplaintFinder interface {
	FindClosest(ctx context.Context, text string) (retrieval.Match, error)
}

// Router sends code-shaped input to the code table and everything else
// to the complaint matcher.
type Router struct {
	codes   CodeLookup
	matcher ComplaintFinder
}

// NewRouter creates a Router.
func NewRouter(codes CodeLookup, matcher ComplaintFinder) *Router {
	return &Router{codes: codes, matcher: matcher}
}

// Resolve classifies raw. An exact code hit always wins. Input that looks
// like a code but is absent from the table is reported as not found and is
// never matched semantically.
func (r *Router) Resolve(ctx context.Context, raw string) (Resolution, error) {
	query := refdata.NormalizeText(raw)
	if query == "" {
		return Resolution{}, ErrEmptyQuery
	}

	if entry, ok := r.codes.LookupCode(query); ok {
		return Resolution{Kind: KindCodeFound, Query: query, Code: entry}, nil
	}
	if refdata.LooksLikeCode(query) {
		return Resolution{
			Kind:  KindCodeNotFound,
			Query: query,
			Code:  refdata.CodeEntry{Code: refdata.NormalizeCode(query)},
		}, nil
	}

	m, err := r.matcher.FindClosest(ctx, query)
	if err != nil {
		return Resolution{}, fmt.Errorf("matching complaint: %w", err)
	}
	return Resolution{Kind: KindComplaintMatched, Query: query, Match: m}, nil
}
