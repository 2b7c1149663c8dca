// Package refdata holds the static reference tables the bot answers from:
// the OBD-II trouble code table and the complaint phrase table. Both are
// loaded once at startup and never modified afterwards.
package refdata

import (
	"math/rand/v2"
	"slices"
	"strings"
)

// Severity is the urgency class of a trouble code.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// ParseSeverity returns the Severity matching s case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh} {
		if strings.EqualFold(strings.TrimSpace(s), string(sev)) {
			return sev, true
		}
	}
	return "", false
}

// CodeEntry describes one diagnostic trouble code.
type CodeEntry struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Causes      []string `json:"causes"`
	Fixes       []string `json:"fixes"`
}

// CodeSummary is a search hit: a code and its description.
type CodeSummary struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Complaint is a driver complaint in the user's language paired with its
// reference-language translation. Entries are identified by index.
type Complaint struct {
	Localized string `json:"localized,omitempty"`
	Reference string `json:"reference"`
	Remedy    string `json:"remedy,omitempty"`
}

// Text returns the string that is embedded for this complaint.
func (c Complaint) Text() string {
	if c.Localized == "" {
		return c.Reference
	}
	return c.Localized + " " + c.Reference
}

// Store is the immutable reference data store. All methods are safe for
// concurrent use.
type Store struct {
	codes      map[string]CodeEntry
	order      []string
	complaints []Complaint
}

// LookupCode normalizes raw and returns the entry with exactly that key.
func (s *Store) LookupCode(raw string) (CodeEntry, bool) {
	e, ok := s.codes[NormalizeCode(raw)]
	if !ok {
		return CodeEntry{}, false
	}
	return cloneEntry(e), true
}

// SearchByKeyword returns codes whose description contains keyword,
// compared case-insensitively. Results are in ascending code order.
func (s *Store) SearchByKeyword(keyword string) []CodeSummary {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if kw == "" {
		return nil
	}
	var out []CodeSummary
	for _, code := range s.order {
		e := s.codes[code]
		if strings.Contains(strings.ToLower(e.Description), kw) {
			out = append(out, CodeSummary{Code: code, Description: e.Description})
		}
	}
	return out
}

// AllCodes returns every code in ascending order.
func (s *Store) AllCodes() []string {
	return slices.Clone(s.order)
}

// CodesBySeverity returns the codes with the given severity, ascending.
// Unknown severities yield nil.
func (s *Store) CodesBySeverity(severity string) []string {
	sev, ok := ParseSeverity(severity)
	if !ok {
		return nil
	}
	var out []string
	for _, code := range s.order {
		if s.codes[code].Severity == sev {
			out = append(out, code)
		}
	}
	return out
}

// Random picks a code entry using r. A nil r uses the global source.
func (s *Store) Random(r *rand.Rand) CodeEntry {
	var i int
	if r == nil {
		i = rand.IntN(len(s.order))
	} else {
		i = r.IntN(len(s.order))
	}
	return cloneEntry(s.codes[s.order[i]])
}

// Complaints returns the complaint table in load order.
func (s *Store) Complaints() []Complaint {
	return slices.Clone(s.complaints)
}

// Len returns the number of codes.
func (s *Store) Len() int { return len(s.order) }

func cloneEntry(e CodeEntry) CodeEntry {
	e.Causes = slices.Clone(e.Causes)
	e.Fixes = slices.Clone(e.Fixes)
	return e
}
