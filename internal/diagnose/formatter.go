package diagnose

import (
	"fmt"
	"math"
	"strings"

	"github.com/kalambet/obdbot/internal/refdata"
)

const (
	DefaultThreshold = 0.4
	DefaultMaxCauses = 3
)

const (
	lowConfidenceText = "🤔 I could not identify the problem from that description. Try rephrasing it, or send an OBD-II code like P0300."
	genericRemedy     = "Have the vehicle scanned for stored trouble codes and inspected by a mechanic."
	welcomeText       = "🔧 *OBD-II Diagnostic Bot*\n\n" +
		"Send me any OBD-II trouble code (e.g., P0300, C0040) and I'll provide:\n" +
		"- Detailed description\n" +
		"- Possible causes\n" +
		"- Recommended fixes\n\n" +
		"You can also describe what your car is doing in your own words.\n\n" +
		"Try these commands:\n" +
		"/start - Show this message\n" +
		"/search [keyword] - Find codes by description\n" +
		"/random - Get a random code to learn"
)

// Formatter renders resolutions as Markdown chat text.
type Formatter struct {
	// Threshold is the minimum confidence, inclusive, for a complaint match
	// to be shown.
	Threshold float32
	// MaxCauses limits the causes listed by FormatRandom.
	MaxCauses int
}

// NewFormatter returns a Formatter with the default threshold and cause limit.
func NewFormatter() Formatter {
	return Formatter{Threshold: DefaultThreshold, MaxCauses: DefaultMaxCauses}
}

// IsConfident reports whether confidence reaches the threshold.
func (f Formatter) IsConfident(confidence float32) bool {
	return confidence >= f.Threshold
}

// Format renders a Resolution.
func (f Formatter) Format(r Resolution) string {
	switch r.Kind {
	case KindCodeFound:
		return formatCode(r.Code)
	case KindCodeNotFound:
		return fmt.Sprintf("❌ Code '%s' not found. Try /search [keyword]", r.Code.Code)
	case KindComplaintMatched:
		return f.formatMatch(r)
	default:
		return lowConfidenceText
	}
}

func (f Formatter) formatMatch(r Resolution) string {
	conf := r.Match.Confidence()
	if !f.IsConfident(conf) {
		return lowConfidenceText
	}
	remedy := r.Match.Complaint.Remedy
	if remedy == "" {
		remedy = genericRemedy
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔎 *Likely issue:* %s\n\n", r.Match.Complaint.Reference)
	fmt.Fprintf(&b, "🛠️ *What to do:* %s\n\n", remedy)
	fmt.Fprintf(&b, "📊 Confidence: %d%%", Percent(conf))
	return b.String()
}

// Percent converts a [0,1] confidence to a rounded integer percentage.
func Percent(confidence float32) int {
	return int(math.Round(float64(confidence) * 100))
}

func formatCode(e refdata.CodeEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚗 *%s - %s*\n", e.Code, e.Description)
	fmt.Fprintf(&b, "⚡ Severity: %s\n\n", e.Severity)
	b.WriteString("🔧 *Possible Causes:*\n")
	writeBullets(&b, e.Causes)
	b.WriteString("\n🛠️ *Recommended Fixes:*\n")
	writeBullets(&b, e.Fixes)
	return strings.TrimRight(b.String(), "\n")
}

func writeBullets(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("- none listed\n")
		return
	}
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteByte('\n')
	}
}

// FormatSearch renders keyword search hits.
func (f Formatter) FormatSearch(keyword string, hits []refdata.CodeSummary) string {
	if len(hits) == 0 {
		return fmt.Sprintf("No codes found matching '%s'", keyword)
	}
	var b strings.Builder
	b.WriteString("🔍 *Search Results:*\n\n")
	for i, h := range hits {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %s", h.Code, h.Description)
	}
	return b.String()
}

// FormatRandom renders a code for the /random command with at most
// MaxCauses causes.
func (f Formatter) FormatRandom(e refdata.CodeEntry) string {
	causes := e.Causes
	if f.MaxCauses > 0 && len(causes) > f.MaxCauses {
		causes = causes[:f.MaxCauses]
	}
	var b strings.Builder
	b.WriteString("🎲 *Random OBD Code*\n\n")
	fmt.Fprintf(&b, "🚗 *%s - %s*\n", e.Code, e.Description)
	fmt.Fprintf(&b, "⚡ Severity: %s\n\n", e.Severity)
	b.WriteString("🔧 *Possible Causes:*\n")
	writeBullets(&b, causes)
	b.WriteString("\n💡 Try sending this code alone for full details")
	return b.String()
}

// Welcome returns the /start text.
func (f Formatter) Welcome() string { return welcomeText }

// SearchUsage is the reply to /search without a keyword.
const SearchUsage = "Please enter a search term after /search"
