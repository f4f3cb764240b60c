// Package segmenter turns extracted document text into ordered, speakable
// segments with page and character-offset provenance.
//
// The scan is an explicit forward walk over the normalized text. Every
// iteration consumes at least one rune, so malformed input can never stall it.
package segmenter

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/book-expert/lektor/internal/core"
	"github.com/google/uuid"
)

const (
	// DefaultAbbreviationThreshold is the rune length below which a candidate
	// ending in a known abbreviation is treated as a false sentence break.
	DefaultAbbreviationThreshold = 10

	formFeed  = '\f'
	space     = ' '
	firstPage = 1
)

// DefaultAbbreviations are the Polish abbreviations that commonly end in a
// period without ending a sentence.
func DefaultAbbreviations() []string {
	return []string{"dr", "prof", "itp", "itd", "ul", "nr", "godz", "m.in"}
}

// segmentNamespace scopes the name-based segment ids.
var segmentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://book-expert.dev/lektor/segment"))

// Segmenter splits text into sentences. It holds no mutable state and is
// safe for concurrent use.
type Segmenter struct {
	abbreviationSuffixes []string
	threshold            int
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithAbbreviations replaces the abbreviation list. Entries are matched
// case-insensitively and without their trailing period.
func WithAbbreviations(abbreviations []string) Option {
	return func(s *Segmenter) {
		s.abbreviationSuffixes = suffixes(abbreviations)
	}
}

// WithThreshold sets the rune length below which abbreviation-ending
// candidates are dropped.
func WithThreshold(threshold int) Option {
	return func(s *Segmenter) {
		s.threshold = threshold
	}
}

// New creates a Segmenter with the Polish abbreviation list.
func New(opts ...Option) *Segmenter {
	segmenter := &Segmenter{
		abbreviationSuffixes: suffixes(DefaultAbbreviations()),
		threshold:            DefaultAbbreviationThreshold,
	}

	for _, opt := range opts {
		opt(segmenter)
	}

	return segmenter
}

// Normalize strips carriage returns, collapses whitespace runs to a single
// space and trims the result. A run that contains a form feed collapses to
// a single form feed so page breaks survive normalization.
func Normalize(text string) string {
	var builder strings.Builder

	builder.Grow(len(text))

	inRun := false
	runHasFormFeed := false

	flush := func() {
		if !inRun {
			return
		}

		if runHasFormFeed {
			builder.WriteRune(formFeed)
		} else {
			builder.WriteRune(space)
		}

		inRun = false
		runHasFormFeed = false
	}

	for _, char := range text {
		if char == '\r' {
			continue
		}

		if unicode.IsSpace(char) {
			inRun = true
			runHasFormFeed = runHasFormFeed || char == formFeed

			continue
		}

		flush()
		builder.WriteRune(char)
	}

	flush()

	return strings.TrimSpace(builder.String())
}

// Segment splits text into ordered segments for the given document. Offsets
// are rune offsets into Normalize(text). Empty or whitespace-only input
// yields an empty slice.
func (s *Segmenter) Segment(documentID, text string) []core.Segment {
	runes := []rune(Normalize(text))
	segments := make([]core.Segment, 0)

	page := firstPage
	pageCountedTo := 0
	cursor := 0

	for cursor < len(runes) {
		start := cursor
		end := scanSentence(runes, start)

		if end <= cursor {
			// The scan must always advance; stop rather than loop.
			return segments
		}

		cursor = end

		low, high := trim(runes, start, end)
		if low == high {
			continue
		}

		sentence := string(runes[low:high])
		if s.isFalseBreak(sentence, high-low) {
			continue
		}

		page += countFormFeeds(runes[pageCountedTo:low])
		pageCountedTo = low

		order := len(segments)
		segments = append(segments, core.Segment{
			ID:         segmentID(documentID, order),
			DocumentID: documentID,
			Page:       page,
			Order:      order,
			Text:       sentence,
			StartChar:  low,
			EndChar:    high,
		})
	}

	return segments
}

// isFalseBreak reports whether a short candidate ends in a known abbreviation.
func (s *Segmenter) isFalseBreak(sentence string, length int) bool {
	if length >= s.threshold {
		return false
	}

	lower := strings.ToLower(sentence)
	for _, suffix := range s.abbreviationSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return false
}

// scanSentence returns the index just past the sentence starting at start:
// everything up to and including the next run of terminators, or the end of
// the text.
func scanSentence(runes []rune, start int) int {
	end := start
	for end < len(runes) && !isTerminator(runes[end]) {
		end++
	}

	for end < len(runes) && isTerminator(runes[end]) {
		end++
	}

	return end
}

func isTerminator(char rune) bool {
	return char == '.' || char == '!' || char == '?'
}

func trim(runes []rune, low, high int) (int, int) {
	for low < high && unicode.IsSpace(runes[low]) {
		low++
	}

	for high > low && unicode.IsSpace(runes[high-1]) {
		high--
	}

	return low, high
}

func countFormFeeds(runes []rune) int {
	count := 0

	for _, char := range runes {
		if char == formFeed {
			count++
		}
	}

	return count
}

func suffixes(abbreviations []string) []string {
	result := make([]string, 0, len(abbreviations))

	for _, abbreviation := range abbreviations {
		abbreviation = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(abbreviation)), ".")
		if abbreviation == "" {
			continue
		}

		result = append(result, abbreviation+".")
	}

	return result
}

func segmentID(documentID string, order int) string {
	name := documentID + "/" + strconv.Itoa(order)

	return uuid.NewSHA1(segmentNamespace, []byte(name)).String()
}
