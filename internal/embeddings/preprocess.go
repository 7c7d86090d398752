package embeddings

import (
	"regexp"
	"strings"
)

// Patterns stripped before embedding. Ontology definitions and staged spans
// arrive with RDF leftovers that would dominate the vector otherwise.
var (
	angleURIPattern = regexp.MustCompile(`<[a-zA-Z][a-zA-Z0-9+.-]*://[^>\s]*>`)
	markupPattern   = regexp.MustCompile(`<[^>]+>`)
	langTagPattern  = regexp.MustCompile(`@[a-zA-Z]{2,3}(-[a-zA-Z0-9]+)*\b`)
	datatypePattern = regexp.MustCompile(`\^\^[a-zA-Z][a-zA-Z0-9]*:[a-zA-Z][a-zA-Z0-9]*`)
)

// CleanText prepares text for embedding: strips angle-bracketed URIs,
// XML/RDF markup tags and lexical annotation tokens (language tags, datatype
// suffixes), then collapses whitespace. Returns ErrEmptyInput when nothing
// embeddable remains.
func CleanText(text string) (string, error) {
	text = angleURIPattern.ReplaceAllString(text, " ")
	text = markupPattern.ReplaceAllString(text, " ")
	text = datatypePattern.ReplaceAllString(text, " ")
	text = langTagPattern.ReplaceAllString(text, " ")
	text = strings.Join(strings.Fields(text), " ")

	if text == "" {
		return "", ErrEmptyInput
	}
	return text, nil
}
