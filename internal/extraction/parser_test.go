package extraction

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proethica/internal/types"
)

func TestParseEntityResponse(t *testing.T) {
	response := `{
		"new_classes": [
			{"label": "AI Verification Obligation", "definition": "duty to verify machine-generated designs", "rationale": "no existing class covers it"}
		],
		"individuals": [
			{"label": "verify AI-generated designs", "definition": "Engineer T's duty to check the design", "class_ref": "AI Verification Obligation", "quote": "used an AI-generated design without verification", "start": 10, "end": 58}
		]
	}`

	parsed, err := ParseEntityResponse(response)
	require.NoError(t, err)
	require.Len(t, parsed.NewClasses, 1)
	require.Len(t, parsed.Individuals, 1)
	assert.Equal(t, "AI Verification Obligation", parsed.Individuals[0].ClassRef)
	assert.False(t, parsed.Empty())
}

func TestParseEntityResponseToleratesFences(t *testing.T) {
	response := "Here is the result:\n```json\n{\"new_classes\": [], \"individuals\": []}\n```\nDone."
	parsed, err := ParseEntityResponse(response)
	require.NoError(t, err)
	assert.True(t, parsed.Empty())
}

func TestParseEntityResponseErrors(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"no json", "I could not find any entities."},
		{"malformed json", `{"individuals": [}`},
		{"individual without label", `{"individuals": [{"class_ref": "x"}]}`},
		{"class without definition", `{"new_classes": [{"label": "X"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEntityResponse(tt.response)
			var parseErr *ParseError
			assert.True(t, errors.As(err, &parseErr), "expected ParseError, got %v", err)
		})
	}
}

func TestParsePairResponseNormalizesAndDedupes(t *testing.T) {
	response := `{"pairs": [
		{"first": "public-safety", "second": "confidentiality", "rationale": "duty conflict", "quote": "the engineer held confidential information"},
		{"first": "confidentiality", "second": "public-safety", "rationale": "same pair reversed"}
	]}`

	pairs, err := ParsePairResponse(response)
	require.NoError(t, err)
	require.Len(t, pairs, 1, "reversed pair should collapse")
	assert.Equal(t, "confidentiality", pairs[0].First)
	assert.Equal(t, "public-safety", pairs[0].Second)
	assert.NotEmpty(t, pairs[0].Rationale)
	require.Len(t, pairs[0].Evidence, 1)
}

func TestParsePairResponseEmptyEndpoint(t *testing.T) {
	_, err := ParsePairResponse(`{"pairs": [{"first": "", "second": "x"}]}`)
	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))
}

func TestParseTransformationResponse(t *testing.T) {
	tr, err := ParseTransformationResponse(`{"type": "transfer", "confidence": 0.85, "rationale": "responsibility shifted to the employer", "indicators": ["A->B transition"]}`)
	require.NoError(t, err)
	assert.Equal(t, types.TransformationTransfer, tr.Type)
	assert.Equal(t, 0.85, tr.Confidence)
}

func TestParseTransformationClosedSet(t *testing.T) {
	tests := []string{
		`{"type": "resolution", "confidence": 0.9, "rationale": "r"}`,
		`{"type": "", "confidence": 0.9, "rationale": "r"}`,
		`{"type": "transfer", "confidence": 1.5, "rationale": "r"}`,
	}
	for _, response := range tests {
		_, err := ParseTransformationResponse(response)
		var parseErr *ParseError
		assert.True(t, errors.As(err, &parseErr), "response %s", response)
	}

	// Case-insensitive enum acceptance.
	tr, err := ParseTransformationResponse(`{"type": "Phase_Lag", "confidence": 0.6, "rationale": "delayed recognition"}`)
	require.NoError(t, err)
	assert.Equal(t, types.TransformationPhaseLag, tr.Type)
}
