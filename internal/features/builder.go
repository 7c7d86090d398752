// Package features derives the per-case feature record from published
// drafts: nine component embeddings, the combined narrative embedding,
// outcome classification, cited provisions and the synthesis artifacts the
// precedent engine scores against.
package features

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"proethica/internal/embeddings"
	"proethica/internal/llm"
	"proethica/internal/metrics"
	"proethica/internal/staging"
	"proethica/internal/types"
)

// ErrNoPublishedContent is returned when a case has zero published drafts.
var ErrNoPublishedContent = errors.New("features: no published content")

// componentTextBudget bounds the concatenated label+definition text embedded
// per component, in characters.
const componentTextBudget = 8000

// Builder builds case feature records.
type Builder struct {
	store  staging.Store
	chain  *embeddings.Chain
	client llm.Client
}

// NewBuilder creates a feature builder.
func NewBuilder(store staging.Store, chain *embeddings.Chain, client llm.Client) *Builder {
	return &Builder{store: store, chain: chain, client: client}
}

// Build derives and persists the feature record for a case. Idempotent: with
// no intervening writes a rebuild produces identical contents (excluding the
// build timestamp). Component failures degrade only their field; a case with
// no published drafts returns ErrNoPublishedContent.
func (b *Builder) Build(ctx context.Context, caseID string) (*types.CaseFeatures, error) {
	c, err := b.store.GetCase(caseID)
	if err != nil {
		return nil, err
	}

	published := true
	drafts, err := b.store.GetDrafts(caseID, staging.Filter{Published: &published})
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("%w: case %s", ErrNoPublishedContent, caseID)
	}

	features := &types.CaseFeatures{
		CaseID:          caseID,
		FeaturesVersion: types.FeaturesVersion,
		EntityClasses:   make(map[types.ConceptType][]string),
		Components:      make(map[types.ConceptType]*types.ComponentEmbedding),
	}

	byConcept := make(map[types.ConceptType][]*types.DraftEntity)
	for _, d := range drafts {
		byConcept[d.ConceptType] = append(byConcept[d.ConceptType], d)
	}

	// Nine component embeddings from published individuals, deterministic
	// ordering by stable label.
	for _, concept := range types.CoreConcepts {
		group := byConcept[concept]
		if len(group) == 0 {
			continue
		}
		embedding, err := b.embedComponent(ctx, group)
		if err != nil {
			log.Printf("Warning: component embedding for %s failed: %v", concept, err)
			continue
		}
		features.Components[concept] = embedding
		features.EntityClasses[concept] = classURIs(group)
	}

	// Combined embedding: mean of the facts, discussion and conclusion
	// section embeddings. Narrative similarity, separate from the
	// structured component channels.
	if combined := b.combinedEmbedding(ctx, c); combined != nil {
		features.Combined = combined
	}

	features.Outcome = b.classifyOutcome(ctx, c)
	features.Provisions = b.citedProvisions(byConcept[types.ConceptProvision])
	features.CitedCases = citedCaseNumbers(c, byConcept)
	features.SubjectTags = normalizeTags(c.SubjectTags)

	for _, d := range byConcept[types.ConceptPrincipleTension] {
		if d.Pair != nil {
			features.Tensions = append(features.Tensions, d.Pair.NormalizedPair())
		}
	}
	for _, d := range byConcept[types.ConceptObligationConflict] {
		if d.Pair != nil {
			features.Conflicts = append(features.Conflicts, d.Pair.NormalizedPair())
		}
	}
	sortPairs(features.Tensions)
	sortPairs(features.Conflicts)

	if group := byConcept[types.ConceptTransformation]; len(group) > 0 && group[0].Transformation != nil {
		tr := *group[0].Transformation
		features.Transformation = &tr
	}

	// Decision-point structure check over the published entity graph.
	if problems := ValidateDecisionPoints(drafts); len(problems) > 0 {
		for _, p := range problems {
			log.Printf("Warning: case %s: %v", caseID, p)
		}
	}

	features.BuiltAt = time.Now()
	if err := b.store.SaveFeatures(features); err != nil {
		return nil, fmt.Errorf("failed to save features: %w", err)
	}
	metrics.FeaturesBuilt.Inc()
	return features, nil
}

// embedComponent concatenates labels and definitions in stable label order,
// truncates to the text budget and embeds once.
func (b *Builder) embedComponent(ctx context.Context, group []*types.DraftEntity) (*types.ComponentEmbedding, error) {
	sorted := make([]*types.DraftEntity, len(group))
	copy(sorted, group)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Label < sorted[j].Label })

	var parts []string
	for _, d := range sorted {
		if d.Kind != types.KindIndividual {
			continue
		}
		text := d.Label
		if d.Definition != "" {
			text += ": " + d.Definition
		}
		parts = append(parts, text)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no individuals in group")
	}

	text := strings.Join(parts, ". ")
	if len(text) > componentTextBudget {
		text = text[:componentTextBudget]
	}

	result, err := b.chain.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	return &types.ComponentEmbedding{
		Vector:    result.Vector,
		Model:     result.Model,
		Provider:  result.Provider,
		Dimension: result.Dimension,
	}, nil
}

// combinedEmbedding reads or computes the facts, discussion and conclusion
// section embeddings and averages them.
func (b *Builder) combinedEmbedding(ctx context.Context, c *types.Case) *types.ComponentEmbedding {
	sections := []types.SectionType{types.SectionFacts, types.SectionDiscussion, types.SectionConclusion}

	var vectors [][]float32
	var model, provider string
	for _, sectionType := range sections {
		section, ok := c.Sections[sectionType]
		if !ok || section.Text == "" {
			continue
		}
		stored, err := b.sectionEmbedding(ctx, c.ID, section)
		if err != nil {
			log.Printf("Warning: section embedding %s/%s failed: %v", c.ID, sectionType, err)
			continue
		}
		vectors = append(vectors, stored.Embedding.Vector)
		model, provider = stored.Embedding.Model, stored.Embedding.Provider
	}

	mean := embeddings.MeanVector(vectors...)
	if mean == nil {
		return nil
	}
	return &types.ComponentEmbedding{Vector: mean, Model: model, Provider: provider, Dimension: len(mean)}
}

// sectionEmbedding returns the stored vector for a section, recomputing it
// when missing or when the content hash changed.
func (b *Builder) sectionEmbedding(ctx context.Context, caseID string, section *types.Section) (*types.SectionEmbedding, error) {
	hash := ContentHash(section.Text)

	stored, err := b.store.GetSectionEmbedding(caseID, section.Type)
	if err == nil && stored.ContentHash == hash {
		if stored.Embedding.Dimension != len(stored.Embedding.Vector) {
			return nil, &embeddings.DimensionError{Want: stored.Embedding.Dimension, Got: len(stored.Embedding.Vector)}
		}
		return stored, nil
	}

	result, err := b.chain.EmbedText(ctx, section.Text)
	if err != nil {
		return nil, err
	}
	fresh := &types.SectionEmbedding{
		CaseID:  caseID,
		Section: section.Type,
		Embedding: types.ComponentEmbedding{
			Vector:    result.Vector,
			Model:     result.Model,
			Provider:  result.Provider,
			Dimension: result.Dimension,
		},
		ContentHash: hash,
	}
	if err := b.store.SaveSectionEmbedding(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// ContentHash is the section-content fingerprint used to skip recomputation.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

const outcomeSystemPrompt = `You classify the outcome of professional-ethics board decisions. Respond ONLY with a JSON object: {"outcome": "ethical | unethical | mixed | unclear", "confidence": 0.0, "rationale": "..."}. The outcome MUST be exactly one of the four values.`

// classifyOutcome reads the conclusions section and classifies it into the
// closed outcome set via a dedicated LLM call. Missing conclusions or a
// failed call degrade to unclear with confidence 0.
func (b *Builder) classifyOutcome(ctx context.Context, c *types.Case) types.OutcomeClassification {
	unclear := types.OutcomeClassification{Outcome: types.OutcomeUnclear, Confidence: 0}

	section, ok := c.Sections[types.SectionConclusion]
	if !ok || strings.TrimSpace(section.Text) == "" {
		return unclear
	}

	for attempt := 0; attempt < 2; attempt++ {
		completion, err := b.client.Complete(ctx, outcomeSystemPrompt,
			fmt.Sprintf("Board conclusion:\n%s\n\nClassify the outcome.", section.Text))
		if err != nil {
			log.Printf("Warning: outcome classification failed: %v", err)
			return unclear
		}

		var parsed struct {
			Outcome    string  `json:"outcome"`
			Confidence float64 `json:"confidence"`
			Rationale  string  `json:"rationale"`
		}
		raw := completion.Text
		if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
			raw = raw[start : end+1]
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			continue
		}
		outcome := types.Outcome(strings.ToLower(strings.TrimSpace(parsed.Outcome)))
		if !types.ValidOutcome(outcome) {
			continue
		}
		return types.OutcomeClassification{
			Outcome:    outcome,
			Confidence: parsed.Confidence,
			Rationale:  parsed.Rationale,
		}
	}
	return unclear
}

// citedProvisions normalizes and orders the published provision labels.
func (b *Builder) citedProvisions(group []*types.DraftEntity) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range group {
		code := types.NormalizeProvision(d.Label)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// caseNumberPattern matches NSPE-style case references like "Case 92-6" or
// "BER Case 98-3".
var caseNumberPattern = regexp.MustCompile(`(?i)\bcase\s+(\d{2,4}-\d{1,3})\b`)

// citedCaseNumbers collects cited case identifiers from the references and
// discussion sections and the published synthesis drafts. Unresolvable identifiers still
// count: overlap is computed on the text identifiers.
func citedCaseNumbers(c *types.Case, byConcept map[types.ConceptType][]*types.DraftEntity) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(number string) {
		if number == "" || seen[number] {
			return
		}
		seen[number] = true
		out = append(out, number)
	}

	if section, ok := c.Sections[types.SectionReferences]; ok {
		for _, m := range caseNumberPattern.FindAllStringSubmatch(section.Text, -1) {
			add(m[1])
		}
	}
	if section, ok := c.Sections[types.SectionDiscussion]; ok {
		for _, m := range caseNumberPattern.FindAllStringSubmatch(section.Text, -1) {
			add(m[1])
		}
	}
	for _, concept := range []types.ConceptType{types.ConceptProvision, types.ConceptConclusion, types.ConceptArgumentGenerated} {
		for _, d := range byConcept[concept] {
			for _, m := range caseNumberPattern.FindAllStringSubmatch(d.Label+" "+d.Definition, -1) {
				add(m[1])
			}
		}
	}

	sort.Strings(out)
	return out
}

// classURIs collects the distinct class URIs referenced by a group's
// individuals, ordered.
func classURIs(group []*types.DraftEntity) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range group {
		if d.Kind != types.KindIndividual || d.MatchedURI == "" || seen[d.MatchedURI] {
			continue
		}
		seen[d.MatchedURI] = true
		out = append(out, d.MatchedURI)
	}
	sort.Strings(out)
	return out
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tag := range tags {
		normalized := types.NormalizeLabel(tag)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	sort.Strings(out)
	return out
}

func sortPairs(pairs []types.ConceptPair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].First != pairs[j].First {
			return pairs[i].First < pairs[j].First
		}
		return pairs[i].Second < pairs[j].Second
	})
}
