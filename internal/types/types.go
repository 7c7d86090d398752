// Package types defines the core data structures for the ProEthica case
// analysis pipeline.
//
// This package contains all type definitions for cases, parsed sections,
// draft entities, extraction sessions, case feature records and similarity
// results. These types are shared across the parser, orchestrator, staging
// store, feature builder and precedent engine, and are designed to support
// concurrent access through deep copying in the storage layer.
//
// Key types:
//   - Case: A professional-ethics case with its parsed sections
//   - DraftEntity: A staged entity in the draft/publish lifecycle
//   - ExtractionSession: The provenance record of one extraction cell
//   - CaseFeatures: The per-case feature record derived from published drafts
package types

import "time"

// ConceptType discriminates the nine extraction concepts plus the synthesis
// entity kinds produced by step 4.
type ConceptType string

const (
	ConceptRole       ConceptType = "role"
	ConceptPrinciple  ConceptType = "principle"
	ConceptObligation ConceptType = "obligation"
	ConceptState      ConceptType = "state"
	ConceptResource   ConceptType = "resource"
	ConceptAction     ConceptType = "action"
	ConceptEvent      ConceptType = "event"
	ConceptCapability ConceptType = "capability"
	ConceptConstraint ConceptType = "constraint"

	// Synthesis concepts (step 4 only).
	ConceptProvision          ConceptType = "provision"
	ConceptQuestion           ConceptType = "question"
	ConceptConclusion         ConceptType = "conclusion"
	ConceptDecisionPoint      ConceptType = "decision_point"
	ConceptDecisionOption     ConceptType = "decision_option"
	ConceptArgumentGenerated  ConceptType = "argument_generated"
	ConceptArgumentValidation ConceptType = "argument_validation"
	ConceptTransformation     ConceptType = "transformation"

	// Structured pairs produced by step 4; stored with sorted endpoints so
	// (A,B) and (B,A) collapse.
	ConceptPrincipleTension   ConceptType = "principle_tension"
	ConceptObligationConflict ConceptType = "obligation_conflict"
)

// CoreConcepts lists the nine D-tuple concept types in canonical order
// (R, P, O, S, Rs, A, E, Ca, Cs).
var CoreConcepts = []ConceptType{
	ConceptRole,
	ConceptPrinciple,
	ConceptObligation,
	ConceptState,
	ConceptResource,
	ConceptAction,
	ConceptEvent,
	ConceptCapability,
	ConceptConstraint,
}

// IsCoreConcept reports whether t is one of the nine D-tuple concepts.
func IsCoreConcept(t ConceptType) bool {
	for _, c := range CoreConcepts {
		if c == t {
			return true
		}
	}
	return false
}

// EntityKind distinguishes class records from individual records.
type EntityKind string

const (
	KindClass      EntityKind = "class"
	KindIndividual EntityKind = "individual"
)

// MatchMethod records how an individual was linked to an ontology class.
type MatchMethod string

const (
	MatchExactLabel   MatchMethod = "exact_label"
	MatchEmbedding    MatchMethod = "embedding"
	MatchLLM          MatchMethod = "llm"
	MatchUserOverride MatchMethod = "user_override"
	MatchNewCandidate MatchMethod = "new_candidate"
)

// SectionType identifies the semantic sections of a case document.
type SectionType string

const (
	SectionFacts      SectionType = "facts"
	SectionDiscussion SectionType = "discussion"
	SectionQuestions  SectionType = "questions"
	SectionConclusion SectionType = "conclusions"
	SectionReferences SectionType = "references"
	SectionDissenting SectionType = "dissenting"
)

// SectionTypes lists all recognized section types in canonical document order.
var SectionTypes = []SectionType{
	SectionFacts,
	SectionQuestions,
	SectionReferences,
	SectionDiscussion,
	SectionConclusion,
	SectionDissenting,
}

// Section holds one parsed case section in both plain-text and
// markup-preserving forms.
type Section struct {
	Type   SectionType `json:"type"`
	Text   string      `json:"text"`
	Markup string      `json:"markup"`
	Order  int         `json:"order_in_document"`
}

// ParseMethod records how a case document was split into sections.
type ParseMethod string

const (
	ParseStructured   ParseMethod = "structured"
	ParseUnstructured ParseMethod = "unstructured"
)

// Case is a professional-ethics case with its parsed sections.
type Case struct {
	ID          string                   `json:"id"`
	Title       string                   `json:"title"`
	Source      string                   `json:"source,omitempty"`
	CaseNumber  string                   `json:"case_number,omitempty"`
	Year        int                      `json:"year,omitempty"`
	SubjectTags []string                 `json:"subject_tags,omitempty"`
	RawText     string                   `json:"raw_text"`
	Sections    map[SectionType]*Section `json:"sections"`
	ParseMethod ParseMethod              `json:"parse_method"`
	CreatedAt   time.Time                `json:"created_at"`
}

// TextSpan locates a stretch of source text inside a section.
type TextSpan struct {
	Section SectionType `json:"section"`
	Start   int         `json:"start"`
	End     int         `json:"end"`
	Quote   string      `json:"quote,omitempty"`
}

// EntityRelation links a draft entity to another by label or id, e.g. a
// decision point to its options via "has_option".
type EntityRelation struct {
	Predicate string `json:"predicate"`
	TargetID  string `json:"target_id,omitempty"`
	Target    string `json:"target"`
}

// DraftEntity is a staged entity in the draft/publish lifecycle. Published
// entities are immutable except for the publish-state fields.
type DraftEntity struct {
	ID          string      `json:"id"`
	CaseID      string      `json:"case_id"`
	SessionID   string      `json:"session_id"`
	ConceptType ConceptType `json:"concept_type"`
	Kind        EntityKind  `json:"kind"`
	Label       string      `json:"label"`
	Definition  string      `json:"definition,omitempty"`

	Step    int         `json:"step"`
	Pass    int         `json:"pass"`
	Section SectionType `json:"section"`
	Spans   []TextSpan  `json:"spans,omitempty"`

	// Ontology linkage. Individuals carry a class URI, matched or proposed.
	MatchedURI      string         `json:"matched_ontology_uri,omitempty"`
	MatchConfidence float64        `json:"match_confidence,omitempty"`
	MatchMethod     MatchMethod    `json:"match_method,omitempty"`
	Relations       []EntityRelation `json:"relations,omitempty"`

	// Structured payloads for synthesis entities (tension pairs,
	// transformation records). Nil for ordinary entities.
	Pair           *ConceptPair    `json:"pair,omitempty"`
	Transformation *Transformation `json:"transformation,omitempty"`
	BoardChoice    bool            `json:"board_choice,omitempty"`

	IsPublished bool       `json:"is_published"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ConceptPair is an unordered pair of entities with a rationale, used for
// principle tensions and obligation conflicts. Endpoints are stored sorted so
// (A,B) and (B,A) compare equal.
type ConceptPair struct {
	First     string     `json:"first"`
	Second    string     `json:"second"`
	Rationale string     `json:"rationale"`
	Evidence  []TextSpan `json:"evidence,omitempty"`
}

// NormalizedPair returns the pair with endpoints in lexical order.
func (p ConceptPair) NormalizedPair() ConceptPair {
	if p.First > p.Second {
		p.First, p.Second = p.Second, p.First
	}
	return p
}

// TransformationType classifies a case's ethical transformation pattern.
type TransformationType string

const (
	TransformationTransfer   TransformationType = "transfer"
	TransformationStalemate  TransformationType = "stalemate"
	TransformationOscillation TransformationType = "oscillation"
	TransformationPhaseLag   TransformationType = "phase_lag"
)

// TransformationTypes lists the closed set of transformation patterns.
var TransformationTypes = []TransformationType{
	TransformationTransfer,
	TransformationStalemate,
	TransformationOscillation,
	TransformationPhaseLag,
}

// ValidTransformationType reports whether t is a member of the closed set.
func ValidTransformationType(t TransformationType) bool {
	for _, v := range TransformationTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Transformation is the classification record produced by step 4.
type Transformation struct {
	Type       TransformationType `json:"type"`
	PatternID  string             `json:"pattern_id,omitempty"`
	Confidence float64            `json:"confidence"`
	Rationale  string             `json:"rationale"`
	Indicators []string           `json:"indicators,omitempty"`
}

// SessionOutcome records how one extraction cell ended.
type SessionOutcome string

const (
	OutcomeOK         SessionOutcome = "ok"
	OutcomeParseError SessionOutcome = "parse_error"
	OutcomeLLMError   SessionOutcome = "llm_error"
	OutcomeEmpty      SessionOutcome = "empty"
)

// ExtractionSession is the append-only provenance record of one cell's LLM
// call. Exactly one session per (case, step, pass, section, concept_type) in
// the current view; historical sessions are retained.
type ExtractionSession struct {
	ID          string         `json:"id"`
	CaseID      string         `json:"case_id"`
	Step        int            `json:"step"`
	Pass        int            `json:"pass"`
	Section     SectionType    `json:"section"`
	ConceptType ConceptType    `json:"concept_type"`
	PromptText  string         `json:"prompt_text"`
	ResponseText string        `json:"response_text"`
	ModelID     string         `json:"model_id"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Outcome     SessionOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`

	// OntologyDegraded marks sessions run with an empty ontology context so
	// the operator can re-run them after the service recovers.
	OntologyDegraded bool `json:"ontology_degraded,omitempty"`
}

// CellKey identifies one extraction cell.
type CellKey struct {
	CaseID      string      `json:"case_id"`
	Step        int         `json:"step"`
	Pass        int         `json:"pass"`
	Section     SectionType `json:"section"`
	ConceptType ConceptType `json:"concept_type"`
}

// Outcome classifies the board's conclusion for a case.
type Outcome string

const (
	OutcomeEthical   Outcome = "ethical"
	OutcomeUnethical Outcome = "unethical"
	OutcomeMixed     Outcome = "mixed"
	OutcomeUnclear   Outcome = "unclear"
)

// Outcomes lists the closed set of case outcomes.
var Outcomes = []Outcome{OutcomeEthical, OutcomeUnethical, OutcomeMixed, OutcomeUnclear}

// ValidOutcome reports whether o is a member of the closed set.
func ValidOutcome(o Outcome) bool {
	for _, v := range Outcomes {
		if v == o {
			return true
		}
	}
	return false
}

// OutcomeClassification is the outcome field of a feature record.
type OutcomeClassification struct {
	Outcome    Outcome `json:"outcome"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// ComponentEmbedding is a stored vector with the provider metadata needed to
// detect dimension mismatches later.
type ComponentEmbedding struct {
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	Dimension int       `json:"dimension"`
}

// SectionEmbedding is a per-section vector keyed by (case, section_type),
// recomputed only when the content hash changes.
type SectionEmbedding struct {
	CaseID      string      `json:"case_id"`
	Section     SectionType `json:"section_type"`
	Embedding   ComponentEmbedding `json:"embedding"`
	ContentHash string      `json:"content_hash"`
	CreatedAt   time.Time   `json:"created_at"`
}

// CaseFeatures is the per-case feature record derived from published drafts.
// Component embeddings are keyed by concept type; a missing key means the
// case has no published entities of that type.
type CaseFeatures struct {
	CaseID          string                              `json:"case_id"`
	FeaturesVersion int                                 `json:"features_version"`
	Outcome         OutcomeClassification               `json:"outcome"`
	Provisions      []string                            `json:"provisions_cited"`
	CitedCases      []string                            `json:"cited_case_numbers"`
	SubjectTags     []string                            `json:"subject_tags"`
	EntityClasses   map[ConceptType][]string            `json:"entity_classes"`
	Tensions        []ConceptPair                       `json:"principle_tensions"`
	Conflicts       []ConceptPair                       `json:"obligation_conflicts"`
	Transformation  *Transformation                     `json:"transformation,omitempty"`
	Components      map[ConceptType]*ComponentEmbedding `json:"component_embeddings"`
	Combined        *ComponentEmbedding                 `json:"combined_embedding,omitempty"`
	BuiltAt         time.Time                           `json:"built_at"`
}

// FeaturesVersion is the current feature schema version. Bumped only on
// schema change; a bump invalidates all cached similarities for the case.
const FeaturesVersion = 1
