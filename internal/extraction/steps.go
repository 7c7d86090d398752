// Package extraction drives the multi-step extraction state machine that
// converts a parsed case into staged draft entities.
//
// The pipeline is a two-level grid: four steps (contextual, normative,
// temporal, synthesis), up to two passes each, crossed with section and
// concept type. One (step, pass, section, concept) cell is the unit of work:
// build context, prompt the LLM, parse, assign classes, dedupe, stage, log
// provenance.
package extraction

import (
	"proethica/internal/types"
)

// Step identifiers.
const (
	StepContextual = 1
	StepNormative  = 2
	StepTemporal   = 3
	StepSynthesis  = 4
)

// Cell is one unit of extraction work.
type Cell struct {
	Step        int
	Pass        int
	Section     types.SectionType
	ConceptType types.ConceptType
}

// stepConcepts maps the first three steps to the concept types they produce.
var stepConcepts = map[int][]types.ConceptType{
	StepContextual: {types.ConceptRole, types.ConceptState, types.ConceptResource},
	StepNormative:  {types.ConceptPrinciple, types.ConceptObligation, types.ConceptConstraint, types.ConceptCapability},
	StepTemporal:   {types.ConceptAction, types.ConceptEvent},
}

// passSections maps pass number to the emphasized source section for steps
// 1-3: pass 1 reads facts, pass 2 refines against the discussion.
var passSections = map[int]types.SectionType{
	1: types.SectionFacts,
	2: types.SectionDiscussion,
}

// synthesisCells lists step 4's cells with each concept's natural home
// section. The prompt for every synthesis cell still sees all sections plus
// the published outputs of steps 1-3.
var synthesisCells = []Cell{
	{Step: StepSynthesis, Pass: 1, Section: types.SectionReferences, ConceptType: types.ConceptProvision},
	{Step: StepSynthesis, Pass: 1, Section: types.SectionQuestions, ConceptType: types.ConceptQuestion},
	{Step: StepSynthesis, Pass: 1, Section: types.SectionConclusion, ConceptType: types.ConceptConclusion},
	{Step: StepSynthesis, Pass: 1, Section: types.SectionDiscussion, ConceptType: types.ConceptDecisionPoint},
	{Step: StepSynthesis, Pass: 1, Section: types.SectionDiscussion, ConceptType: types.ConceptArgumentGenerated},
	{Step: StepSynthesis, Pass: 1, Section: types.SectionDiscussion, ConceptType: types.ConceptPrincipleTension},
	{Step: StepSynthesis, Pass: 1, Section: types.SectionDiscussion, ConceptType: types.ConceptObligationConflict},
	{Step: StepSynthesis, Pass: 1, Section: types.SectionDiscussion, ConceptType: types.ConceptTransformation},
}

// CellsForStep enumerates the cells of one step in execution order: for
// steps 1-3 pass 1 then pass 2, concept types in declaration order. For
// steps 1-3 a pass whose section is missing from the case contributes no
// cells; step 4 always returns every synthesis cell.
func CellsForStep(step int, c *types.Case) []Cell {
	if step == StepSynthesis {
		return append([]Cell(nil), synthesisCells...)
	}

	concepts := stepConcepts[step]
	var cells []Cell
	for pass := 1; pass <= 2; pass++ {
		section := passSections[pass]
		if _, ok := c.Sections[section]; !ok {
			continue
		}
		for _, concept := range concepts {
			cells = append(cells, Cell{Step: step, Pass: pass, Section: section, ConceptType: concept})
		}
	}
	return cells
}

// Steps lists all step identifiers in order.
var Steps = []int{StepContextual, StepNormative, StepTemporal, StepSynthesis}

// conceptCategory maps a concept type to the ontology category queried for
// class context. Synthesis pair and transformation cells carry no category.
func conceptCategory(concept types.ConceptType) string {
	if types.IsCoreConcept(concept) {
		return string(concept)
	}
	switch concept {
	case types.ConceptProvision, types.ConceptQuestion, types.ConceptConclusion,
		types.ConceptDecisionPoint, types.ConceptDecisionOption, types.ConceptArgumentGenerated:
		return string(concept)
	default:
		return ""
	}
}
