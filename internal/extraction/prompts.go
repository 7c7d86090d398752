package extraction

import (
	"fmt"
	"strings"

	"proethica/internal/ontology"
	"proethica/internal/types"
)

// conceptTasks defines the per-concept task statement embedded in prompts.
var conceptTasks = map[types.ConceptType]string{
	types.ConceptRole:       "Identify every professional or stakeholder position in the case: engineers, clients, employers, regulators, members of the public.",
	types.ConceptState:      "Identify every ethically salient contextual condition: time pressure, hazards present, contractual situations, states of knowledge.",
	types.ConceptResource:   "Identify every document, standard, or artifact relevant to the case: codes, drawings, reports, designs, contracts.",
	types.ConceptPrinciple:  "Identify every abstract ethical commitment invoked or implicated: public welfare, honesty, confidentiality, loyalty.",
	types.ConceptObligation: "Identify every concrete duty derived from a role and a principle: disclose conflicts, verify designs, report hazards.",
	types.ConceptConstraint: "Identify every inviolable limit bounding the actors: license scope, regulatory boundaries, contractual prohibitions.",
	types.ConceptCapability: "Identify every competence or authority that enables an obligation: expertise, signatory authority, access to information.",
	types.ConceptAction:     "Identify every volitional act taken by a role: certifying, disclosing, refusing, approving, submitting.",
	types.ConceptEvent:      "Identify every occurrence that is not necessarily volitional: injuries, failures, discoveries, deadlines passing.",

	types.ConceptProvision:         "Identify every citation of an external professional code provision (e.g. \"II.1.a\") referenced by the case.",
	types.ConceptQuestion:          "Identify each ethical question the board was asked to answer.",
	types.ConceptConclusion:        "Identify each conclusion the board reached, quoting its operative language.",
	types.ConceptDecisionPoint:     "Identify each decision point faced by an actor. For each, enumerate at least two options in its options array, and mark the option the board endorsed with board_choice.",
	types.ConceptArgumentGenerated: "Identify each distinct argument advanced in the discussion, for or against the conduct.",
}

// glossaryDefinitions is embedded verbatim in the transformation prompt to
// constrain the closed-set choice.
const glossaryDefinitions = `- Transfer: the case resolves by shifting obligation or responsibility to another party; a clear A->B transition.
- Stalemate: obligations remain in tension without resolution; parties cannot exit the rule set.
- Oscillation: obligations alternate between parties over time.
- Phase lag: delayed recognition or action on an obligation; consequences emerge out-of-phase with the triggering condition.`

const extractionSystemPrompt = `You are an ethics-case analyst decomposing professional engineering board decisions into a formal concept representation. Extract only what the text supports; never invent entities. Respond ONLY with a JSON object, no prose around it.`

// entityResponseShape documents the required response for ordinary entity
// cells: new classes plus individuals.
const entityResponseShape = `Respond with a JSON object of this exact shape:
{
  "new_classes": [
    {"label": "...", "definition": "...", "rationale": "..."}
  ],
  "individuals": [
    {
      "label": "...",
      "definition": "...",
      "class_ref": "existing class URI, existing class label, or the label of one of your new_classes",
      "quote": "the supporting source text",
      "start": 0,
      "end": 0,
      "relations": [{"predicate": "...", "target": "other individual label"}]
    }
  ]
}
Use new_classes only when no listed ontology class fits. Both arrays may be empty.`

// decisionResponseShape extends the entity shape with the options array on
// each decision-point individual.
const decisionResponseShape = `Respond with a JSON object of this exact shape:
{
  "new_classes": [],
  "individuals": [
    {
      "label": "the decision faced",
      "definition": "...",
      "class_ref": "existing class URI, existing class label, or a new_classes label",
      "quote": "the supporting source text",
      "start": 0,
      "end": 0,
      "options": [
        {"label": "...", "definition": "...", "board_choice": false, "quote": "..."}
      ]
    }
  ]
}
Every decision point needs at least two options; set board_choice true on the
option the board endorsed, if any. Both arrays may be empty.`

const pairResponseShape = `Respond with a JSON object of this exact shape:
{
  "pairs": [
    {"first": "...", "second": "...", "rationale": "...", "quote": "supporting source text"}
  ]
}
Each pair is unordered: (A,B) and (B,A) are the same pair. The array may be empty.`

const transformationResponseShape = `Respond with a JSON object of this exact shape:
{
  "type": "transfer | stalemate | oscillation | phase_lag",
  "confidence": 0.0,
  "rationale": "...",
  "indicators": ["..."]
}
The type MUST be exactly one of the four values.`

// PromptInput gathers everything a cell prompt needs.
type PromptInput struct {
	Cell        Cell
	Case        *types.Case
	Classes     []ontology.Class
	PriorDrafts []*types.DraftEntity // pass-1 drafts for pass-2 cells
	StepDrafts  []*types.DraftEntity // published step 1-3 drafts for synthesis
}

// BuildPrompt composes the user prompt for one cell.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	switch in.Cell.ConceptType {
	case types.ConceptPrincipleTension:
		fmt.Fprintf(&b, "Identify the tensions between principles at work in this case: unordered pairs of principles pulling the actors in opposing directions.\n\n")
	case types.ConceptObligationConflict:
		fmt.Fprintf(&b, "Identify the conflicts between obligations in this case: unordered pairs of duties that cannot both be fully discharged.\n\n")
	case types.ConceptTransformation:
		fmt.Fprintf(&b, "Classify this case's ethical transformation pattern. The four patterns are defined as:\n%s\n\n", glossaryDefinitions)
	default:
		fmt.Fprintf(&b, "%s\n\n", conceptTasks[in.Cell.ConceptType])
	}

	if in.Cell.Step == StepSynthesis {
		writeAllSections(&b, in.Case)
	} else if section := in.Case.Sections[in.Cell.Section]; section != nil {
		fmt.Fprintf(&b, "## %s\n%s\n\n", strings.ToUpper(string(in.Cell.Section)), section.Text)
	}

	if len(in.Classes) > 0 {
		b.WriteString("## Known ontology classes\nReuse these classes where they fit:\n")
		for _, class := range in.Classes {
			fmt.Fprintf(&b, "- %s <%s>: %s\n", class.Label, class.URI, class.Definition)
		}
		b.WriteString("\n")
	}

	if len(in.PriorDrafts) > 0 {
		b.WriteString("## Entities already extracted in the first pass\nRefine or cross-reference these; do not duplicate them:\n")
		for _, d := range in.PriorDrafts {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", d.ConceptType, d.Label, d.Definition)
		}
		b.WriteString("\n")
	}

	if len(in.StepDrafts) > 0 {
		b.WriteString("## Published entities from the contextual, normative and temporal steps\n")
		for _, d := range in.StepDrafts {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", d.ConceptType, d.Label, d.Definition)
		}
		b.WriteString("\n")
	}

	switch in.Cell.ConceptType {
	case types.ConceptPrincipleTension, types.ConceptObligationConflict:
		b.WriteString(pairResponseShape)
	case types.ConceptTransformation:
		b.WriteString(transformationResponseShape)
	case types.ConceptDecisionPoint:
		b.WriteString(decisionResponseShape)
	default:
		b.WriteString(entityResponseShape)
	}

	return b.String()
}

// BuildRepairPrompt composes the focused reprompt after a parse failure.
func BuildRepairPrompt(original, response string, parseErr error) string {
	return fmt.Sprintf(`Your previous response could not be parsed: %v

Previous response:
%s

Answer the original request again, as valid JSON only, with no surrounding prose or code fences.

Original request:
%s`, parseErr, response, original)
}

func writeAllSections(b *strings.Builder, c *types.Case) {
	for _, sectionType := range types.SectionTypes {
		section, ok := c.Sections[sectionType]
		if !ok {
			continue
		}
		fmt.Fprintf(b, "## %s\n%s\n\n", strings.ToUpper(string(sectionType)), section.Text)
	}
}
