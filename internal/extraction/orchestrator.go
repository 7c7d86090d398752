package extraction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proethica/internal/llm"
	"proethica/internal/metrics"
	"proethica/internal/ontology"
	"proethica/internal/staging"
	"proethica/internal/types"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrentCells bounds parallel cells per case.
	MaxConcurrentCells int
	// RepairRetries is the number of focused reprompts after a parse
	// failure.
	RepairRetries int
}

// DefaultConfig returns default orchestration settings.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentCells: 3,
		RepairRetries:      1,
	}
}

// ErrStepBlocked is returned when an earlier step has incomplete or failed
// cells.
var ErrStepBlocked = errors.New("extraction: earlier step incomplete")

// Orchestrator drives the step/pass/section/concept state machine for a
// case. Within a cell operations are strictly sequential; cells of one pass
// run concurrently up to the configured degree.
type Orchestrator struct {
	store   staging.Store
	client  llm.Client
	matcher *ontology.Matcher
	cfg     *Config

	// caseLocks serializes publish-sensitive operations per case.
	mu        sync.Mutex
	caseLocks map[string]*sync.Mutex
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store staging.Store, client llm.Client, matcher *ontology.Matcher, cfg *Config) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxConcurrentCells <= 0 {
		cfg.MaxConcurrentCells = 1
	}
	return &Orchestrator{
		store:     store,
		client:    client,
		matcher:   matcher,
		cfg:       cfg,
		caseLocks: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) caseLock(caseID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.caseLocks[caseID]
	if !ok {
		lock = &sync.Mutex{}
		o.caseLocks[caseID] = lock
	}
	return lock
}

// RunCase executes all four steps in order. It stops at the first blocked
// step so the operator can re-run failed cells.
func (o *Orchestrator) RunCase(ctx context.Context, caseID string) error {
	for _, step := range Steps {
		if err := o.RunStep(ctx, caseID, step); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
	}
	return nil
}

// RunStep executes one step's cells. Pass 1 cells run concurrently, then
// pass 2 cells, preserving the pass ordering guarantee. The step refuses to
// start while an earlier step has a cell without outcome ok or empty.
func (o *Orchestrator) RunStep(ctx context.Context, caseID string, step int) error {
	c, err := o.store.GetCase(caseID)
	if err != nil {
		return err
	}

	if err := o.checkEarlierSteps(c, step); err != nil {
		return err
	}

	cells := CellsForStep(step, c)
	for pass := 1; pass <= 2; pass++ {
		var passCells []Cell
		for _, cell := range cells {
			if cell.Pass == pass {
				passCells = append(passCells, cell)
			}
		}
		if len(passCells) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.MaxConcurrentCells)
		for _, cell := range passCells {
			cell := cell
			g.Go(func() error {
				return o.RunCell(gctx, c, cell)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	// A failed cell blocks the pipeline without failing the step run: the
	// session records the failure for re-run.
	if blocked, cell := o.stepBlocked(c, step); blocked {
		log.Printf("Step %d blocked by failed cell %s/%s", step, cell.Section, cell.ConceptType)
	}
	return nil
}

// checkEarlierSteps enforces the transition rule: a step may not begin until
// all earlier-step cells have outcome ok or empty.
func (o *Orchestrator) checkEarlierSteps(c *types.Case, step int) error {
	for _, earlier := range Steps {
		if earlier >= step {
			break
		}
		if blocked, cell := o.stepBlocked(c, earlier); blocked {
			return fmt.Errorf("%w: step %d cell %s/%s", ErrStepBlocked, earlier, cell.Section, cell.ConceptType)
		}
	}
	return nil
}

// stepBlocked reports whether any cell of a step is missing or failed.
func (o *Orchestrator) stepBlocked(c *types.Case, step int) (bool, Cell) {
	for _, cell := range CellsForStep(step, c) {
		session, err := o.store.CurrentSession(types.CellKey{
			CaseID: c.ID, Step: cell.Step, Pass: cell.Pass,
			Section: cell.Section, ConceptType: cell.ConceptType,
		})
		if err != nil {
			return true, cell
		}
		if session.Outcome != types.OutcomeOK && session.Outcome != types.OutcomeEmpty {
			return true, cell
		}
	}
	return false, Cell{}
}

// RunCell executes one extraction cell: context, prompt, LLM, parse, class
// assignment, dedup, stage, provenance. A re-run first clears the previous
// session's unpublished drafts.
func (o *Orchestrator) RunCell(ctx context.Context, c *types.Case, cell Cell) error {
	sessionID := uuid.NewString()
	session := &types.ExtractionSession{
		ID:          sessionID,
		CaseID:      c.ID,
		Step:        cell.Step,
		Pass:        cell.Pass,
		Section:     cell.Section,
		ConceptType: cell.ConceptType,
		ModelID:     o.client.Model(),
		StartedAt:   time.Now(),
	}

	// Clear any prior attempt's unpublished drafts for this cell.
	if prior, err := o.store.CurrentSession(types.CellKey{
		CaseID: c.ID, Step: cell.Step, Pass: cell.Pass,
		Section: cell.Section, ConceptType: cell.ConceptType,
	}); err == nil {
		if err := o.store.DeleteDrafts(c.ID, prior.ID); err != nil {
			return fmt.Errorf("failed to clear prior drafts: %w", err)
		}
	}

	// 1. Build context.
	classes, degraded := o.loadOntologyContext(ctx, cell)
	session.OntologyDegraded = degraded

	input := PromptInput{Cell: cell, Case: c, Classes: classes}
	if cell.Pass == 2 {
		drafts, err := o.store.GetDrafts(c.ID, staging.Filter{ConceptType: cell.ConceptType})
		if err != nil {
			return err
		}
		input.PriorDrafts = drafts
	}
	if cell.Step == StepSynthesis {
		published := true
		drafts, err := o.store.GetDrafts(c.ID, staging.Filter{Published: &published})
		if err != nil {
			return err
		}
		for _, d := range drafts {
			if d.Step < StepSynthesis {
				input.StepDrafts = append(input.StepDrafts, d)
			}
		}
	}

	// 2-5. Prompt, invoke, parse (with repair), assign, dedupe, stage.
	prompt := BuildPrompt(input)
	session.PromptText = prompt

	err := o.executeCell(ctx, c, cell, session, prompt)
	session.FinishedAt = time.Now()
	if err != nil {
		if session.Outcome == "" {
			session.Outcome = types.OutcomeLLMError
			session.Error = err.Error()
		}
	}

	metrics.CellsTotal.WithLabelValues(fmt.Sprintf("%d", cell.Step), string(session.Outcome)).Inc()
	metrics.LLMDuration.Observe(session.FinishedAt.Sub(session.StartedAt).Seconds())

	if logErr := o.store.LogSession(session); logErr != nil {
		return fmt.Errorf("failed to log session: %w", logErr)
	}

	// LLM and parse failures are recorded, not returned: the cell is left in
	// a failed state that blocks the next step until re-run.
	return nil
}

// executeCell runs the LLM round trip and stages the results, setting the
// session outcome.
func (o *Orchestrator) executeCell(ctx context.Context, c *types.Case, cell Cell, session *types.ExtractionSession, prompt string) error {
	response, err := o.completeWithRepair(ctx, cell, session, prompt)
	if err != nil {
		return err
	}
	if response == nil {
		// LLM call failed, or parse failed after the repair retry; outcome
		// already recorded.
		return nil
	}

	switch cell.ConceptType {
	case types.ConceptPrincipleTension, types.ConceptObligationConflict:
		return o.stagePairs(session, response.pairs, cell)
	case types.ConceptTransformation:
		return o.stageTransformation(session, response.transformation, cell)
	default:
		return o.stageEntities(ctx, c, cell, session, response.entities)
	}
}

// cellResponse holds the parsed result for whichever shape the cell uses.
type cellResponse struct {
	entities       *EntityResponse
	pairs          []types.ConceptPair
	transformation *types.Transformation
}

// completeWithRepair invokes the LLM and parses the response, repromting
// once on a parse failure. Returns (nil, nil) when the LLM call failed or
// parsing failed terminally; the session outcome is already set.
func (o *Orchestrator) completeWithRepair(ctx context.Context, cell Cell, session *types.ExtractionSession, prompt string) (*cellResponse, error) {
	userPrompt := prompt
	var lastParseErr error
	for attempt := 0; attempt <= o.cfg.RepairRetries; attempt++ {
		completion, err := o.client.Complete(ctx, extractionSystemPrompt, userPrompt)
		if err != nil {
			session.Outcome = types.OutcomeLLMError
			session.Error = err.Error()
			metrics.LLMErrors.Inc()
			return nil, nil
		}
		session.ResponseText = completion.Text
		session.InputTokens += completion.InputTokens
		session.OutputTokens += completion.OutputTokens

		parsed, parseErr := o.parseForCell(cell, completion.Text)
		if parseErr == nil {
			return parsed, nil
		}
		lastParseErr = parseErr
		userPrompt = BuildRepairPrompt(prompt, completion.Text, parseErr)
	}

	session.Outcome = types.OutcomeParseError
	session.Error = lastParseErr.Error()
	return nil, nil
}

func (o *Orchestrator) parseForCell(cell Cell, response string) (*cellResponse, error) {
	switch cell.ConceptType {
	case types.ConceptPrincipleTension, types.ConceptObligationConflict:
		pairs, err := ParsePairResponse(response)
		if err != nil {
			return nil, err
		}
		return &cellResponse{pairs: pairs}, nil
	case types.ConceptTransformation:
		tr, err := ParseTransformationResponse(response)
		if err != nil {
			return nil, err
		}
		return &cellResponse{transformation: tr}, nil
	default:
		entities, err := ParseEntityResponse(response)
		if err != nil {
			return nil, err
		}
		return &cellResponse{entities: entities}, nil
	}
}

// loadOntologyContext fetches class context, degrading to an empty listing
// when the service is unreachable.
func (o *Orchestrator) loadOntologyContext(ctx context.Context, cell Cell) ([]ontology.Class, bool) {
	category := conceptCategory(cell.ConceptType)
	if category == "" || o.matcher == nil {
		return nil, false
	}
	classes, err := o.matcher.LoadCategory(ctx, category)
	if err != nil {
		log.Printf("Warning: ontology context unavailable for %s: %v", category, err)
		return nil, true
	}
	return classes, false
}

// stageEntities assigns classes, dedupes and stages an entity response.
func (o *Orchestrator) stageEntities(ctx context.Context, c *types.Case, cell Cell, session *types.ExtractionSession, parsed *EntityResponse) error {
	if parsed.Empty() {
		session.Outcome = types.OutcomeEmpty
		return nil
	}

	category := conceptCategory(cell.ConceptType)

	// New-class records by label, for class_ref resolution.
	newClassDefs := make(map[string]NewClass, len(parsed.NewClasses))
	for _, class := range parsed.NewClasses {
		newClassDefs[types.NormalizeLabel(class.Label)] = class
	}

	// Response-local dedup before hitting the store.
	seen := make(map[string]bool, len(parsed.Individuals))

	for _, individual := range parsed.Individuals {
		key := types.NormalizeLabel(individual.Label)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		classRef := individual.ClassRef
		classDefinition := individual.Definition
		if def, ok := newClassDefs[types.NormalizeLabel(classRef)]; ok {
			classDefinition = def.Definition
		}
		if classRef == "" {
			classRef = individual.Label
		}

		assignment, err := o.matcher.Assign(ctx, category, classRef, classDefinition)
		if err != nil {
			return fmt.Errorf("class assignment for %q: %w", individual.Label, err)
		}

		draft := &types.DraftEntity{
			CaseID:      c.ID,
			SessionID:   session.ID,
			ConceptType: cell.ConceptType,
			Kind:        types.KindIndividual,
			Label:       individual.Label,
			Definition:  individual.Definition,
			Step:        cell.Step,
			Pass:        cell.Pass,
			Section:     cell.Section,
			MatchedURI:      assignment.URI,
			MatchMethod:     assignment.Method,
			MatchConfidence: assignment.Confidence,
		}
		if individual.Quote != "" || individual.End > individual.Start {
			draft.Spans = []types.TextSpan{{
				Section: cell.Section,
				Start:   individual.Start,
				End:     individual.End,
				Quote:   individual.Quote,
			}}
		}
		for _, rel := range individual.Relations {
			draft.Relations = append(draft.Relations, types.EntityRelation{
				Predicate: rel.Predicate,
				Target:    rel.Target,
			})
		}

		// Decision points carry their options inline; each option becomes
		// its own draft, linked back by has_option.
		if cell.ConceptType == types.ConceptDecisionPoint {
			for _, option := range individual.Options {
				draft.Relations = append(draft.Relations, types.EntityRelation{
					Predicate: "has_option",
					Target:    option.Label,
				})
			}
		}

		if _, err := o.store.Stage(draft); err != nil {
			return fmt.Errorf("failed to stage %q: %w", individual.Label, err)
		}

		if cell.ConceptType == types.ConceptDecisionPoint {
			if err := o.stageOptions(c, cell, session, individual); err != nil {
				return err
			}
		}
	}

	// Proposed classes whose label no individual referenced are still staged
	// as class drafts for review.
	for _, class := range parsed.NewClasses {
		draft := &types.DraftEntity{
			CaseID:      c.ID,
			SessionID:   session.ID,
			ConceptType: cell.ConceptType,
			Kind:        types.KindClass,
			Label:       class.Label,
			Definition:  class.Definition,
			Step:        cell.Step,
			Pass:        cell.Pass,
			Section:     cell.Section,
			MatchMethod: types.MatchNewCandidate,
		}
		if _, err := o.store.Stage(draft); err != nil {
			return fmt.Errorf("failed to stage class %q: %w", class.Label, err)
		}
	}

	session.Outcome = types.OutcomeOK
	return nil
}

// stageOptions stages a decision point's enumerated options as
// decision_option drafts. Options carry no ontology class link of their own.
func (o *Orchestrator) stageOptions(c *types.Case, cell Cell, session *types.ExtractionSession, point Individual) error {
	if len(point.Options) < 2 {
		log.Printf("Warning: decision point %q staged with %d options", point.Label, len(point.Options))
	}
	for _, option := range point.Options {
		draft := &types.DraftEntity{
			CaseID:      c.ID,
			SessionID:   session.ID,
			ConceptType: types.ConceptDecisionOption,
			Kind:        types.KindIndividual,
			Label:       option.Label,
			Definition:  option.Definition,
			Step:        cell.Step,
			Pass:        cell.Pass,
			Section:     cell.Section,
			BoardChoice: option.BoardChoice,
		}
		if option.Quote != "" {
			draft.Spans = []types.TextSpan{{Section: cell.Section, Quote: option.Quote}}
		}
		if _, err := o.store.Stage(draft); err != nil {
			return fmt.Errorf("failed to stage option %q: %w", option.Label, err)
		}
	}
	return nil
}

// stagePairs stages tension/conflict pairs as individual drafts carrying the
// pair payload.
func (o *Orchestrator) stagePairs(session *types.ExtractionSession, pairs []types.ConceptPair, cell Cell) error {
	if len(pairs) == 0 {
		session.Outcome = types.OutcomeEmpty
		return nil
	}
	for _, pair := range pairs {
		pair := pair
		draft := &types.DraftEntity{
			CaseID:      session.CaseID,
			SessionID:   session.ID,
			ConceptType: cell.ConceptType,
			Kind:        types.KindIndividual,
			Label:       pair.First + " / " + pair.Second,
			Definition:  pair.Rationale,
			Step:        cell.Step,
			Pass:        cell.Pass,
			Section:     cell.Section,
			Pair:        &pair,
		}
		if _, err := o.store.Stage(draft); err != nil {
			return fmt.Errorf("failed to stage pair: %w", err)
		}
	}
	session.Outcome = types.OutcomeOK
	return nil
}

// stageTransformation stages the single classification record.
func (o *Orchestrator) stageTransformation(session *types.ExtractionSession, tr *types.Transformation, cell Cell) error {
	draft := &types.DraftEntity{
		CaseID:         session.CaseID,
		SessionID:      session.ID,
		ConceptType:    cell.ConceptType,
		Kind:           types.KindIndividual,
		Label:          "transformation: " + string(tr.Type),
		Definition:     tr.Rationale,
		Step:           cell.Step,
		Pass:           cell.Pass,
		Section:        cell.Section,
		Transformation: tr,
	}
	if _, err := o.store.Stage(draft); err != nil {
		return fmt.Errorf("failed to stage transformation: %w", err)
	}
	session.Outcome = types.OutcomeOK
	return nil
}

// Publish publishes a case's drafts under the per-case lock.
func (o *Orchestrator) Publish(ctx context.Context, caseID string, selector staging.Selector) (int, error) {
	lock := o.caseLock(caseID)
	lock.Lock()
	defer lock.Unlock()
	return o.store.Publish(caseID, selector)
}

// Reconcile re-links new_candidate matches to canonical classes after the
// ontology service recovers: an unpublished new_candidate draft whose own
// label, normalized, equals a normalized class label of its category is
// rewired to that class's URI. For individuals this compares the
// individual's label, not the label of the class it was proposed under.
// Published drafts are not touched.
func (o *Orchestrator) Reconcile(ctx context.Context, caseID string) (int, error) {
	unpublished := false
	drafts, err := o.store.GetDrafts(caseID, staging.Filter{Published: &unpublished})
	if err != nil {
		return 0, err
	}

	relinked := 0
	classCache := make(map[string][]ontology.Class)
	for _, d := range drafts {
		if d.MatchMethod != types.MatchNewCandidate {
			continue
		}
		category := conceptCategory(d.ConceptType)
		if category == "" {
			continue
		}
		classes, ok := classCache[category]
		if !ok {
			classes, err = o.matcher.LoadCategory(ctx, category)
			if err != nil {
				return relinked, err
			}
			classCache[category] = classes
		}

		normalized := types.NormalizeLabel(d.Label)
		for _, class := range classes {
			if types.NormalizeLabel(class.Label) != normalized {
				continue
			}
			uri := class.URI
			method := types.MatchExactLabel
			confidence := 1.0
			err := o.store.UpdateDraft(d.ID, staging.DraftPatch{
				MatchedURI:      &uri,
				MatchMethod:     &method,
				MatchConfidence: &confidence,
			})
			if err != nil {
				return relinked, err
			}
			relinked++
			break
		}
	}
	return relinked, nil
}
