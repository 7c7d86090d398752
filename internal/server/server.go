// Package server exposes the extraction pipeline, feature builder and
// precedent engine as MCP tools over stdio.
package server

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"proethica/internal/document"
	"proethica/internal/extraction"
	"proethica/internal/features"
	"proethica/internal/precedent"
	"proethica/internal/staging"
	"proethica/internal/types"
)

// PipelineServer bundles the pipeline components behind the tool surface.
type PipelineServer struct {
	store        staging.Store
	parser       *document.Parser
	orchestrator *extraction.Orchestrator
	builder      *features.Builder
	engine       *precedent.Engine
}

// NewPipelineServer creates the server.
func NewPipelineServer(store staging.Store, orchestrator *extraction.Orchestrator, builder *features.Builder, engine *precedent.Engine) *PipelineServer {
	return &PipelineServer{
		store:        store,
		parser:       document.NewParser(),
		orchestrator: orchestrator,
		builder:      builder,
		engine:       engine,
	}
}

// RegisterTools registers all pipeline tools on the MCP server.
func (s *PipelineServer) RegisterTools(mcpServer *mcp.Server) {
	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "ingest-case",
		Description: "Parse and store a raw case document",
	}, s.handleIngestCase)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "run-extraction",
		Description: "Run the extraction pipeline for a case, optionally a single step",
	}, s.handleRunExtraction)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "get-drafts",
		Description: "List a case's staged draft entities",
	}, s.handleGetDrafts)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "update-draft",
		Description: "Edit an unpublished draft's label, definition or class link",
	}, s.handleUpdateDraft)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "publish-case",
		Description: "Publish a case's drafts, freezing them for feature building",
	}, s.handlePublishCase)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "unpublish-draft",
		Description: "Revert a published draft to draft state, invalidating the case's feature record",
	}, s.handleUnpublishDraft)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "reconcile-case",
		Description: "Re-link candidate class matches after ontology recovery",
	}, s.handleReconcileCase)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "build-features",
		Description: "Build the case feature record from published drafts",
	}, s.handleBuildFeatures)

	mcp.AddTool(mcpServer, &mcp.Tool{
		Name:        "find-precedents",
		Description: "Rank the most similar cases by component-weighted similarity",
	}, s.handleFindPrecedents)
}

// IngestCaseRequest uploads one case.
type IngestCaseRequest struct {
	Title       string   `json:"title"`
	CaseNumber  string   `json:"case_number,omitempty"`
	Year        int      `json:"year,omitempty"`
	Source      string   `json:"source,omitempty"`
	SubjectTags []string `json:"subject_tags,omitempty"`
	Text        string   `json:"text"`
}

// IngestCaseResponse reports the stored case.
type IngestCaseResponse struct {
	CaseID      string   `json:"case_id"`
	ParseMethod string   `json:"parse_method"`
	Sections    []string `json:"sections"`
}

func (s *PipelineServer) handleIngestCase(ctx context.Context, req *mcp.CallToolRequest, input IngestCaseRequest) (*mcp.CallToolResult, *IngestCaseResponse, error) {
	if input.Text == "" {
		return nil, nil, fmt.Errorf("text is required")
	}
	if input.Title == "" {
		return nil, nil, fmt.Errorf("title is required")
	}

	result := s.parser.Parse(input.Text)
	c := &types.Case{
		Title:       input.Title,
		CaseNumber:  input.CaseNumber,
		Year:        input.Year,
		Source:      input.Source,
		SubjectTags: input.SubjectTags,
		RawText:     input.Text,
		Sections:    result.Sections,
		ParseMethod: result.Method,
	}
	if err := s.store.SaveCase(c); err != nil {
		return nil, nil, err
	}

	response := &IngestCaseResponse{CaseID: c.ID, ParseMethod: string(result.Method)}
	for sectionType := range result.Sections {
		response.Sections = append(response.Sections, string(sectionType))
	}
	return &mcp.CallToolResult{}, response, nil
}

// RunExtractionRequest runs the pipeline.
type RunExtractionRequest struct {
	CaseID string `json:"case_id"`
	// Step runs a single step (1-4); 0 runs all steps.
	Step int `json:"step,omitempty"`
}

// RunExtractionResponse summarizes the run.
type RunExtractionResponse struct {
	CaseID   string           `json:"case_id"`
	Sessions []SessionSummary `json:"sessions"`
}

// SessionSummary is one cell's outcome.
type SessionSummary struct {
	Step             int    `json:"step"`
	Pass             int    `json:"pass"`
	Section          string `json:"section"`
	ConceptType      string `json:"concept_type"`
	Outcome          string `json:"outcome"`
	OntologyDegraded bool   `json:"ontology_degraded,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (s *PipelineServer) handleRunExtraction(ctx context.Context, req *mcp.CallToolRequest, input RunExtractionRequest) (*mcp.CallToolResult, *RunExtractionResponse, error) {
	if input.CaseID == "" {
		return nil, nil, fmt.Errorf("case_id is required")
	}

	var err error
	if input.Step == 0 {
		err = s.orchestrator.RunCase(ctx, input.CaseID)
	} else {
		err = s.orchestrator.RunStep(ctx, input.CaseID, input.Step)
	}
	if err != nil {
		return nil, nil, err
	}

	sessions, err := s.store.ListSessions(input.CaseID)
	if err != nil {
		return nil, nil, err
	}
	response := &RunExtractionResponse{CaseID: input.CaseID}
	for _, sess := range sessions {
		response.Sessions = append(response.Sessions, SessionSummary{
			Step:             sess.Step,
			Pass:             sess.Pass,
			Section:          string(sess.Section),
			ConceptType:      string(sess.ConceptType),
			Outcome:          string(sess.Outcome),
			OntologyDegraded: sess.OntologyDegraded,
			Error:            sess.Error,
		})
	}
	return &mcp.CallToolResult{}, response, nil
}

// GetDraftsRequest lists drafts.
type GetDraftsRequest struct {
	CaseID      string `json:"case_id"`
	ConceptType string `json:"concept_type,omitempty"`
	Published   *bool  `json:"published,omitempty"`
	Step        int    `json:"step,omitempty"`
}

// GetDraftsResponse carries the drafts.
type GetDraftsResponse struct {
	Drafts []*types.DraftEntity `json:"drafts"`
}

func (s *PipelineServer) handleGetDrafts(ctx context.Context, req *mcp.CallToolRequest, input GetDraftsRequest) (*mcp.CallToolResult, *GetDraftsResponse, error) {
	if input.CaseID == "" {
		return nil, nil, fmt.Errorf("case_id is required")
	}
	drafts, err := s.store.GetDrafts(input.CaseID, staging.Filter{
		ConceptType: types.ConceptType(input.ConceptType),
		Published:   input.Published,
		Step:        input.Step,
	})
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{}, &GetDraftsResponse{Drafts: drafts}, nil
}

// UpdateDraftRequest edits an unpublished draft.
type UpdateDraftRequest struct {
	DraftID         string   `json:"draft_id"`
	Label           *string  `json:"label,omitempty"`
	Definition      *string  `json:"definition,omitempty"`
	MatchedURI      *string  `json:"matched_ontology_uri,omitempty"`
	MatchConfidence *float64 `json:"match_confidence,omitempty"`
}

// UpdateDraftResponse returns the updated draft.
type UpdateDraftResponse struct {
	Draft *types.DraftEntity `json:"draft"`
}

func (s *PipelineServer) handleUpdateDraft(ctx context.Context, req *mcp.CallToolRequest, input UpdateDraftRequest) (*mcp.CallToolResult, *UpdateDraftResponse, error) {
	if input.DraftID == "" {
		return nil, nil, fmt.Errorf("draft_id is required")
	}
	patch := staging.DraftPatch{
		Label:           input.Label,
		Definition:      input.Definition,
		MatchedURI:      input.MatchedURI,
		MatchConfidence: input.MatchConfidence,
	}
	if input.MatchedURI != nil {
		method := types.MatchUserOverride
		patch.MatchMethod = &method
	}
	if err := s.store.UpdateDraft(input.DraftID, patch); err != nil {
		return nil, nil, err
	}
	draft, err := s.store.GetDraft(input.DraftID)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{}, &UpdateDraftResponse{Draft: draft}, nil
}

// PublishCaseRequest publishes drafts.
type PublishCaseRequest struct {
	CaseID       string   `json:"case_id"`
	ConceptTypes []string `json:"concept_types,omitempty"`
	DraftIDs     []string `json:"draft_ids,omitempty"`
	Step         int      `json:"step,omitempty"`
}

// PublishCaseResponse reports the publish count.
type PublishCaseResponse struct {
	Published int `json:"published"`
}

func (s *PipelineServer) handlePublishCase(ctx context.Context, req *mcp.CallToolRequest, input PublishCaseRequest) (*mcp.CallToolResult, *PublishCaseResponse, error) {
	if input.CaseID == "" {
		return nil, nil, fmt.Errorf("case_id is required")
	}
	selector := staging.Selector{DraftIDs: input.DraftIDs, Step: input.Step}
	for _, ct := range input.ConceptTypes {
		selector.ConceptTypes = append(selector.ConceptTypes, types.ConceptType(ct))
	}
	count, err := s.orchestrator.Publish(ctx, input.CaseID, selector)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{}, &PublishCaseResponse{Published: count}, nil
}

// UnpublishDraftRequest reverts one published draft.
type UnpublishDraftRequest struct {
	DraftID string `json:"draft_id"`
}

// UnpublishDraftResponse returns the reverted draft.
type UnpublishDraftResponse struct {
	Draft *types.DraftEntity `json:"draft"`
}

func (s *PipelineServer) handleUnpublishDraft(ctx context.Context, req *mcp.CallToolRequest, input UnpublishDraftRequest) (*mcp.CallToolResult, *UnpublishDraftResponse, error) {
	if input.DraftID == "" {
		return nil, nil, fmt.Errorf("draft_id is required")
	}
	if err := s.store.Unpublish(input.DraftID); err != nil {
		return nil, nil, err
	}
	draft, err := s.store.GetDraft(input.DraftID)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{}, &UnpublishDraftResponse{Draft: draft}, nil
}

// ReconcileCaseRequest re-links candidate matches.
type ReconcileCaseRequest struct {
	CaseID string `json:"case_id"`
}

// ReconcileCaseResponse reports how many drafts were re-linked.
type ReconcileCaseResponse struct {
	Relinked int `json:"relinked"`
}

func (s *PipelineServer) handleReconcileCase(ctx context.Context, req *mcp.CallToolRequest, input ReconcileCaseRequest) (*mcp.CallToolResult, *ReconcileCaseResponse, error) {
	if input.CaseID == "" {
		return nil, nil, fmt.Errorf("case_id is required")
	}
	relinked, err := s.orchestrator.Reconcile(ctx, input.CaseID)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{}, &ReconcileCaseResponse{Relinked: relinked}, nil
}

// BuildFeaturesRequest builds the feature record.
type BuildFeaturesRequest struct {
	CaseID string `json:"case_id"`
}

// BuildFeaturesResponse carries the record.
type BuildFeaturesResponse struct {
	Features *types.CaseFeatures `json:"features"`
}

func (s *PipelineServer) handleBuildFeatures(ctx context.Context, req *mcp.CallToolRequest, input BuildFeaturesRequest) (*mcp.CallToolResult, *BuildFeaturesResponse, error) {
	if input.CaseID == "" {
		return nil, nil, fmt.Errorf("case_id is required")
	}
	record, err := s.builder.Build(ctx, input.CaseID)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{}, &BuildFeaturesResponse{Features: record}, nil
}

// FindPrecedentsRequest queries neighbors.
type FindPrecedentsRequest struct {
	CaseID         string   `json:"case_id"`
	K              int      `json:"k,omitempty"`
	MinScore       float64  `json:"min_score,omitempty"`
	Outcomes       []string `json:"outcomes,omitempty"`
	Provision      string   `json:"provision,omitempty"`
	Transformation string   `json:"transformation,omitempty"`
}

// FindPrecedentsResponse carries ranked neighbors.
type FindPrecedentsResponse struct {
	Neighbors []precedent.Neighbor `json:"neighbors"`
}

func (s *PipelineServer) handleFindPrecedents(ctx context.Context, req *mcp.CallToolRequest, input FindPrecedentsRequest) (*mcp.CallToolResult, *FindPrecedentsResponse, error) {
	if input.CaseID == "" {
		return nil, nil, fmt.Errorf("case_id is required")
	}
	k := input.K
	if k <= 0 {
		k = 10
	}
	filter := &precedent.Filter{
		MinScore:       input.MinScore,
		Provision:      input.Provision,
		Transformation: types.TransformationType(input.Transformation),
	}
	for _, o := range input.Outcomes {
		filter.Outcomes = append(filter.Outcomes, types.Outcome(o))
	}
	neighbors, err := s.engine.Neighbors(ctx, input.CaseID, k, filter)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{}, &FindPrecedentsResponse{Neighbors: neighbors}, nil
}
