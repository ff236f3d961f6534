package domain

import "time"

// Identity carries the opaque audit stamps supplied by the external auth
// layer. The orchestrator never interprets them.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
	FirmID string `json:"firm_id,omitempty"`
}

// Intake is the normalized structured input for a run. Fields beyond doc_type
// and objective are workflow-specific and optional.
type Intake struct {
	DocType      string   `json:"doc_type"`
	Objective    string   `json:"objective"`
	Audience     string   `json:"audience,omitempty"`
	Jurisdiction string   `json:"jurisdiction,omitempty"`
	Tone         string   `json:"tone,omitempty"`
	Language     string   `json:"language,omitempty"`
	Facts        []string `json:"facts,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
	Constraints  []string `json:"constraints,omitempty"`
	RawText      string   `json:"raw_text,omitempty"`

	// Review workflows operate on an existing document.
	Text     string         `json:"text,omitempty"`
	Sections []DraftSection `json:"sections,omitempty"`

	// Optional grounding reference to a prior research run.
	ResearchTraceID string `json:"research_trace_id,omitempty"`
	ResearchSummary string `json:"research_summary,omitempty"`
}

// Qualification is the preliminary matter assessment.
type Qualification struct {
	IsLegalMatter   bool    `json:"is_legal_matter"`
	Confidence      float64 `json:"confidence"`
	RecommendedPath string  `json:"recommended_path"`
	Rationale       string  `json:"rationale,omitempty"`
}

// JurisdictionHypothesis is one inferred forum candidate.
type JurisdictionHypothesis struct {
	Level      string  `json:"level"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
	Basis      string  `json:"basis,omitempty"`
}

// AreaOfLaw names the primary and secondary practice areas for a matter.
type AreaOfLaw struct {
	Primary    string   `json:"primary"`
	Secondary  []string `json:"secondary,omitempty"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale,omitempty"`
}

// Classification aggregates the qualification and jurisdiction/area results.
type Classification struct {
	Qualification          *Qualification           `json:"qualification,omitempty"`
	JurisdictionHypotheses []JurisdictionHypothesis `json:"jurisdiction_hypotheses,omitempty"`
	ChosenJurisdictions    []string                 `json:"chosen_jurisdictions,omitempty"`
	AreaOfLaw              *AreaOfLaw               `json:"area_of_law,omitempty"`
}

// Party is a named participant in the matter.
type Party struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	Name string `json:"name"`
}

// Fact is one extracted fact with relevance annotations.
type Fact struct {
	ID              string   `json:"id"`
	Text            string   `json:"text"`
	Relevance       string   `json:"relevance,omitempty"`
	RelevanceReason string   `json:"relevance_reason,omitempty"`
	Date            string   `json:"date,omitempty"`
	Parties         []string `json:"parties,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// FactSet splits extracted facts by relevance.
type FactSet struct {
	RelevantFacts   []Fact `json:"relevant_facts"`
	IrrelevantFacts []Fact `json:"irrelevant_facts,omitempty"`
}

// Issue is one legal question to research.
type Issue struct {
	ID       string     `json:"id"`
	Question string     `json:"question"`
	Priority string     `json:"priority"`
	Area     string     `json:"area"`
	Status   StepStatus `json:"status"`
}

// PlanStep is one unit of planned research work. QueryIDs is populated only
// after the step has executed.
type PlanStep struct {
	ID          string     `json:"id"`
	IssueID     string     `json:"issue_id"`
	Layer       string     `json:"layer"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	QueryIDs    []string   `json:"query_ids"`
	TopK        int        `json:"top_k,omitempty"`
}

// SearchResult is one ranked hit returned by the retrieval backend.
type SearchResult struct {
	DocID     string  `json:"doc_id"`
	Title     string  `json:"title,omitempty"`
	Citation  string  `json:"citation,omitempty"`
	Snippet   string  `json:"snippet,omitempty"`
	Distance  float64 `json:"distance"`
	NormLayer string  `json:"norm_layer,omitempty"`
}

// Query is one executed (or in-flight) retrieval query. Results is populated
// only after the tool call completes.
type Query struct {
	ID        string            `json:"id"`
	IssueID   string            `json:"issue_id"`
	Layer     string            `json:"layer"`
	QueryText string            `json:"query_text"`
	Filters   map[string]string `json:"filters,omitempty"`
	TopK      int               `json:"top_k"`
	Results   []SearchResult    `json:"results,omitempty"`
}

// ConflictHit is one potential conflict-of-interest match, enriched with a
// lookup link for manual verification.
type ConflictHit struct {
	DocID     string  `json:"doc_id"`
	ChunkID   string  `json:"chunk_id,omitempty"`
	Name      string  `json:"name"`
	Distance  float64 `json:"distance"`
	LookupURL string  `json:"lookup_url,omitempty"`
}

// ConflictCheck is the gating artifact produced by the conflict-check step.
// ConflictFound true means the run must not proceed past that step.
type ConflictCheck struct {
	OpposingParties []string      `json:"opposing_parties"`
	ConflictFound   bool          `json:"conflict_found"`
	Reason          string        `json:"reason,omitempty"`
	Hits            []ConflictHit `json:"hits,omitempty"`
}

// IssueAnswer is one answered issue within a briefing.
type IssueAnswer struct {
	IssueID   string         `json:"issue_id"`
	Answer    string         `json:"answer"`
	Citations []SearchResult `json:"citations,omitempty"`
}

// Briefing is the research workflow's terminal synthesis.
type Briefing struct {
	Overview              string        `json:"overview"`
	LegalCharacterization string        `json:"legal_characterization"`
	RecommendedStrategy   string        `json:"recommended_strategy"`
	IssueAnswers          []IssueAnswer `json:"issue_answers"`
	OpenQuestions         []string      `json:"open_questions,omitempty"`
}

// DraftSection is one titled section of a drafted document.
type DraftSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// DraftReview carries the reviewer pass over a generated draft.
type DraftReview struct {
	Assumptions   []string `json:"assumptions,omitempty"`
	Risks         []string `json:"risks,omitempty"`
	OpenQuestions []string `json:"open_questions,omitempty"`
}

// Draft is the drafting workflow's terminal synthesis.
type Draft struct {
	Sections []DraftSection `json:"sections"`
	Text     string         `json:"text"`
	Review   *DraftReview   `json:"review,omitempty"`
}

// ReviewFinding is one structural observation about a reviewed document.
type ReviewFinding struct {
	Section  string `json:"section,omitempty"`
	Location string `json:"location,omitempty"`
	Issue    string `json:"issue"`
	Severity string `json:"severity"`
}

// ReviewIssue is one categorized defect found during detailed review.
type ReviewIssue struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Section     string `json:"section,omitempty"`
	Location    string `json:"location,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// ReviewSuggestion is one redline-style proposed edit.
type ReviewSuggestion struct {
	Section    string `json:"section,omitempty"`
	Location   string `json:"location,omitempty"`
	Suggestion string `json:"suggestion"`
	Rationale  string `json:"rationale,omitempty"`
}

// ReviewSummary is the review workflow's terminal synthesis.
type ReviewSummary struct {
	StructuralFindings []ReviewFinding    `json:"structural_findings,omitempty"`
	Issues             []ReviewIssue      `json:"issues,omitempty"`
	Suggestions        []ReviewSuggestion `json:"suggestions,omitempty"`
	QANotes            []string           `json:"qa_notes,omitempty"`
	ResidualRisks      []string           `json:"residual_risks,omitempty"`
	Summary            string             `json:"summary"`
	KeyImprovements    []string           `json:"key_improvements,omitempty"`
}

// Output is the workflow-specific terminal synthesis object. Exactly one
// field is set, matching the run's kind. Absent until synthesis runs.
type Output struct {
	Briefing *Briefing      `json:"briefing,omitempty"`
	Draft    *Draft         `json:"draft,omitempty"`
	Review   *ReviewSummary `json:"review,omitempty"`
}

// Run is the unit of work, keyed by TraceID. It is mutated only by the graph
// runner and persisted as a full snapshot after every step.
type Run struct {
	TraceID string       `json:"trace_id"`
	FirmID  string       `json:"firm_id,omitempty"`
	UserID  string       `json:"user_id,omitempty"`
	Kind    WorkflowKind `json:"kind"`
	Status  RunStatus    `json:"status"`

	Intake         Intake          `json:"intake"`
	Classification *Classification `json:"classification,omitempty"`
	Parties        []Party         `json:"parties,omitempty"`
	Facts          *FactSet        `json:"facts,omitempty"`
	ConflictCheck  *ConflictCheck  `json:"conflict_check,omitempty"`
	Issues         []Issue         `json:"issues,omitempty"`
	Plan           []PlanStep      `json:"plan,omitempty"`
	Queries        []Query         `json:"queries,omitempty"`
	Output         *Output         `json:"output,omitempty"`

	// Template holds the section titles chosen for a drafting run.
	Template []string `json:"template,omitempty"`

	// ReviewWork accumulates intermediate review artifacts across steps so a
	// resumed run does not lose them. Output.Review is assembled from it by
	// the terminal summary step.
	ReviewWork *ReviewSummary `json:"review_work,omitempty"`

	// MaxSearchSteps overrides the configured search budget when positive.
	MaxSearchSteps int `json:"max_search_steps,omitempty"`

	// Errors is append-only. A non-empty list does not by itself imply
	// Status == error; non-fatal step failures land here too.
	Errors []string `json:"errors,omitempty"`

	// Progress lists completed step names in execution order; resume skips
	// them. The search loop appears once, after it has fully drained.
	Progress []string `json:"progress,omitempty"`

	// SearchTruncated is set when the search budget ran out with plan steps
	// still pending.
	SearchTruncated bool `json:"search_truncated,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepCompleted reports whether the named step is recorded in Progress.
func (r *Run) StepCompleted(name string) bool {
	for _, s := range r.Progress {
		if s == name {
			return true
		}
	}
	return false
}

// MarkStepCompleted appends the step name to Progress if not already present.
func (r *Run) MarkStepCompleted(name string) {
	if !r.StepCompleted(name) {
		r.Progress = append(r.Progress, name)
	}
}

// AppendError records a non-fatal or fatal error string. Historical entries
// are never rewritten.
func (r *Run) AppendError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// OpposingPartyNames returns the names of parties whose role marks them as
// adverse to the client.
func (r *Run) OpposingPartyNames() []string {
	var names []string
	for _, p := range r.Parties {
		if p.Role == "opposing" || p.Role == "counterparty" || p.Role == "defendant" {
			names = append(names, p.Name)
		}
	}
	return names
}

// PendingPlanSteps counts plan steps that have not executed yet.
func (r *Run) PendingPlanSteps() int {
	n := 0
	for _, s := range r.Plan {
		if s.Status == StepStatusPending {
			n++
		}
	}
	return n
}

// DonePlanSteps counts plan steps that have executed. Resume uses this to
// recompute the consumed search budget instead of re-running completed work.
func (r *Run) DonePlanSteps() int {
	n := 0
	for _, s := range r.Plan {
		if s.Status == StepStatusDone {
			n++
		}
	}
	return n
}

// HasIssue reports whether an issue with the given id exists.
func (r *Run) HasIssue(id string) bool {
	for _, i := range r.Issues {
		if i.ID == id {
			return true
		}
	}
	return false
}
