package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lexflow/orchestrator/internal/domain"
	"github.com/lexflow/orchestrator/internal/llm"
	"github.com/lexflow/orchestrator/internal/search"
	"github.com/lexflow/orchestrator/internal/tools"
)

// planLayers is the deterministic subset of research layers the plan builder
// expands each issue across, in normative order.
var planLayers = []string{domain.LayerLaw, domain.LayerJurisprudence, domain.LayerDoctrine}

const defaultQueryTopK = 5

// issueGenerationResult is the model's answer shape for issue generation.
type issueGenerationResult struct {
	Issues []domain.Issue `json:"issues"`
}

// IssueGenerator derives the legal questions to research from the extracted
// facts and classification.
func (s *Steps) IssueGenerator() Step {
	return Step{
		Name: "issue_generator",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			area := "general"
			if run.Classification != nil && run.Classification.AreaOfLaw != nil {
				area = run.Classification.AreaOfLaw.Primary
			}

			var facts []string
			if run.Facts != nil {
				for _, f := range run.Facts.RelevantFacts {
					facts = append(facts, f.Text)
				}
			}

			fallback := issueGenerationResult{
				Issues: []domain.Issue{{
					ID:       "i1",
					Question: fmt.Sprintf("Which rules govern: %s", run.Intake.Objective),
					Priority: "high",
					Area:     area,
					Status:   domain.StepStatusPending,
				}},
			}

			var res issueGenerationResult
			err := s.structured(ctx, run, "issue_generator", llm.StructuredRequest{
				System: "You formulate the legal issues a research memo must answer.",
				Prompt: fmt.Sprintf(
					"Generate the legal issues (id, question, priority high|medium|low, area) to research.\nObjective: %s\nArea of law: %s\nFacts: %s",
					run.Intake.Objective, area, strings.Join(facts, "; ")),
				Out:      &res,
				Fallback: fallback,
			})
			if err != nil {
				return Fail(err)
			}

			seen := make(map[string]bool)
			for i := range res.Issues {
				if res.Issues[i].ID == "" || seen[res.Issues[i].ID] {
					res.Issues[i].ID = fmt.Sprintf("i%d", i+1)
				}
				seen[res.Issues[i].ID] = true
				res.Issues[i].Status = domain.StepStatusPending
				if res.Issues[i].Area == "" {
					res.Issues[i].Area = area
				}
			}
			run.Issues = res.Issues
			return Continue()
		},
	}
}

// ResearchPlanBuilder deterministically expands each issue into one pending
// plan step per research layer.
func (s *Steps) ResearchPlanBuilder() Step {
	return Step{
		Name: "research_plan_builder",
		Apply: func(_ context.Context, run *domain.Run) Outcome {
			n := 0
			for _, issue := range run.Issues {
				for _, layer := range planLayers {
					n++
					run.Plan = append(run.Plan, domain.PlanStep{
						ID:          fmt.Sprintf("p%d", n),
						IssueID:     issue.ID,
						Layer:       layer,
						Description: fmt.Sprintf("%s research: %s", layer, issue.Question),
						Status:      domain.StepStatusPending,
						TopK:        defaultQueryTopK,
					})
				}
			}
			return Continue()
		},
	}
}

// RunNextSearchStep executes the next pending plan step: one query per chosen
// jurisdiction (or one unfiltered), dispatched concurrently under the worker
// limit. Returns Repeat while pending steps and budget remain. Budget
// exhaustion is not an error; it truncates the search and falls through to
// synthesis with an awaiting_input boundary snapshot.
func (s *Steps) RunNextSearchStep() Step {
	return Step{
		Name: "run_next_search_step",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			if run.PendingPlanSteps() == 0 {
				return Continue()
			}

			budget := s.cfg.MaxSearchSteps
			if run.MaxSearchSteps > 0 {
				budget = run.MaxSearchSteps
			}
			// Consumed budget is derived from done steps, so resume never
			// double counts.
			if run.DonePlanSteps() >= budget {
				run.SearchTruncated = true
				run.Status = domain.RunStatusAwaitingInput
				return Continue()
			}

			step := s.nextPendingStep(run)
			if !run.HasIssue(step.IssueID) {
				// Every plan step must reference a known issue; an orphan
				// is recorded and skipped, never queried.
				run.AppendError(fmt.Sprintf(
					"run_next_search_step: plan step %s references unknown issue %s", step.ID, step.IssueID))
				step.Status = domain.StepStatusDone
			} else {
				queries := s.buildQueries(run, step)
				s.executeQueries(ctx, run, queries)

				for _, q := range queries {
					step.QueryIDs = append(step.QueryIDs, q.ID)
					run.Queries = append(run.Queries, *q)
				}
				step.Status = domain.StepStatusDone
				s.markIssueDone(run, step.IssueID)
			}

			if run.PendingPlanSteps() > 0 && run.DonePlanSteps() < budget {
				return Repeat()
			}
			if run.PendingPlanSteps() > 0 {
				run.SearchTruncated = true
				run.Status = domain.RunStatusAwaitingInput
			}
			return Continue()
		},
	}
}

func (s *Steps) nextPendingStep(run *domain.Run) *domain.PlanStep {
	for i := range run.Plan {
		if run.Plan[i].Status == domain.StepStatusPending {
			return &run.Plan[i]
		}
	}
	return nil
}

// markIssueDone flips an issue to done once every plan step referencing it
// has executed.
func (s *Steps) markIssueDone(run *domain.Run, issueID string) {
	for _, p := range run.Plan {
		if p.IssueID == issueID && p.Status == domain.StepStatusPending {
			return
		}
	}
	for i := range run.Issues {
		if run.Issues[i].ID == issueID {
			run.Issues[i].Status = domain.StepStatusDone
		}
	}
}

func (s *Steps) buildQueries(run *domain.Run, step *domain.PlanStep) []*domain.Query {
	topK := step.TopK
	if topK <= 0 {
		topK = defaultQueryTopK
	}

	var jurisdictions []string
	if run.Classification != nil {
		jurisdictions = run.Classification.ChosenJurisdictions
	}

	base := len(run.Queries)
	var queries []*domain.Query
	if len(jurisdictions) == 0 {
		queries = append(queries, &domain.Query{
			ID:        fmt.Sprintf("q%d", base+1),
			IssueID:   step.IssueID,
			Layer:     step.Layer,
			QueryText: step.Description,
			TopK:      topK,
		})
		return queries
	}

	for i, j := range jurisdictions {
		queries = append(queries, &domain.Query{
			ID:        fmt.Sprintf("q%d", base+i+1),
			IssueID:   step.IssueID,
			Layer:     step.Layer,
			QueryText: step.Description,
			Filters:   map[string]string{"jurisdiction": j},
			TopK:      topK,
		})
	}
	return queries
}

// executeQueries dispatches sibling queries concurrently. A failed query is
// recorded on the run and leaves its results empty; siblings are unaffected.
func (s *Steps) executeQueries(ctx context.Context, run *domain.Run, queries []*domain.Query) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SearchWorkers)

	for _, q := range queries {
		q := q
		g.Go(func() error {
			results, err := s.searchQuery(gctx, run, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				run.AppendError(fmt.Sprintf("run_next_search_step: query %s failed: %v", q.ID, err))
				return nil
			}
			q.Results = results
			return nil
		})
	}
	// Goroutines never return errors; failures are per-query annotations.
	_ = g.Wait()
}

func (s *Steps) searchQuery(ctx context.Context, run *domain.Run, q *domain.Query) ([]domain.SearchResult, error) {
	var jurisdictions []string
	if j := q.Filters["jurisdiction"]; j != "" {
		jurisdictions = []string{j}
	}

	args, err := json.Marshal(tools.SimilaritySearchArgs{
		Query:         q.QueryText,
		TopK:          q.TopK,
		FirmID:        run.FirmID,
		Jurisdictions: jurisdictions,
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.registry.Invoke(ctx, tools.SimilaritySearchName, args)
	if err != nil {
		return nil, err
	}

	var result tools.SimilaritySearchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode search result: %w", err)
	}

	results := make([]domain.SearchResult, 0, len(result.Results))
	for _, h := range result.Results {
		results = append(results, search.ToResult(h, q.Layer))
	}
	return results, nil
}

// SynthesizeBriefing combines facts, issues, and query results into the final
// research briefing.
func (s *Steps) SynthesizeBriefing() Step {
	return Step{
		Name: "synthesize_briefing",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			var b domain.Briefing
			err := s.structured(ctx, run, "synthesize_briefing", llm.StructuredRequest{
				System:   "You write a legal research briefing from collected research results.",
				Prompt:   s.briefingPrompt(run),
				Out:      &b,
				Fallback: fallbackBriefing(run),
			})
			if err != nil {
				return Fail(err)
			}
			if len(b.IssueAnswers) == 0 {
				b.IssueAnswers = fallbackBriefing(run).IssueAnswers
			}
			run.Output = &domain.Output{Briefing: &b}
			return Continue()
		},
	}
}

func (s *Steps) briefingPrompt(run *domain.Run) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a briefing (overview, legal_characterization, recommended_strategy, issue_answers, open_questions) for:\nObjective: %s\n", run.Intake.Objective)
	for _, issue := range run.Issues {
		fmt.Fprintf(&sb, "Issue %s: %s\n", issue.ID, issue.Question)
	}
	for _, q := range run.Queries {
		for i, r := range q.Results {
			if i >= 3 {
				break
			}
			fmt.Fprintf(&sb, "[%s/%s] %s: %s\n", q.IssueID, q.Layer, r.Citation, r.Snippet)
		}
	}
	if run.SearchTruncated {
		sb.WriteString("Note: the research search was truncated before all planned steps executed.\n")
	}
	return sb.String()
}

// fallbackBriefing builds a deterministic briefing from whatever the search
// loop collected.
func fallbackBriefing(run *domain.Run) domain.Briefing {
	b := domain.Briefing{
		Overview:              fmt.Sprintf("Research briefing for: %s", run.Intake.Objective),
		LegalCharacterization: "general",
		RecommendedStrategy:   "Review the collected sources with counsel before advising.",
	}
	if run.Classification != nil && run.Classification.AreaOfLaw != nil {
		b.LegalCharacterization = run.Classification.AreaOfLaw.Primary
	}

	resultsByIssue := make(map[string][]domain.SearchResult)
	for _, q := range run.Queries {
		resultsByIssue[q.IssueID] = append(resultsByIssue[q.IssueID], q.Results...)
	}
	for _, issue := range run.Issues {
		answer := domain.IssueAnswer{
			IssueID:   issue.ID,
			Answer:    fmt.Sprintf("Sources collected for: %s", issue.Question),
			Citations: resultsByIssue[issue.ID],
		}
		if len(answer.Citations) == 0 {
			answer.Answer = fmt.Sprintf("No sources retrieved for: %s", issue.Question)
		}
		b.IssueAnswers = append(b.IssueAnswers, answer)
	}
	if run.SearchTruncated {
		b.OpenQuestions = append(b.OpenQuestions, "Search budget was exhausted before all planned research steps executed.")
	}
	return b
}
