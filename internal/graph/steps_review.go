package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lexflow/orchestrator/internal/domain"
	"github.com/lexflow/orchestrator/internal/llm"
)

// Review issue categories. The first two are treated as critical when
// prioritizing.
const (
	categoryLegalAccuracy   = "legal_accuracy"
	categoryConsistencyRefs = "consistency_refs_defs"
	categoryClarity         = "clarity"
	categoryFormatting      = "formatting"
	categoryCompleteness    = "completeness"
)

// reviewText returns the document under review as a single string.
func reviewText(run *domain.Run) string {
	if run.Intake.Text != "" {
		return run.Intake.Text
	}
	var sb strings.Builder
	for _, sec := range run.Intake.Sections {
		fmt.Fprintf(&sb, "# %s\n\n%s\n\n", sec.Title, sec.Content)
	}
	return sb.String()
}

// structuralResult is the model's answer shape for structural review.
type structuralResult struct {
	Findings []domain.ReviewFinding `json:"findings"`
}

// StructuralReview inspects the document's skeleton: missing sections,
// ordering, and completeness of the structure.
func (s *Steps) StructuralReview() Step {
	return Step{
		Name: "structural_review",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			fallback := structuralResult{}
			if len(run.Intake.Sections) == 0 {
				fallback.Findings = append(fallback.Findings, domain.ReviewFinding{
					Issue:    "document has no explicit section structure",
					Severity: "medium",
				})
			}

			var res structuralResult
			err := s.structured(ctx, run, "structural_review", llm.StructuredRequest{
				System: "You review the structure of a legal document.",
				Prompt: fmt.Sprintf(
					"List structural findings (section, location, issue, severity high|medium|low) for this %s.\n\n%s",
					run.Intake.DocType, reviewText(run)),
				Out:      &res,
				Fallback: fallback,
			})
			if err != nil {
				return Fail(err)
			}

			run.ReviewWork = &domain.ReviewSummary{StructuralFindings: res.Findings}
			return Continue()
		},
	}
}

// detailedResult is the model's answer shape for the detailed review.
type detailedResult struct {
	Issues []domain.ReviewIssue `json:"issues"`
}

// DetailedReview examines the document clause by clause for substantive
// defects, categorized for later prioritization.
func (s *Steps) DetailedReview() Step {
	return Step{
		Name: "detailed_review",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			if run.ReviewWork == nil {
				run.ReviewWork = &domain.ReviewSummary{}
			}

			fallback := detailedResult{}
			for _, f := range run.ReviewWork.StructuralFindings {
				fallback.Issues = append(fallback.Issues, domain.ReviewIssue{
					Category:    categoryCompleteness,
					Description: f.Issue,
					Severity:    f.Severity,
					Section:     f.Section,
					Location:    f.Location,
				})
			}

			var res detailedResult
			err := s.structured(ctx, run, "detailed_review", llm.StructuredRequest{
				System: "You review a legal document in detail.",
				Prompt: fmt.Sprintf(
					"List defects (category legal_accuracy|consistency_refs_defs|clarity|formatting|completeness, description, severity high|medium|low, section, location) in this %s.\nObjective: %s\n\n%s",
					run.Intake.DocType, run.Intake.Objective, reviewText(run)),
				Out:      &res,
				Fallback: fallback,
			})
			if err != nil {
				return Fail(err)
			}

			run.ReviewWork.Issues = res.Issues
			return Continue()
		},
	}
}

// PrioritizeIssues assigns p0..p3 priorities deterministically. Issues are
// scored by severity and category, stable-sorted, then bucketed: the top 20%
// become p0, up to 60% become p1 (high severity) or p2, and the remainder
// become p3 (low severity) or p2.
func (s *Steps) PrioritizeIssues() Step {
	return Step{
		Name: "prioritize_issues",
		Apply: func(_ context.Context, run *domain.Run) Outcome {
			if run.ReviewWork == nil || len(run.ReviewWork.Issues) == 0 {
				return Continue()
			}

			issues := run.ReviewWork.Issues
			type scored struct {
				index int
				score int
			}
			order := make([]scored, len(issues))
			for i, issue := range issues {
				order[i] = scored{index: i, score: issueScore(issue)}
			}
			sort.SliceStable(order, func(a, b int) bool {
				if order[a].score != order[b].score {
					return order[a].score < order[b].score
				}
				return order[a].index < order[b].index
			})

			n := len(order)
			for rank, entry := range order {
				issue := &issues[entry.index]
				switch {
				case rank < (n+4)/5: // top 20%, rounded up
					issue.Priority = "p0"
				case rank < (n*3+4)/5: // up to 60%
					if severityWeight(issue.Severity) == 0 {
						issue.Priority = "p1"
					} else {
						issue.Priority = "p2"
					}
				default:
					if severityWeight(issue.Severity) == 2 {
						issue.Priority = "p3"
					} else {
						issue.Priority = "p2"
					}
				}
			}
			return Continue()
		},
	}
}

// severityWeight maps a severity label to its weight, case-insensitively.
// Unrecognized labels count as medium.
func severityWeight(severity string) int {
	switch strings.ToLower(severity) {
	case "high":
		return 0
	case "low":
		return 2
	}
	return 1
}

// issueScore ranks an issue for prioritization; lower scores are more
// urgent. Severity dominates, category breaks ties.
func issueScore(issue domain.ReviewIssue) int {
	bonus := 3
	if issue.Category == categoryLegalAccuracy || issue.Category == categoryConsistencyRefs {
		bonus = 0
	}
	return severityWeight(issue.Severity)*10 + bonus
}

// suggestionsResult is the model's answer shape for revision suggestions.
type suggestionsResult struct {
	Suggestions []domain.ReviewSuggestion `json:"suggestions"`
}

// RevisionSuggestions proposes redline-style edits for the prioritized
// issues.
func (s *Steps) RevisionSuggestions() Step {
	return Step{
		Name: "revision_suggestions",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			if run.ReviewWork == nil {
				run.ReviewWork = &domain.ReviewSummary{}
			}

			fallback := suggestionsResult{}
			for _, issue := range run.ReviewWork.Issues {
				if issue.Priority == "p0" || issue.Priority == "p1" {
					fallback.Suggestions = append(fallback.Suggestions, domain.ReviewSuggestion{
						Section:    issue.Section,
						Location:   issue.Location,
						Suggestion: fmt.Sprintf("Address: %s", issue.Description),
					})
				}
			}

			var res suggestionsResult
			err := s.structured(ctx, run, "revision_suggestions", llm.StructuredRequest{
				System:   "You propose concrete revisions for issues found in a legal document.",
				Prompt:   s.suggestionsPrompt(run),
				Out:      &res,
				Fallback: fallback,
			})
			if err != nil {
				return Fail(err)
			}

			run.ReviewWork.Suggestions = res.Suggestions
			return Continue()
		},
	}
}

func (s *Steps) suggestionsPrompt(run *domain.Run) string {
	var sb strings.Builder
	sb.WriteString("Propose revisions (section, location, suggestion, rationale) for these issues, most urgent first:\n")
	for _, issue := range run.ReviewWork.Issues {
		fmt.Fprintf(&sb, "[%s/%s/%s] %s\n", issue.Priority, issue.Severity, issue.Category, issue.Description)
	}
	return sb.String()
}

// QAPass runs deterministic consistency checks over the accumulated review
// artifacts.
func (s *Steps) QAPass() Step {
	return Step{
		Name: "qa_pass",
		Apply: func(_ context.Context, run *domain.Run) Outcome {
			if run.ReviewWork == nil {
				run.ReviewWork = &domain.ReviewSummary{}
			}
			work := run.ReviewWork

			var notes []string
			unaddressed := 0
			for _, issue := range work.Issues {
				if issue.Priority != "p0" {
					continue
				}
				covered := false
				for _, sug := range work.Suggestions {
					if strings.Contains(sug.Suggestion, issue.Description) ||
						(issue.Section != "" && sug.Section == issue.Section) {
						covered = true
						break
					}
				}
				if !covered {
					unaddressed++
				}
			}
			if unaddressed > 0 {
				notes = append(notes, fmt.Sprintf("%d p0 issue(s) have no matching revision suggestion", unaddressed))
				work.ResidualRisks = append(work.ResidualRisks, "Highest-priority issues lack concrete revisions.")
			}
			if len(work.Issues) == 0 && len(work.StructuralFindings) == 0 {
				notes = append(notes, "no issues recorded; verify the document was reviewed in full")
			}

			work.QANotes = notes
			return Continue()
		},
	}
}

// SummarizeReview assembles the terminal review summary from the accumulated
// artifacts.
func (s *Steps) SummarizeReview() Step {
	return Step{
		Name: "summarize_review",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			if run.ReviewWork == nil {
				run.ReviewWork = &domain.ReviewSummary{}
			}
			summary := *run.ReviewWork

			fallbackText := fmt.Sprintf(
				"Review of %s complete: %d structural finding(s), %d issue(s), %d suggestion(s).",
				run.Intake.DocType, len(summary.StructuralFindings), len(summary.Issues), len(summary.Suggestions))

			text, err := s.gateway.Text(ctx,
				"You summarize a completed legal document review in two or three sentences.",
				s.reviewSummaryPrompt(&summary), llm.Options{})
			if err != nil {
				var llmErr *llm.Error
				if !asNonFatal(err, &llmErr) {
					return Fail(err)
				}
				run.AppendError(fmt.Sprintf("summarize_review: %s", llmErr.Error()))
				text = fallbackText
			}
			summary.Summary = text

			for _, issue := range summary.Issues {
				if issue.Priority == "p0" {
					summary.KeyImprovements = append(summary.KeyImprovements,
						fmt.Sprintf("Resolve %s issue: %s", issue.Category, issue.Description))
				}
			}

			run.Output = &domain.Output{Review: &summary}
			return Continue()
		},
	}
}

func (s *Steps) reviewSummaryPrompt(summary *domain.ReviewSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Findings: %d, issues: %d, suggestions: %d.\n",
		len(summary.StructuralFindings), len(summary.Issues), len(summary.Suggestions))
	for _, issue := range summary.Issues {
		fmt.Fprintf(&sb, "[%s] %s\n", issue.Priority, issue.Description)
	}
	return sb.String()
}
