package graph

import "github.com/lexflow/orchestrator/internal/domain"

// Topology returns the ordered step list for a workflow kind. The lists are
// the closed dispatch surface; there is no dynamic step lookup.
func (s *Steps) Topology(kind domain.WorkflowKind) []Step {
	switch kind {
	case domain.WorkflowResearch:
		return []Step{
			s.NormalizeIntake(),
			s.ClassifyMatter(),
			s.JurisdictionAndAreaClassifier(),
			s.FactExtractor(),
			s.ConflictCheck(),
			s.IssueGenerator(),
			s.ResearchPlanBuilder(),
			s.RunNextSearchStep(),
			s.SynthesizeBriefing(),
		}
	case domain.WorkflowDrafting:
		return []Step{
			s.NormalizeIntake(),
			s.ClassifyMatter(),
			s.FactExtractor(),
			s.ConflictCheck(),
			s.TemplateSelector(),
			s.DraftBuilder(),
			s.DraftReviewer(),
		}
	case domain.WorkflowReview:
		return []Step{
			s.NormalizeIntake(),
			s.ClassifyMatter(),
			s.FactExtractor(),
			s.ConflictCheck(),
			s.StructuralReview(),
			s.DetailedReview(),
			s.PrioritizeIssues(),
			s.RevisionSuggestions(),
			s.QAPass(),
			s.SummarizeReview(),
		}
	}
	return nil
}
