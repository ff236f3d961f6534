package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/lexflow/orchestrator/internal/domain"
	"github.com/lexflow/orchestrator/internal/llm"
)

// docTemplates maps a document type to its default section structure.
var docTemplates = map[string][]string{
	"contract":  {"Parties", "Recitals", "Definitions", "Terms", "Confidentiality", "Term and Termination", "Governing Law", "Signatures"},
	"nda":       {"Parties", "Definitions", "Confidential Information", "Obligations", "Term", "Governing Law", "Signatures"},
	"letter":    {"Addressee", "Subject", "Body", "Closing"},
	"memo":      {"Question Presented", "Short Answer", "Facts", "Analysis", "Conclusion"},
	"complaint": {"Parties", "Jurisdiction and Venue", "Factual Allegations", "Claims", "Relief Sought"},
}

var genericTemplate = []string{"Introduction", "Background", "Analysis", "Conclusion"}

// TemplateSelector picks the section structure for the document being
// drafted, deterministically by document type.
func (s *Steps) TemplateSelector() Step {
	return Step{
		Name: "template_selector",
		Apply: func(_ context.Context, run *domain.Run) Outcome {
			template, ok := docTemplates[strings.ToLower(run.Intake.DocType)]
			if !ok {
				template = genericTemplate
			}
			run.Template = template
			return Continue()
		},
	}
}

// draftResult is the model's answer shape for the draft builder.
type draftResult struct {
	Sections []domain.DraftSection `json:"sections"`
}

// DraftBuilder generates the document section by section against the chosen
// template, then assembles the full text.
func (s *Steps) DraftBuilder() Step {
	return Step{
		Name: "draft_builder",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			fallback := draftResult{}
			for _, title := range run.Template {
				fallback.Sections = append(fallback.Sections, domain.DraftSection{
					Title:   title,
					Content: fmt.Sprintf("[%s section for: %s]", title, run.Intake.Objective),
				})
			}

			var res draftResult
			err := s.structured(ctx, run, "draft_builder", llm.StructuredRequest{
				System:   "You draft legal documents section by section.",
				Prompt:   s.draftPrompt(run),
				Out:      &res,
				Fallback: fallback,
			})
			if err != nil {
				return Fail(err)
			}
			if len(res.Sections) == 0 {
				res.Sections = fallback.Sections
			}

			var sb strings.Builder
			for _, sec := range res.Sections {
				fmt.Fprintf(&sb, "# %s\n\n%s\n\n", sec.Title, sec.Content)
			}
			run.Output = &domain.Output{Draft: &domain.Draft{
				Sections: res.Sections,
				Text:     strings.TrimSpace(sb.String()),
			}}
			return Continue()
		},
	}
}

func (s *Steps) draftPrompt(run *domain.Run) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Draft a %s.\nObjective: %s\nAudience: %s\nTone: %s\nLanguage: %s\nSections: %s\n",
		run.Intake.DocType, run.Intake.Objective, run.Intake.Audience,
		run.Intake.Tone, run.Intake.Language, strings.Join(run.Template, ", "))
	if run.Facts != nil {
		for _, f := range run.Facts.RelevantFacts {
			fmt.Fprintf(&sb, "Fact: %s\n", f.Text)
		}
	}
	for _, req := range run.Intake.Requirements {
		fmt.Fprintf(&sb, "Requirement: %s\n", req)
	}
	for _, c := range run.Intake.Constraints {
		fmt.Fprintf(&sb, "Constraint: %s\n", c)
	}
	if run.Intake.ResearchSummary != "" {
		fmt.Fprintf(&sb, "Grounding research summary: %s\n", run.Intake.ResearchSummary)
	}
	return sb.String()
}

// DraftReviewer annotates the generated draft with assumptions, risks, and
// open questions for the drafting attorney.
func (s *Steps) DraftReviewer() Step {
	return Step{
		Name: "draft_reviewer",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			if run.Output == nil || run.Output.Draft == nil {
				return Fail(fmt.Errorf("draft_reviewer: no draft to review"))
			}

			var review domain.DraftReview
			err := s.structured(ctx, run, "draft_reviewer", llm.StructuredRequest{
				System: "You review a generated legal draft for assumptions, risks, and open questions.",
				Prompt: fmt.Sprintf("Review this draft and list assumptions, risks, and open_questions.\n\n%s", run.Output.Draft.Text),
				Out:    &review,
				Fallback: domain.DraftReview{
					Assumptions:   []string{"Draft produced from template defaults without live model review."},
					OpenQuestions: []string{"Confirm party details and governing law with the client."},
				},
			})
			if err != nil {
				return Fail(err)
			}
			run.Output.Draft.Review = &review
			return Continue()
		},
	}
}
