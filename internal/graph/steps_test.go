package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/internal/config"
	"github.com/lexflow/orchestrator/internal/domain"
	"github.com/lexflow/orchestrator/internal/llm"
)

func testSteps() *Steps {
	cfg := &config.Config{MaxSearchSteps: 6, SearchWorkers: 4}
	return NewSteps(newFakeRegistry(), llm.NewOfflineGateway(), cfg, zap.NewNop())
}

func TestChooseJurisdictionsExplicitWins(t *testing.T) {
	chosen := chooseJurisdictions("BE", []domain.JurisdictionHypothesis{
		{Label: "fr", Confidence: 0.9},
		{Label: "be", Confidence: 0.8},
		{Label: "de", Confidence: 0.4},
	})
	// Explicit input first, confident hypotheses after, weak ones dropped.
	assert.Equal(t, []string{"be", "fr"}, chosen)
}

func TestChooseJurisdictionsCapsAtThree(t *testing.T) {
	chosen := chooseJurisdictions("", []domain.JurisdictionHypothesis{
		{Label: "be", Confidence: 0.9},
		{Label: "fr", Confidence: 0.8},
		{Label: "de", Confidence: 0.7},
		{Label: "nl", Confidence: 0.6},
	})
	assert.Len(t, chosen, 3)
}

func TestFallbackFactsParsesParties(t *testing.T) {
	run := &domain.Run{Intake: domain.Intake{Facts: []string{
		"opposing party: Acme Corp",
		"client: Beta BV",
		"the contract was signed in 2021",
		"Counterparty: Gamma GmbH",
	}}}

	res := fallbackFacts(run)
	require.Len(t, res.RelevantFacts, 4)
	require.Len(t, res.Parties, 3)
	assert.Equal(t, "opposing", res.Parties[0].Role)
	assert.Equal(t, "Acme Corp", res.Parties[0].Name)
	assert.Equal(t, "client", res.Parties[1].Role)
	assert.Equal(t, "counterparty", res.Parties[2].Role)

	assert.Equal(t, []string{"Acme Corp", "Gamma GmbH"}, run.OpposingPartyNames())
}

func TestNormalizeIntakeDefaults(t *testing.T) {
	s := testSteps()
	run := &domain.Run{
		Kind:   domain.WorkflowResearch,
		Intake: domain.Intake{Objective: "  check notice periods  ", Jurisdiction: " BE "},
	}

	outcome := s.NormalizeIntake().Apply(context.Background(), run)
	assert.Equal(t, OutcomeContinue, outcome.Kind)
	assert.Equal(t, "check notice periods", run.Intake.Objective)
	assert.Equal(t, "be", run.Intake.Jurisdiction)
	assert.Equal(t, "general", run.Intake.DocType)
	assert.Equal(t, "en", run.Intake.Language)
}

func TestResearchPlanBuilderExpandsLayers(t *testing.T) {
	s := testSteps()
	run := &domain.Run{Issues: []domain.Issue{
		{ID: "i1", Question: "Is the clause enforceable?"},
		{ID: "i2", Question: "Which court has jurisdiction?"},
	}}

	outcome := s.ResearchPlanBuilder().Apply(context.Background(), run)
	assert.Equal(t, OutcomeContinue, outcome.Kind)
	require.Len(t, run.Plan, 6)

	assert.Equal(t, domain.LayerLaw, run.Plan[0].Layer)
	assert.Equal(t, domain.LayerJurisprudence, run.Plan[1].Layer)
	assert.Equal(t, domain.LayerDoctrine, run.Plan[2].Layer)
	for i, p := range run.Plan {
		assert.Equal(t, domain.StepStatusPending, p.Status)
		assert.Empty(t, p.QueryIDs)
		if i < 3 {
			assert.Equal(t, "i1", p.IssueID)
		} else {
			assert.Equal(t, "i2", p.IssueID)
		}
	}
}

func TestPrioritizeIssuesDeterministicBuckets(t *testing.T) {
	s := testSteps()
	run := &domain.Run{
		Kind: domain.WorkflowReview,
		ReviewWork: &domain.ReviewSummary{Issues: []domain.ReviewIssue{
			{Category: categoryFormatting, Description: "inconsistent numbering", Severity: "low"},
			{Category: categoryLegalAccuracy, Description: "wrong limitation period", Severity: "high"},
			{Category: categoryClarity, Description: "ambiguous pronoun", Severity: "medium"},
			{Category: categoryConsistencyRefs, Description: "clause 4 references deleted clause 9", Severity: "high"},
			{Category: categoryCompleteness, Description: "missing signature block", Severity: "medium"},
		}},
	}

	outcome := s.PrioritizeIssues().Apply(context.Background(), run)
	assert.Equal(t, OutcomeContinue, outcome.Kind)

	byDescription := make(map[string]string)
	for _, issue := range run.ReviewWork.Issues {
		byDescription[issue.Description] = issue.Priority
	}

	// score 0 twice (high + critical category), then medium non-critical
	// (13), medium critical-free completeness (13), low formatting (23).
	assert.Equal(t, "p0", byDescription["wrong limitation period"])
	assert.Equal(t, "p1", byDescription["clause 4 references deleted clause 9"])
	assert.Equal(t, "p2", byDescription["ambiguous pronoun"])
	assert.Equal(t, "p2", byDescription["missing signature block"])
	assert.Equal(t, "p3", byDescription["inconsistent numbering"])
}

func TestPrioritizeIssuesStableOrderOnTies(t *testing.T) {
	s := testSteps()
	run := &domain.Run{
		ReviewWork: &domain.ReviewSummary{Issues: []domain.ReviewIssue{
			{Category: categoryLegalAccuracy, Description: "first", Severity: "high"},
			{Category: categoryLegalAccuracy, Description: "second", Severity: "high"},
			{Category: categoryLegalAccuracy, Description: "third", Severity: "high"},
		}},
	}

	require.Equal(t, OutcomeContinue, s.PrioritizeIssues().Apply(context.Background(), run).Kind)

	// Ties keep insertion order: the first issue lands in the top bucket.
	assert.Equal(t, "p0", run.ReviewWork.Issues[0].Priority)
	assert.Equal(t, "p1", run.ReviewWork.Issues[1].Priority)
	assert.Equal(t, "p2", run.ReviewWork.Issues[2].Priority)
}

func TestTemplateSelectorFallsBackToGeneric(t *testing.T) {
	s := testSteps()

	run := &domain.Run{Intake: domain.Intake{DocType: "nda"}}
	require.Equal(t, OutcomeContinue, s.TemplateSelector().Apply(context.Background(), run).Kind)
	assert.Contains(t, run.Template, "Confidential Information")

	run = &domain.Run{Intake: domain.Intake{DocType: "whitepaper"}}
	require.Equal(t, OutcomeContinue, s.TemplateSelector().Apply(context.Background(), run).Kind)
	assert.Equal(t, genericTemplate, run.Template)
}

func TestIssueScore(t *testing.T) {
	assert.Equal(t, 0, issueScore(domain.ReviewIssue{Severity: "high", Category: categoryLegalAccuracy}))
	assert.Equal(t, 3, issueScore(domain.ReviewIssue{Severity: "high", Category: categoryClarity}))
	assert.Equal(t, 10, issueScore(domain.ReviewIssue{Severity: "medium", Category: categoryConsistencyRefs}))
	assert.Equal(t, 23, issueScore(domain.ReviewIssue{Severity: "low", Category: categoryFormatting}))
}

func TestIssueScoreNormalizesSeverity(t *testing.T) {
	// Severity labels are matched case-insensitively.
	assert.Equal(t, 0, issueScore(domain.ReviewIssue{Severity: "High", Category: categoryLegalAccuracy}))
	assert.Equal(t, 0, issueScore(domain.ReviewIssue{Severity: "HIGH", Category: categoryLegalAccuracy}))
	assert.Equal(t, 23, issueScore(domain.ReviewIssue{Severity: "Low", Category: categoryFormatting}))

	// An unrecognized label scores as medium, not low.
	assert.Equal(t, 10, issueScore(domain.ReviewIssue{Severity: "critical", Category: categoryLegalAccuracy}))
	assert.Equal(t, 13, issueScore(domain.ReviewIssue{Severity: "", Category: categoryClarity}))

	assert.Equal(t, 0, severityWeight("High"))
	assert.Equal(t, 2, severityWeight("LOW"))
	assert.Equal(t, 1, severityWeight("blocker"))
}
