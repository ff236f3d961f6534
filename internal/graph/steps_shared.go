package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/internal/domain"
	"github.com/lexflow/orchestrator/internal/llm"
	"github.com/lexflow/orchestrator/internal/tools"
)

// conflictDistanceThreshold is the similarity distance at or below which a
// hit counts as a potential conflict of interest.
const conflictDistanceThreshold = 0.3

// conflictTopHits caps how many conflict hits are kept per opposing party.
const conflictTopHits = 3

// NormalizeIntake validates required intake fields. It is the only step
// allowed to fail a run on first entry without partial state.
func (s *Steps) NormalizeIntake() Step {
	return Step{
		Name: "normalize_intake",
		Apply: func(_ context.Context, run *domain.Run) Outcome {
			if !run.Kind.Valid() {
				return Fail(fmt.Errorf("%w: unknown workflow kind %q", ErrValidation, run.Kind))
			}
			run.Intake.Objective = strings.TrimSpace(run.Intake.Objective)
			if run.Intake.Objective == "" && strings.TrimSpace(run.Intake.RawText) == "" {
				return Fail(fmt.Errorf("%w: intake requires an objective or raw text", ErrValidation))
			}
			if run.Kind == domain.WorkflowReview &&
				strings.TrimSpace(run.Intake.Text) == "" && len(run.Intake.Sections) == 0 {
				return Fail(fmt.Errorf("%w: review intake requires document text or sections", ErrValidation))
			}
			if run.Intake.DocType == "" {
				run.Intake.DocType = "general"
			}
			if run.Intake.Language == "" {
				run.Intake.Language = "en"
			}
			run.Intake.Jurisdiction = strings.ToLower(strings.TrimSpace(run.Intake.Jurisdiction))
			return Continue()
		},
	}
}

// ClassifyMatter qualifies the intake as a legal matter and recommends a
// handling path.
func (s *Steps) ClassifyMatter() Step {
	return Step{
		Name: "classify_matter",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			var q domain.Qualification
			err := s.structured(ctx, run, "classify_matter", llm.StructuredRequest{
				System: "You qualify incoming legal matters for a law firm.",
				Prompt: fmt.Sprintf(
					"Assess whether this intake describes a legal matter and recommend a handling path (research, drafting, or review).\nObjective: %s\nDocument type: %s\nFacts: %s",
					run.Intake.Objective, run.Intake.DocType, strings.Join(run.Intake.Facts, "; ")),
				Out: &q,
				Fallback: domain.Qualification{
					IsLegalMatter:   true,
					Confidence:      0.5,
					RecommendedPath: string(run.Kind),
					Rationale:       "deterministic fallback qualification",
				},
			})
			if err != nil {
				return Fail(err)
			}
			if run.Classification == nil {
				run.Classification = &domain.Classification{}
			}
			run.Classification.Qualification = &q
			return Continue()
		},
	}
}

// jurisdictionAreaResult is the model's answer shape for the jurisdiction and
// area classifier.
type jurisdictionAreaResult struct {
	JurisdictionHypotheses []domain.JurisdictionHypothesis `json:"jurisdiction_hypotheses"`
	AreaOfLaw              domain.AreaOfLaw                `json:"area_of_law"`
}

// JurisdictionAndAreaClassifier infers forum candidates and the practice
// area, then resolves chosen jurisdictions with explicit user input winning
// over inferred hypotheses.
func (s *Steps) JurisdictionAndAreaClassifier() Step {
	return Step{
		Name: "jurisdiction_and_area_classifier",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			fallback := jurisdictionAreaResult{
				AreaOfLaw: domain.AreaOfLaw{Primary: "general", Confidence: 0.3},
			}
			if run.Intake.Jurisdiction != "" {
				fallback.JurisdictionHypotheses = []domain.JurisdictionHypothesis{
					{Level: "national", Label: run.Intake.Jurisdiction, Confidence: 1.0, Basis: "explicit intake"},
				}
			}

			var res jurisdictionAreaResult
			err := s.structured(ctx, run, "jurisdiction_and_area_classifier", llm.StructuredRequest{
				System: "You identify the governing jurisdiction and area of law for a legal matter.",
				Prompt: fmt.Sprintf(
					"Identify jurisdiction hypotheses (level, label, confidence, basis) and the area of law.\nObjective: %s\nStated jurisdiction: %s\nFacts: %s",
					run.Intake.Objective, run.Intake.Jurisdiction, strings.Join(run.Intake.Facts, "; ")),
				Out:      &res,
				Fallback: fallback,
			})
			if err != nil {
				return Fail(err)
			}

			if run.Classification == nil {
				run.Classification = &domain.Classification{}
			}
			run.Classification.JurisdictionHypotheses = res.JurisdictionHypotheses
			run.Classification.AreaOfLaw = &res.AreaOfLaw
			run.Classification.ChosenJurisdictions = chooseJurisdictions(run.Intake.Jurisdiction, res.JurisdictionHypotheses)
			return Continue()
		},
	}
}

// chooseJurisdictions resolves the jurisdiction filter set. An explicit
// intake jurisdiction always comes first; confident hypotheses follow,
// deduplicated, capped at three.
func chooseJurisdictions(explicit string, hypotheses []domain.JurisdictionHypothesis) []string {
	seen := make(map[string]bool)
	var chosen []string
	add := func(label string) {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" || seen[label] || len(chosen) >= 3 {
			return
		}
		seen[label] = true
		chosen = append(chosen, label)
	}

	add(explicit)

	ranked := make([]domain.JurisdictionHypothesis, len(hypotheses))
	copy(ranked, hypotheses)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	for _, h := range ranked {
		if h.Confidence >= 0.5 {
			add(h.Label)
		}
	}
	return chosen
}

// factExtractionResult is the model's answer shape for fact extraction.
type factExtractionResult struct {
	RelevantFacts   []domain.Fact  `json:"relevant_facts"`
	IrrelevantFacts []domain.Fact  `json:"irrelevant_facts"`
	Parties         []domain.Party `json:"parties"`
}

// FactExtractor normalizes the raw intake facts and identifies the parties to
// the matter.
func (s *Steps) FactExtractor() Step {
	return Step{
		Name: "fact_extractor",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			var res factExtractionResult
			err := s.structured(ctx, run, "fact_extractor", llm.StructuredRequest{
				System: "You extract normalized facts and parties from legal intake text.",
				Prompt: fmt.Sprintf(
					"Extract relevant facts, irrelevant facts, and parties (id, role, name; roles: client, opposing, counterparty, defendant, other) from this intake.\nObjective: %s\nFacts: %s\nRaw text: %s",
					run.Intake.Objective, strings.Join(run.Intake.Facts, "; "), run.Intake.RawText),
				Out:      &res,
				Fallback: fallbackFacts(run),
			})
			if err != nil {
				return Fail(err)
			}

			for i := range res.RelevantFacts {
				if res.RelevantFacts[i].ID == "" {
					res.RelevantFacts[i].ID = fmt.Sprintf("f%d", i+1)
				}
			}
			for i := range res.Parties {
				if res.Parties[i].ID == "" {
					res.Parties[i].ID = fmt.Sprintf("party%d", i+1)
				}
				res.Parties[i].Role = strings.ToLower(res.Parties[i].Role)
			}

			run.Facts = &domain.FactSet{
				RelevantFacts:   res.RelevantFacts,
				IrrelevantFacts: res.IrrelevantFacts,
			}
			run.Parties = res.Parties
			return Continue()
		},
	}
}

// fallbackFacts builds the deterministic fact extraction used offline. Each
// intake fact becomes a relevant fact; lines of the form "<role>: <name>"
// with a recognized party role become parties.
func fallbackFacts(run *domain.Run) factExtractionResult {
	res := factExtractionResult{}
	roleAliases := map[string]string{
		"opposing party": "opposing",
		"opposing":       "opposing",
		"counterparty":   "counterparty",
		"defendant":      "defendant",
		"client":         "client",
	}

	for i, raw := range run.Intake.Facts {
		res.RelevantFacts = append(res.RelevantFacts, domain.Fact{
			ID:        fmt.Sprintf("f%d", i+1),
			Text:      raw,
			Relevance: "relevant",
		})
		if prefix, rest, ok := strings.Cut(raw, ":"); ok {
			if role, known := roleAliases[strings.ToLower(strings.TrimSpace(prefix))]; known {
				name := strings.TrimSpace(rest)
				if name != "" {
					res.Parties = append(res.Parties, domain.Party{
						ID:   fmt.Sprintf("party%d", len(res.Parties)+1),
						Role: role,
						Name: name,
					})
				}
			}
		}
	}
	return res
}

// ConflictCheck searches the firm's corpus for each opposing party name. A
// hit at or below the distance threshold gates the run: the outcome is a
// halt, not a failure.
func (s *Steps) ConflictCheck() Step {
	return Step{
		Name: "conflict_check",
		Apply: func(ctx context.Context, run *domain.Run) Outcome {
			opposing := run.OpposingPartyNames()
			check := &domain.ConflictCheck{OpposingParties: opposing}
			run.ConflictCheck = check

			if len(opposing) == 0 {
				check.Reason = "no opposing parties identified"
				return Continue()
			}

			for _, name := range opposing {
				hits, err := s.conflictSearch(ctx, run, name)
				if err != nil {
					run.AppendError(fmt.Sprintf("conflict_check: search for %q failed: %v", name, err))
					continue
				}
				check.Hits = append(check.Hits, hits...)
			}

			if len(check.Hits) > 0 {
				check.ConflictFound = true
				check.Reason = fmt.Sprintf("existing matter references %s", check.Hits[0].Name)
				return Halt("conflict")
			}
			check.Reason = "no matches within distance threshold"
			return Continue()
		},
	}
}

// conflictSearch runs one similarity search for a party name and keeps the
// closest hits within the threshold, each enriched with a lookup link.
func (s *Steps) conflictSearch(ctx context.Context, run *domain.Run, name string) ([]domain.ConflictHit, error) {
	args, err := json.Marshal(tools.SimilaritySearchArgs{
		Query:  name,
		TopK:   conflictTopHits,
		FirmID: run.FirmID,
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

	var hits []domain.ConflictHit
	for _, h := range result.Results {
		if h.Distance > conflictDistanceThreshold {
			continue
		}
		hit := domain.ConflictHit{
			DocID:    h.DocID,
			ChunkID:  h.ChunkID,
			Name:     name,
			Distance: h.Distance,
		}
		hit.LookupURL = s.lookupURL(ctx, name)
		hits = append(hits, hit)
		if len(hits) >= conflictTopHits {
			break
		}
	}
	return hits, nil
}

// lookupURL builds a registry lookup link for a party name against the first
// allow-listed domain and verifies it with a best-effort web_fetch. Fetch
// failures only drop the verification, never the hit.
func (s *Steps) lookupURL(ctx context.Context, name string) string {
	if len(s.cfg.WebFetchAllowedDomains) == 0 {
		return ""
	}
	lookup := fmt.Sprintf("https://%s/search?q=%s",
		s.cfg.WebFetchAllowedDomains[0], url.QueryEscape(name))

	args, err := json.Marshal(tools.WebFetchArgs{URL: lookup})
	if err != nil {
		return lookup
	}
	if _, err := s.registry.Invoke(ctx, tools.WebFetchName, args); err != nil {
		var toolErr *tools.ToolError
		if errors.As(err, &toolErr) {
			s.log.Debug("conflict lookup fetch failed",
				zap.String("name", name), zap.String("kind", string(toolErr.Kind)))
		}
	}
	return lookup
}
