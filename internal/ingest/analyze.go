package ingest

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
)

const legitimacyPrompt = `You are an expert in n8n workflows. Analyze the following workflow JSON and determine if it's a legitimate workflow or a test/spam one.
Output only GOOD if it's a legitimate workflow, or BAD if it's a test/spam workflow.

Workflow JSON:
%s

Output (GOOD/BAD):`

var summaryPrompts = [3]string{
	`Summarize what the following n8n workflow is accomplishing:
%s
Summary:`,
	`Summarize all the nodes used in the following n8n workflow and how they are connected:
%s
Summary:`,
	`Based on the following n8n workflow, suggest similar workflows that could be made using this as an example.
Consider different services but similar setups, and ways the workflow could be expanded:
%s
Suggestions:`,
}

// CheckLegitimacy classifies a workflow as real or test/spam. Anything
// other than a GOOD reply counts as BAD.
func CheckLegitimacy(ctx context.Context, r llm.Reasoner, workflowJSON string, maxTokens int64) (models.Verdict, error) {
	req := llm.Prompt("", fmt.Sprintf(legitimacyPrompt, workflowJSON))
	req.MaxTokens = maxTokens
	resp, err := r.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to check legitimacy: %w", err)
	}
	return parseVerdict(resp.Content), nil
}

func parseVerdict(s string) models.Verdict {
	s = strings.ToUpper(strings.Trim(strings.TrimSpace(s), ".!*`\"'"))
	if s == string(models.VerdictGood) {
		return models.VerdictGood
	}
	return models.VerdictBad
}

// Analyze produces the purpose, node and variation summaries of a
// workflow. The three prompts run concurrently.
func Analyze(ctx context.Context, r llm.Reasoner, workflowJSON string, maxTokens int64) ([3]string, error) {
	var out [3]string
	eg, ctx := errgroup.WithContext(ctx)
	for i, prompt := range summaryPrompts {
		eg.Go(func() error {
			req := llm.Prompt("", fmt.Sprintf(prompt, workflowJSON))
			req.MaxTokens = maxTokens
			resp, err := r.Complete(ctx, req)
			if err != nil {
				return err
			}
			out[i] = strings.TrimSpace(resp.Content)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return out, fmt.Errorf("failed to analyze workflow: %w", err)
	}
	return out, nil
}
