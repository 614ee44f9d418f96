package research

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
	"github.com/mpataki/crew/internal/tools"
)

const (
	webResults       = 3
	wikipediaResults = 2
)

var interviewTransitions = transitions{
	StateAskQuestion:    {StateSearch},
	StateSearch:         {StateAnswerQuestion},
	StateAnswerQuestion: {StateAskQuestion, StateSaveInterview},
	StateSaveInterview:  {StateWriteSection},
	StateWriteSection:   {StateEnd},
}

// Interview is the state of one analyst's interview.
type Interview struct {
	Analyst    models.Analyst
	MaxTurns   int
	Messages   []models.Message
	Context    []string // formatted search results, in retrieval order
	Transcript string
	Section    string
}

type interviewRun struct {
	g  *Graph
	iv *Interview
}

// Interview runs the interview sub-graph for one analyst and returns its
// final state. A malformed history aborts the interview.
func (g *Graph) Interview(ctx context.Context, analyst models.Analyst, topic string) (*Interview, error) {
	iv := &Interview{
		Analyst:  analyst,
		MaxTurns: g.cfg.MaxTurns,
		Messages: []models.Message{
			models.UserMessage(fmt.Sprintf("So you said you were writing an article on %s?", topic)),
		},
	}
	r := &interviewRun{g: g, iv: iv}

	steps := map[State]stepFunc{
		StateAskQuestion:    r.askQuestion,
		StateSearch:         r.search,
		StateAnswerQuestion: r.answerQuestion,
		StateSaveInterview:  r.saveInterview,
		StateWriteSection:   r.writeSection,
	}
	if err := runMachine(ctx, StateAskQuestion, interviewTransitions, steps); err != nil {
		return iv, fmt.Errorf("interview with %s: %w", analyst.Name, err)
	}
	return iv, nil
}

func (r *interviewRun) askQuestion(ctx context.Context) (State, error) {
	_, turns := llm.FromHistory(r.iv.Messages, models.AuthorAssistant)
	resp, err := r.g.complete(ctx, fmt.Sprintf(questionInstructions, r.iv.Analyst.Persona()), turns)
	if err != nil {
		return "", err
	}
	r.iv.Messages = append(r.iv.Messages, models.AssistantMessage(resp.Content))
	r.g.emit(StateAskQuestion, r.iv.Analyst.Name, resp)
	return StateSearch, nil
}

// search runs the web and Wikipedia lookups concurrently. Results are
// appended web first so the context order is stable.
func (r *interviewRun) search(ctx context.Context) (State, error) {
	sources := []struct {
		searcher tools.Searcher
		limit    int
	}{
		{r.g.web, webResults},
		{r.g.wiki, wikipediaResults},
	}
	found := make([]string, len(sources))
	usages := make([]llm.Usage, len(sources))
	transcript := models.Transcript(r.iv.Messages)

	eg, ctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		if src.searcher == nil {
			continue
		}
		eg.Go(func() error {
			docs, usage, err := r.g.searchWith(ctx, src.searcher, transcript, src.limit)
			usages[i] = usage
			if err != nil {
				return err
			}
			found[i] = docs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	resp := &llm.Response{}
	for i, f := range found {
		if f != "" {
			r.iv.Context = append(r.iv.Context, f)
		}
		resp.Usage.InputTokens += usages[i].InputTokens
		resp.Usage.OutputTokens += usages[i].OutputTokens
	}
	resp.Content = strings.Join(found, "\n\n")
	r.g.emit(StateSearch, r.iv.Analyst.Name, resp)
	return StateAnswerQuestion, nil
}

func (r *interviewRun) answerQuestion(ctx context.Context) (State, error) {
	system := fmt.Sprintf(answerInstructions, r.iv.Analyst.Persona(), strings.Join(r.iv.Context, "\n\n"))
	_, turns := llm.FromHistory(r.iv.Messages, models.AuthorExpert)
	resp, err := r.g.complete(ctx, system, turns)
	if err != nil {
		return "", err
	}
	r.iv.Messages = append(r.iv.Messages, models.ExpertMessage(resp.Content))
	r.g.emit(StateAnswerQuestion, r.iv.Analyst.Name, resp)

	return RouteMessages(r.iv.Messages, r.iv.MaxTurns)
}

func (r *interviewRun) saveInterview(context.Context) (State, error) {
	r.iv.Transcript = models.Transcript(r.iv.Messages)
	return StateWriteSection, nil
}

func (r *interviewRun) writeSection(ctx context.Context) (State, error) {
	system := fmt.Sprintf(sectionWriterInstructions, r.iv.Analyst.Description)
	user := "Use this source to write your section: " + strings.Join(r.iv.Context, "\n\n")
	resp, err := r.g.complete(ctx, system, []llm.Message{{Role: llm.RoleUser, Content: user}})
	if err != nil {
		return "", err
	}
	r.iv.Section = resp.Content
	r.g.emit(StateWriteSection, r.iv.Analyst.Name, resp)
	return StateEnd, nil
}
