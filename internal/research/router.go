// Package research runs the interview-based research assistant: analyst
// personas interview a synthetic expert grounded in web and Wikipedia
// search, and the resulting sections are compiled into a report.
package research

import (
	"errors"
	"strings"

	"github.com/mpataki/crew/internal/models"
)

// State names a node of the interview or research state machine.
type State string

const (
	StateAskQuestion    State = "ask_question"
	StateSearch         State = "search"
	StateAnswerQuestion State = "answer_question"
	StateSaveInterview  State = "save_interview"
	StateWriteSection   State = "write_section"

	StateCreateAnalysts    State = "create_analysts"
	StateHumanFeedback     State = "human_feedback"
	StateConductInterviews State = "conduct_interviews"
	StateWriteReport       State = "write_report"
	StateFinalizeReport    State = "finalize_report"

	StateEnd State = "end"
)

// DefaultMaxTurns is the number of expert answers after which an interview
// ends.
const DefaultMaxTurns = 2

// ClosingPhrase ends an interview when it appears in the analyst's last
// question.
const ClosingPhrase = "Thank you so much for your help"

// ErrMalformedHistory is returned when the history is too short to hold a
// question and its answer.
var ErrMalformedHistory = errors.New("interview history has fewer than two messages")

// RouteMessages decides whether an interview continues after an answer.
// It ends once the expert has answered maxTurns times, or when the message
// before the latest one (the analyst's last question) contains
// ClosingPhrase. The latter is positional: authorship of that message is
// not checked. maxTurns <= 0 means DefaultMaxTurns.
func RouteMessages(messages []models.Message, maxTurns int) (State, error) {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	answers := 0
	for _, m := range messages {
		if m.Author == models.AuthorExpert {
			answers++
		}
	}
	if answers >= maxTurns {
		return StateSaveInterview, nil
	}

	if len(messages) < 2 {
		return "", ErrMalformedHistory
	}
	if strings.Contains(messages[len(messages)-2].Text, ClosingPhrase) {
		return StateSaveInterview, nil
	}
	return StateAskQuestion, nil
}
