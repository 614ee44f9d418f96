package models

import "strings"

// Author tags who produced a message.
type Author string

const (
	AuthorSystem    Author = "system"
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
	AuthorExpert    Author = "expert"
)

type Message struct {
	Author Author
	Text   string
}

func SystemMessage(text string) Message    { return Message{Author: AuthorSystem, Text: text} }
func UserMessage(text string) Message      { return Message{Author: AuthorUser, Text: text} }
func AssistantMessage(text string) Message { return Message{Author: AuthorAssistant, Text: text} }
func ExpertMessage(text string) Message    { return Message{Author: AuthorExpert, Text: text} }

// Label is the speaker name used when rendering transcripts.
func (a Author) Label() string {
	switch a {
	case AuthorSystem:
		return "System"
	case AuthorUser:
		return "Human"
	case AuthorExpert:
		return "Expert"
	default:
		return "AI"
	}
}

// Transcript renders messages one per line as "Speaker: text".
func Transcript(messages []Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, m.Author.Label()+": "+m.Text)
	}
	return strings.Join(lines, "\n")
}
