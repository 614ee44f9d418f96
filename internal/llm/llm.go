// Package llm abstracts the remote reasoning service: a request/response call
// taking a prompt, optional tool definitions and an optional output schema.
package llm

import (
	"context"
	"encoding/json"
)

// Reasoner is any remote reasoning service.
type Reasoner interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn. User turns may carry tool results; assistant
// turns may carry tool calls.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

type ToolDefinition struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int64
	Temperature *float64
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Prompt builds a single-turn request.
func Prompt(system, user string) Request {
	return Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: user}},
	}
}

// Temperature returns a pointer for Request.Temperature.
func Temperature(t float64) *float64 {
	return &t
}
