// Package testutil provides in-memory fakes of the remote services.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/mpataki/crew/internal/llm"
	"github.com/mpataki/crew/internal/models"
)

// ErrNoReply is returned when a scripted Reasoner runs out of replies.
var ErrNoReply = errors.New("testutil: no scripted reply")

// Reasoner replays scripted responses in call order. When Handler is set it
// is used instead, which suits concurrent callers whose order is not fixed.
type Reasoner struct {
	Handler func(req llm.Request) (*llm.Response, error)

	mu       sync.Mutex
	replies  []*llm.Response
	requests []llm.Request
}

// NewReasoner scripts plain text replies.
func NewReasoner(replies ...string) *Reasoner {
	r := &Reasoner{}
	for _, text := range replies {
		r.Push(&llm.Response{Content: text, StopReason: "end_turn", Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}})
	}
	return r
}

// Push appends scripted responses.
func (r *Reasoner) Push(resp ...*llm.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, resp...)
}

func (r *Reasoner) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.requests = append(r.requests, req)
	if r.Handler != nil {
		r.mu.Unlock()
		return r.Handler(req)
	}
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return nil, ErrNoReply
	}
	resp := r.replies[0]
	r.replies = r.replies[1:]
	return resp, nil
}

// Requests returns a copy of every request received so far.
func (r *Reasoner) Requests() []llm.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]llm.Request(nil), r.requests...)
}

// Text is a Handler reply helper.
func Text(s string) (*llm.Response, error) {
	return &llm.Response{Content: s, StopReason: "end_turn"}, nil
}

// Searcher returns fixed documents and records queries.
type Searcher struct {
	Docs []models.Document
	Err  error

	mu      sync.Mutex
	queries []string
}

func (s *Searcher) Search(_ context.Context, query string, limit int) ([]models.Document, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	docs := s.Docs
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *Searcher) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}
