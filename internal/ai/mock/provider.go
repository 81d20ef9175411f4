package mock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/lingocoach/internal/ai"
)

// Provider is a mock AI provider for testing and development
type Provider struct {
	logger *slog.Logger

	mu sync.Mutex

	// Configurable responses for testing
	Response string
	Error    error

	// Call tracking for testing
	GenerateCalls int
	LastParams    ai.GenerateParams
}

// New creates a new mock AI provider
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger: logger,
	}
}

func (p *Provider) Name() string { return "mock" }

// Generate returns a canned coaching reply
func (p *Provider) Generate(ctx context.Context, params ai.GenerateParams) (*ai.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.GenerateCalls++
	p.LastParams = params

	if p.Error != nil {
		return nil, p.Error
	}

	text := p.Response
	if text == "" {
		text = fmt.Sprintf("Très bien ! You said: %q. Can you say it again using the passé composé?", params.Message)
	}

	return &ai.Reply{
		Text: text,
		Usage: ai.UsageInfo{
			Model:        "mock-coach-v1",
			InputTokens:  len(params.Message) / 4,
			OutputTokens: len(text) / 4,
			Duration:     5 * time.Millisecond,
		},
	}, nil
}

// Calls returns the number of Generate calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.GenerateCalls
}

// SetError makes subsequent calls fail with err.
func (p *Provider) SetError(err error) {
	p.mu.Lock()
	p.Error = err
	p.mu.Unlock()
}

// Reset clears call counters and custom responses for testing
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = 0
	p.LastParams = ai.GenerateParams{}
	p.Response = ""
	p.Error = nil
}
