// Package mock provides an in-memory billing.Service for tests and for
// development without Stripe credentials.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/DukeRupert/lingocoach/internal/billing"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
)

// Service records checkout sessions instead of calling Stripe.
type Service struct {
	BaseURL string

	mu       sync.Mutex
	err      error
	Sessions []billing.CheckoutParams
	Expired  []string
}

// New creates a mock billing service whose checkout URLs start with baseURL.
func New(baseURL string) *Service {
	return &Service{BaseURL: baseURL}
}

var _ billing.Service = (*Service)(nil)

func (s *Service) CreateCheckoutSession(ctx context.Context, p billing.CheckoutParams) (*billing.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	s.Sessions = append(s.Sessions, p)

	ref := "cs_mock_" + uuid.NewString()
	return &billing.CheckoutSession{
		URL:       fmt.Sprintf("%s/checkout/%s", s.BaseURL, ref),
		Reference: ref,
	}, nil
}

func (s *Service) ExpireCheckoutSession(ctx context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Expired = append(s.Expired, reference)
	return nil
}

// VerifyWebhookSignature accepts any payload. Only for development.
func (s *Service) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("parse webhook payload: %w", err)
	}
	return event, nil
}

// SetError makes subsequent CreateCheckoutSession calls fail with err.
func (s *Service) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// LastSession returns the most recent checkout request.
func (s *Service) LastSession() (billing.CheckoutParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.Sessions) == 0 {
		return billing.CheckoutParams{}, false
	}
	return s.Sessions[len(s.Sessions)-1], true
}

// SessionCount returns how many checkout sessions were created.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sessions)
}

// ExpiredReferences returns the checkout sessions closed so far.
func (s *Service) ExpiredReferences() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Expired...)
}
