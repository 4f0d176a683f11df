package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SandboxGateway is an in-process gateway for development and tests.
// Failures can be injected per operation.
type SandboxGateway struct {
	mu           sync.Mutex
	intents      map[string]*Intent
	reasons      map[string]string
	idempotent   map[string]string
	authorizeErr error
	captureFails int
	cancelErr    error
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		intents:    make(map[string]*Intent),
		reasons:    make(map[string]string),
		idempotent: make(map[string]string),
	}
}

// FailAuthorize makes every Authorize return err until reset with nil.
func (g *SandboxGateway) FailAuthorize(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authorizeErr = err
}

// FailCaptures makes the next n Capture calls fail.
func (g *SandboxGateway) FailCaptures(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureFails = n
}

func (g *SandboxGateway) FailCancel(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelErr = err
}

// Intent returns a copy of the intent and the cancellation reason it received.
func (g *SandboxGateway) Intent(id string) (Intent, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[id]
	if !ok {
		return Intent{}, "", false
	}
	return *in, g.reasons[id], true
}

func (g *SandboxGateway) Authorize(_ context.Context, p AuthorizeParams) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.authorizeErr != nil {
		return nil, g.authorizeErr
	}
	if p.Amount <= 0 {
		return nil, ErrPaymentDeclined
	}
	if id, ok := g.idempotent[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		cp := *g.intents[id]
		return &cp, nil
	}

	in := &Intent{
		ID:       "pi_sandbox_" + uuid.NewString(),
		Status:   StatusAuthorized,
		Amount:   p.Amount,
		Currency: p.Currency,
	}
	g.intents[in.ID] = in
	if p.IdempotencyKey != "" {
		g.idempotent[p.IdempotencyKey] = in.ID
	}
	cp := *in
	return &cp, nil
}

func (g *SandboxGateway) Capture(_ context.Context, intentID string) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	in, ok := g.intents[intentID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	if g.captureFails > 0 {
		g.captureFails--
		return nil, ErrGatewayUnavailable
	}
	switch in.Status {
	case StatusCancelled:
		return nil, ErrIntentAlreadyCancelled
	case StatusCaptured:
		return nil, ErrIntentAlreadyCaptured
	}
	in.Status = StatusCaptured
	cp := *in
	return &cp, nil
}

func (g *SandboxGateway) Cancel(_ context.Context, intentID, reason string) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	in, ok := g.intents[intentID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	switch in.Status {
	case StatusCancelled:
		return nil, ErrIntentAlreadyCancelled
	case StatusCaptured:
		return nil, ErrIntentAlreadyCaptured
	}
	in.Status = StatusCancelled
	g.reasons[intentID] = reason
	cp := *in
	return &cp, nil
}
