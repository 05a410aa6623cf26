package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/a2a-coord/internal/domain"
	"github.com/xela07ax/a2a-coord/internal/risk"
)

type stubTickets struct {
	ticket      *domain.ApprovalTicket
	decideErr   error
	decideCalls int
}

func (s *stubTickets) GetTicketByID(_ context.Context, _ string) (*domain.ApprovalTicket, error) {
	return s.ticket, nil
}

func (s *stubTickets) FindTickets(_ context.Context, _ domain.ApprovalStatus, _ int) ([]*domain.ApprovalTicket, error) {
	return []*domain.ApprovalTicket{s.ticket}, nil
}

func (s *stubTickets) DecideTicket(_ context.Context, _ string, _ domain.ApprovalStatus, _, _ string, _ bool) (*domain.ApprovalTicket, error) {
	s.decideCalls++
	return s.ticket, s.decideErr
}

type stubGate struct{ err error }

func (g *stubGate) Gate(_ context.Context) error { return g.err }

func TestDecideBlockedByBrokenLedger(t *testing.T) {
	repo := &stubTickets{}
	s := NewApprovalService(repo, &stubGate{err: domain.ErrChainIntegrity}, nil, nil, zap.NewNop())

	err := s.Decide(context.Background(), "t-1", true, "reviewer-1", "")
	assert.ErrorIs(t, err, domain.ErrChainIntegrity)
	// До БД решение не дошло
	assert.Zero(t, repo.decideCalls)
}

func TestDecideSurfacesDoubleDecision(t *testing.T) {
	repo := &stubTickets{decideErr: domain.ErrAlreadyProcessed}
	s := NewApprovalService(repo, &stubGate{}, nil, nil, zap.NewNop())

	err := s.Override(context.Background(), "t-1", false, "admin-1", "emergency stop")
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	assert.Equal(t, 1, repo.decideCalls)
}

func TestTicketsAnnotatedOnRead(t *testing.T) {
	repo := &stubTickets{ticket: &domain.ApprovalTicket{
		ID:      "t-1",
		Payload: `{"amount":5000}`,
		Status:  domain.ApprovalPending,
	}}
	analyzer := risk.NewAnalyzer(map[string]float64{"amount": 1000}, zap.NewNop())
	s := NewApprovalService(repo, &stubGate{}, nil, analyzer, zap.NewNop())

	ticket, err := s.GetTicket(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "amount=5000 exceeds threshold 1000", ticket.RiskNote)

	list, err := s.ListTickets(context.Background(), domain.ApprovalPending)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotEmpty(t, list[0].RiskNote)
}

func TestTicketStateMachine(t *testing.T) {
	ticket := &domain.ApprovalTicket{Status: domain.ApprovalPending}
	require.NoError(t, ticket.CanTransitionTo(domain.ApprovalApproved))
	assert.ErrorIs(t, ticket.CanTransitionTo(domain.ApprovalPending), domain.ErrInvalidTransition)

	ticket.Status = domain.ApprovalApproved
	assert.ErrorIs(t, ticket.CanTransitionTo(domain.ApprovalRejected), domain.ErrAlreadyProcessed)
}
