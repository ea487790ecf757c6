package unsubscribe

import (
	"context"
	"fmt"
	"log/slog"

	"dqalarm/internal/domain"
	"dqalarm/internal/recipients"
)

// CatalogSource returns the current monitor catalog.
type CatalogSource interface {
	Catalog() *domain.Catalog
}

// Request is one unsubscribe submission.
type Request struct {
	TriggerID string `json:"trigger_id"`
	Token     string `json:"token"`
	Email     string `json:"email"`
	All       bool   `json:"unsubscribe_all"`
}

// Result lists the triggers the email was removed from.
type Result struct {
	Email    string   `json:"email"`
	Triggers []string `json:"triggers"`
}

// Service applies single and unsubscribe-all requests.
type Service struct {
	tokens    *TokenService
	catalog   CatalogSource
	directory *recipients.Directory
	logger    *slog.Logger
}

// NewService wires the token service, catalog, and recipient directory.
func NewService(tokens *TokenService, catalog CatalogSource, directory *recipients.Directory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tokens: tokens, catalog: catalog, directory: directory, logger: logger}
}

// Tokens exposes the token service for link rendering.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// Unsubscribe verifies the token, then removes the email from the target trigger
// or, with All, from every trigger of the same monitor that lists it.
// Returns: *domain.TokenError without any mutation when verification fails.
func (s *Service) Unsubscribe(ctx context.Context, req Request) (Result, error) {
	if err := s.tokens.Verify(req.TriggerID, req.Email, req.Token); err != nil {
		return Result{}, err
	}
	email := domain.NormalizeEmail(req.Email)

	catalog := s.catalog.Catalog()
	target, ok := catalog.Trigger(req.TriggerID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", recipients.ErrUnknownTrigger, req.TriggerID)
	}

	scope := []*domain.Trigger{target}
	if req.All {
		scope = catalog.Siblings(req.TriggerID)
	}
	affected := make([]string, 0, len(scope))
	for _, trigger := range scope {
		if trigger.ID == target.ID || listsEmail(trigger, email) {
			affected = append(affected, trigger.ID)
		}
	}
	if err := s.directory.Remove(ctx, email, affected...); err != nil {
		return Result{}, err
	}
	s.logger.Info("recipient unsubscribed", "trigger", req.TriggerID, "all", req.All, "triggers", len(affected))
	return Result{Email: email, Triggers: affected}, nil
}

func listsEmail(trigger *domain.Trigger, email string) bool {
	for _, candidate := range trigger.Emails {
		if domain.NormalizeEmail(candidate) == email {
			return true
		}
	}
	return false
}
