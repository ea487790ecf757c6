package unsubscribe

import (
	"errors"
	"net/url"
	"strings"

	"dqalarm/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

type claims struct {
	TriggerID string `json:"tid"`
	Email     string `json:"email"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies unsubscribe tokens.
// Tokens carry no expiry, so the same (trigger, email) pair always yields the same token.
type TokenService struct {
	secret  []byte
	baseURL string
}

// NewTokenService builds the service.
// Params: HMAC secret and public base URL of the unsubscribe route.
// Returns: service or error when the secret is empty.
func NewTokenService(secret, baseURL string) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("unsubscribe secret is required")
	}
	return &TokenService{secret: []byte(secret), baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Issue signs a token bound to the exact (trigger, email) pair.
func (s *TokenService) Issue(triggerID, email string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TriggerID: triggerID,
		Email:     domain.NormalizeEmail(email),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Parse verifies the signature and returns the bound pair.
// Returns: *domain.TokenError on a malformed, tampered, or foreign token.
func (s *TokenService) Parse(token string) (triggerID, email string, err error) {
	parsed := &claims{}
	_, err = jwt.ParseWithClaims(token, parsed, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", &domain.TokenError{Reason: "invalid token"}
	}
	if parsed.TriggerID == "" || parsed.Email == "" {
		return "", "", &domain.TokenError{Reason: "token is missing trigger or email"}
	}
	return parsed.TriggerID, parsed.Email, nil
}

// Verify succeeds only for the pair the token was minted for.
func (s *TokenService) Verify(triggerID, email, token string) error {
	tokenTrigger, tokenEmail, err := s.Parse(token)
	if err != nil {
		return err
	}
	if tokenTrigger != triggerID || tokenEmail != domain.NormalizeEmail(email) {
		return &domain.TokenError{Reason: "token does not match trigger and email"}
	}
	return nil
}

// Link renders the public unsubscribe URL; it depends only on its arguments and the base URL.
func (s *TokenService) Link(triggerID, token string) string {
	return s.baseURL + "/" + url.PathEscape(triggerID) + "?token=" + url.QueryEscape(token)
}

// IssueLink mints a token and renders its link.
func (s *TokenService) IssueLink(triggerID, email string) (string, error) {
	token, err := s.Issue(triggerID, email)
	if err != nil {
		return "", err
	}
	return s.Link(triggerID, token), nil
}
