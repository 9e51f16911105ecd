// Package middleware provides the HTTP middleware for the rules service:
// bearer API key authentication for the admin API, request logging with
// request IDs, checkout session identification and rate limiting.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

var errInvalidToken = errors.New("invalid token")

// HashAPIKey returns a salted bcrypt hash for an API key.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}

// APIKeyLookup returns the stored hash and name of an active API key.
type APIKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (hash string, name string, err error)
}

// APIKeyValidator validates "keyID.secret" bearer tokens against stored
// bcrypt hashes. The principal is the key name.
type APIKeyValidator struct {
	lookup APIKeyLookup
}

func NewAPIKeyValidator(lookup APIKeyLookup) *APIKeyValidator {
	return &APIKeyValidator{lookup: lookup}
}

func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || rawSecret == "" {
		return "", errors.New("invalid token format")
	}

	keyHash, name, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errInvalidToken
	}
	if strings.TrimSpace(name) == "" {
		name = keyID
	}
	return name, nil
}
