// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential errors.
var (
	ErrUnauthenticated = errors.New("no merchant credentials available")
	ErrTokenExpired    = errors.New("merchant token expired")
)

// Credentials identify the merchant to the remote backend. Token is opaque
// to Printrelay and is only forwarded.
type Credentials struct {
	MerchantID string
	Token      string
}

// CredentialSource yields the current credentials. Implementations must be
// safe for concurrent use; callers ask again on every cycle because
// credentials may appear or change while the process runs.
type CredentialSource interface {
	Current(ctx context.Context) (Credentials, error)
}

// StaticSource serves a fixed merchant id with a token from config or from
// a file that is re-read on every call.
type StaticSource struct {
	merchantID string
	token      string
	tokenFile  string
	now        func() time.Time
}

// NewStaticSource creates a credential source. tokenFile takes precedence
// over token when it exists and is non-empty.
func NewStaticSource(merchantID, token, tokenFile string) *StaticSource {
	return &StaticSource{
		merchantID: strings.TrimSpace(merchantID),
		token:      strings.TrimSpace(token),
		tokenFile:  tokenFile,
		now:        time.Now,
	}
}

// Current returns the credentials or ErrUnauthenticated / ErrTokenExpired.
func (s *StaticSource) Current(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}

	token := s.token
	if s.tokenFile != "" {
		data, err := os.ReadFile(s.tokenFile)
		switch {
		case err == nil:
			if fileToken := strings.TrimSpace(string(data)); fileToken != "" {
				token = fileToken
			}
		case !errors.Is(err, os.ErrNotExist):
			return Credentials{}, fmt.Errorf("read token file: %w", err)
		}
	}

	if s.merchantID == "" || token == "" {
		return Credentials{}, ErrUnauthenticated
	}
	if err := checkExpiry(token, s.now()); err != nil {
		return Credentials{}, err
	}
	return Credentials{MerchantID: s.merchantID, Token: token}, nil
}

// checkExpiry rejects JWT-shaped tokens whose exp claim is in the past.
// The signature is not verified: the backend does that, and opaque tokens
// pass through untouched.
func checkExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}
