package api

import (
	"context"
	"strings"

	"github.com/attache-app/core/internal/auth"
	"github.com/attache-app/core/internal/errors"
	"github.com/attache-app/core/internal/gateway"
	"github.com/attache-app/core/internal/logging"
)

// tokenEnvelope is the wire shape of a successful credential exchange.
type tokenEnvelope struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ExchangeRefreshToken trades the refresh token for a new pair. The
// request never requires auth: a refresh must not gate on itself.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*auth.Tokens, error) {
	resp, err := c.gw.Do(ctx, gateway.Request{
		Method: "POST",
		Path:   "/v1/auth/refresh",
		Body: map[string]string{
			"refresh_token": refreshToken,
		},
		SkipCache: true,
	})
	if err != nil {
		return nil, classifyRefreshFailure(err)
	}

	var envelope tokenEnvelope
	if err := resp.Decode(&envelope); err != nil {
		return nil, &auth.RefreshError{Reason: auth.ReasonTransient, Err: err}
	}
	if envelope.AccessToken == "" || envelope.RefreshToken == "" {
		return nil, &auth.RefreshError{
			Reason: auth.ReasonTransient,
			Err:    errors.New(errors.ErrDecode, "refresh response missing token pair"),
		}
	}

	return &auth.Tokens{
		AccessToken:  envelope.AccessToken,
		RefreshToken: envelope.RefreshToken,
	}, nil
}

// NewRefreshFunc builds the RefreshFunc the refresher drives: read the
// stored refresh token, exchange it, persist the new pair.
func NewRefreshFunc(c *Client, store auth.TokenStore) auth.RefreshFunc {
	return func(ctx context.Context) error {
		tokens := store.Tokens()
		if tokens.RefreshToken == "" {
			return &auth.RefreshError{
				Reason: auth.ReasonTokenUnknown,
				Err:    errors.New(errors.ErrRefreshFailed, "no refresh token available"),
			}
		}

		fresh, err := c.ExchangeRefreshToken(ctx, tokens.RefreshToken)
		if err != nil {
			return err
		}

		if err := store.SetTokens(*fresh); err != nil {
			logging.Error("Failed to persist refreshed tokens", err, nil)
			return &auth.RefreshError{Reason: auth.ReasonTransient, Err: err}
		}
		return nil
	}
}

// classifyRefreshFailure maps a backend rejection to a failure reason.
// The backend reports the cause as a human-readable detail string; the
// substring matching is confined to this one place.
func classifyRefreshFailure(err error) error {
	status := errors.StatusOf(err)
	detail := strings.ToLower(err.Error())

	if status == 401 || status == 403 {
		switch {
		case strings.Contains(detail, "password") || strings.Contains(detail, "pin"):
			return &auth.RefreshError{Reason: auth.ReasonCredentialChanged, Err: err}
		case strings.Contains(detail, "user") && strings.Contains(detail, "deleted"):
			return &auth.RefreshError{Reason: auth.ReasonUserDeleted, Err: err}
		default:
			return &auth.RefreshError{Reason: auth.ReasonTokenUnknown, Err: err}
		}
	}

	return &auth.RefreshError{Reason: auth.ReasonTransient, Err: err}
}
