// Package auth holds the credentials a peer accepts: bcrypt password hashes
// and signed replication tokens.
package auth

import (
	"context"
	"errors"
	"strings"
)

// TokenValidator checks a bearer token presented by a replicator.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
	// Name appears in rejection logs.
	Name() string
}

var ErrNoValidatorMatched = errors.New("no validator could validate the token")

// CompositeTokenValidator tries the current signing key first and then any
// retired keys, so tokens issued before a rotation keep working until they
// expire.
type CompositeTokenValidator struct {
	validators []TokenValidator
}

func NewCompositeTokenValidator(validators ...TokenValidator) *CompositeTokenValidator {
	return &CompositeTokenValidator{validators: validators}
}

// ValidateToken returns the first successful validation. An expired token
// has already passed a signature check, so it is reported at once instead of
// being retried against the remaining keys. Otherwise every rejection is
// joined into the returned error.
func (c *CompositeTokenValidator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	if len(c.validators) == 0 {
		return nil, ErrNoValidatorMatched
	}
	var errs []error
	for _, v := range c.validators {
		claims, err := v.ValidateToken(ctx, token)
		switch {
		case err == nil:
			return claims, nil
		case errors.Is(err, ErrExpiredToken):
			return nil, err
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Name lists the chained validators, e.g. "composite(jwt-hs256,jwt-hs256)".
func (c *CompositeTokenValidator) Name() string {
	names := make([]string, len(c.validators))
	for i, v := range c.validators {
		names[i] = v.Name()
	}
	return "composite(" + strings.Join(names, ",") + ")"
}

// AddValidator appends a retired key. Not safe for use once the peer serves
// requests.
func (c *CompositeTokenValidator) AddValidator(v TokenValidator) {
	c.validators = append(c.validators, v)
}
