// Package codes issues the short numeric codes devices display while pairing.
//
// Codes live in two independent uniqueness domains (pairing and registration).
// The generator checks the directory before handing a code out, but it never
// relies on that check alone: the insert that claims the code must itself be
// rejected by a unique index, and that rejection is retried with a new draw.
package codes

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Domain names the column a code must be unique in
type Domain string

const (
	DomainPairing      Domain = "pairing_code"
	DomainRegistration Domain = "registration_code"
)

const (
	// Length is the number of digits in a code
	Length = 6

	// DefaultMaxAttempts bounds the draws for a single allocation
	DefaultMaxAttempts = 10
)

var (
	// ErrCodeSpaceExhausted is returned when every draw collided.
	// Callers surface it as retryable: the code space needs widening.
	ErrCodeSpaceExhausted = errors.New("codes: code space exhausted")

	// ErrCodeTaken is wrapped by stores when a unique index rejects a code.
	ErrCodeTaken = errors.New("codes: code already taken")
)

var codeSpace = big.NewInt(1_000_000)

// Checker reports whether a code is currently held by any device
type Checker interface {
	CodeInUse(ctx context.Context, domain Domain, code string) (bool, error)
}

// Generator draws random codes and resolves collisions by retrying
type Generator struct {
	checker     Checker
	maxAttempts int
	draw        func() (string, error)
}

// Option customises a Generator
type Option func(*Generator)

// WithMaxAttempts overrides the retry budget
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithSource replaces the random source. Tests use it to force collisions.
func WithSource(draw func() (string, error)) Option {
	return func(g *Generator) {
		if draw != nil {
			g.draw = draw
		}
	}
}

// NewGenerator creates a generator backed by checker
func NewGenerator(checker Checker, opts ...Option) *Generator {
	g := &Generator{
		checker:     checker,
		maxAttempts: DefaultMaxAttempts,
		draw:        randomCode,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a code that was free in domain at the time of the check.
// Use Allocate when the code is about to be written.
func (g *Generator) Generate(ctx context.Context, domain Domain) (string, error) {
	return g.Allocate(ctx, domain, nil)
}

// Allocate draws codes until claim accepts one. claim is expected to persist
// the code; returning an error wrapping ErrCodeTaken makes Allocate try again
// with a fresh draw. Any other error is returned unchanged.
func (g *Generator) Allocate(ctx context.Context, domain Domain, claim func(code string) error) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		code, err := g.draw()
		if err != nil {
			return "", fmt.Errorf("draw code: %w", err)
		}

		inUse, err := g.checker.CodeInUse(ctx, domain, code)
		if err != nil {
			return "", fmt.Errorf("check %s: %w", domain, err)
		}
		if inUse {
			continue
		}

		if claim == nil {
			return code, nil
		}
		if err := claim(code); err != nil {
			if errors.Is(err, ErrCodeTaken) {
				continue
			}
			return "", err
		}
		return code, nil
	}
	return "", fmt.Errorf("%w: %d attempts in %s", ErrCodeSpaceExhausted, g.maxAttempts, domain)
}

// Valid reports whether s has the shape of an issued code
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", Length, n.Int64()), nil
}
