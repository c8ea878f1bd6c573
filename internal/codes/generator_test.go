package codes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	mu    sync.Mutex
	taken map[string]bool
	calls int
	err   error
}

func (f *fakeChecker) CodeInUse(_ context.Context, _ Domain, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.taken[code], nil
}

func sequence(codes ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		c := codes[i%len(codes)]
		i++
		return c, nil
	}
}

func TestRandomCodeShape(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := randomCode()
		require.NoError(t, err)
		assert.True(t, Valid(code), "bad code %q", code)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("000123"))
	assert.False(t, Valid("12345"))
	assert.False(t, Valid("1234567"))
	assert.False(t, Valid("12a456"))
}

func TestGenerateSkipsCodesInUse(t *testing.T) {
	checker := &fakeChecker{taken: map[string]bool{"111111": true, "222222": true}}
	g := NewGenerator(checker, WithSource(sequence("111111", "222222", "482913")))

	code, err := g.Generate(context.Background(), DomainPairing)
	require.NoError(t, err)
	assert.Equal(t, "482913", code)
	assert.Equal(t, 3, checker.calls)
}

func TestAllocateExhaustsAfterTenCollisions(t *testing.T) {
	checker := &fakeChecker{taken: map[string]bool{"111111": true}}
	g := NewGenerator(checker, WithSource(sequence("111111")))

	claimed := false
	_, err := g.Allocate(context.Background(), DomainPairing, func(string) error {
		claimed = true
		return nil
	})

	require.ErrorIs(t, err, ErrCodeSpaceExhausted)
	assert.False(t, claimed, "claim must not run for colliding codes")
	assert.Equal(t, DefaultMaxAttempts, checker.calls)
}

func TestAllocateRetriesOnConstraintRejection(t *testing.T) {
	checker := &fakeChecker{taken: map[string]bool{}}
	g := NewGenerator(checker, WithSource(sequence("100000", "200000")))

	var tried []string
	code, err := g.Allocate(context.Background(), DomainRegistration, func(c string) error {
		tried = append(tried, c)
		if c == "100000" {
			return fmt.Errorf("insert: %w", ErrCodeTaken)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "200000", code)
	assert.Equal(t, []string{"100000", "200000"}, tried)
}

func TestAllocateConstraintRejectionsCountTowardsBudget(t *testing.T) {
	checker := &fakeChecker{taken: map[string]bool{}}
	g := NewGenerator(checker, WithMaxAttempts(3))

	claims := 0
	_, err := g.Allocate(context.Background(), DomainPairing, func(string) error {
		claims++
		return ErrCodeTaken
	})

	require.ErrorIs(t, err, ErrCodeSpaceExhausted)
	assert.Equal(t, 3, claims)
}

func TestAllocatePropagatesOtherErrors(t *testing.T) {
	boom := errors.New("disk on fire")

	g := NewGenerator(&fakeChecker{err: boom})
	_, err := g.Generate(context.Background(), DomainPairing)
	require.ErrorIs(t, err, boom)

	g = NewGenerator(&fakeChecker{taken: map[string]bool{}})
	_, err = g.Allocate(context.Background(), DomainPairing, func(string) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrCodeSpaceExhausted)
}

func TestAllocateHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := NewGenerator(&fakeChecker{taken: map[string]bool{}})
	_, err := g.Generate(ctx, DomainPairing)
	require.ErrorIs(t, err, context.Canceled)
}
