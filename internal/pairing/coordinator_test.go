package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/eckdisplay/internal/codes"
	"github.com/xelth-com/eckdisplay/internal/database/databasetest"
	"github.com/xelth-com/eckdisplay/internal/directory"
	"github.com/xelth-com/eckdisplay/internal/logging"
	"github.com/xelth-com/eckdisplay/internal/models"
)

type fakeNotifier struct {
	mu      sync.Mutex
	paired  []string
	resyncs []string
}

func (n *fakeNotifier) NotifyPaired(dev *models.Device) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paired = append(n.paired, dev.ID)
	return true
}

func (n *fakeNotifier) Resync(_ context.Context, dev *models.Device) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resyncs = append(n.resyncs, dev.ID)
	return true
}

type fakeGuard struct {
	mu       sync.Mutex
	locked   bool // every key
	limit    int  // locks a key once its failures reach limit, 0 disables
	failures map[string]int
	cleared  []string
}

func (g *fakeGuard) Locked(_ context.Context, key string) (bool, time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locked || (g.limit > 0 && g.failures[key] >= g.limit) {
		return true, time.Minute, nil
	}
	return false, 0, nil
}

func (g *fakeGuard) RegisterFailure(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures == nil {
		g.failures = map[string]int{}
	}
	g.failures[key]++
	return nil
}

func (g *fakeGuard) Clear(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared = append(g.cleared, key)
	return nil
}

// sequence yields the given codes in order, repeating the last one
func sequence(values ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		v := values[i]
		if i < len(values)-1 {
			i++
		}
		return v, nil
	}
}

type fixture struct {
	dir      *directory.Store
	notifier *fakeNotifier
	guard    *fakeGuard
	clock    time.Time
	c        *Coordinator
}

func newFixture(t *testing.T, genOpts ...codes.Option) *fixture {
	t.Helper()
	f := &fixture{
		dir:      directory.NewStore(databasetest.Open(t)),
		notifier: &fakeNotifier{},
		guard:    &fakeGuard{},
		clock:    time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
	}
	gen := codes.NewGenerator(f.dir, genOpts...)
	f.c = New(f.dir, gen, f.notifier, logging.Discard(),
		WithGuard(f.guard),
		WithRegistrationTTL(24*time.Hour),
		WithClock(func() time.Time { return f.clock }),
	)
	return f
}

func ptr(s string) *string { return &s }

func TestPairingScenario(t *testing.T) {
	f := newFixture(t, codes.WithSource(sequence("482913")))
	ctx := context.Background()

	dev, err := f.c.Connect(ctx, "", "conn-1", []byte(`{"userAgent":"kiosk"}`))
	require.NoError(t, err)
	require.NotNil(t, dev.PairingCode)
	assert.Equal(t, "482913", *dev.PairingCode)
	assert.Equal(t, models.DeviceStatusPending, dev.Status)
	assert.Equal(t, "Display 482913", dev.Name)

	paired, err := f.c.RegisterByPairingCode(ctx, "482913", "org-7", ptr("Lobby"))
	require.NoError(t, err)
	assert.Equal(t, dev.ID, paired.ID)
	assert.Equal(t, models.DeviceStatusPaired, paired.Status)
	assert.True(t, paired.IsActive)
	assert.Equal(t, "Lobby", paired.Name)
	require.NotNil(t, paired.OrganisationID)
	assert.Equal(t, "org-7", *paired.OrganisationID)
	assert.Equal(t, []string{dev.ID}, f.notifier.paired)
	assert.Equal(t, []string{"org-7"}, f.guard.cleared)

	_, err = f.c.RegisterByPairingCode(ctx, "482913", "org-8", nil)
	assert.ErrorIs(t, err, ErrAlreadyPaired)
}

func TestConnectKeepsGivenDeviceID(t *testing.T) {
	f := newFixture(t)

	dev, err := f.c.Connect(context.Background(), "7b0c1c0e-0000-4000-8000-000000000001", "conn-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "7b0c1c0e-0000-4000-8000-000000000001", dev.ID)
	require.NotNil(t, dev.SocketID)
	assert.Equal(t, "conn-1", *dev.SocketID)
	assert.True(t, codes.Valid(*dev.PairingCode))
}

func TestConcurrentConnectsGetDistinctCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dev, err := f.c.Connect(ctx, "", "conn-"+string(rune('A'+i)), nil)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = *dev.PairingCode
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i]], "duplicate code %s", results[i])
		seen[results[i]] = true
	}
}

func TestConnectRetriesOnConstraintViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dir.CreatePending(ctx, directory.PendingDevice{PairingCode: "111111", SocketID: "conn-0"})
	require.NoError(t, err)

	// The checker misses the taken code, so only the unique index catches it
	gen := codes.NewGenerator(blindChecker{}, codes.WithSource(sequence("111111", "222222")))
	c := New(f.dir, gen, f.notifier, logging.Discard())

	dev, err := c.Connect(ctx, "", "conn-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "222222", *dev.PairingCode)
}

type blindChecker struct{}

func (blindChecker) CodeInUse(context.Context, codes.Domain, string) (bool, error) {
	return false, nil
}

func TestConnectExhaustionWritesNothing(t *testing.T) {
	f := newFixture(t, codes.WithSource(sequence("111111")))
	ctx := context.Background()

	_, err := f.dir.CreatePending(ctx, directory.PendingDevice{PairingCode: "111111", SocketID: "conn-0"})
	require.NoError(t, err)

	const id = "7b0c1c0e-0000-4000-8000-000000000002"
	_, err = f.c.Connect(ctx, id, "conn-1", nil)
	require.ErrorIs(t, err, codes.ErrCodeSpaceExhausted)

	_, err = f.dir.FindByID(ctx, id)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, codes.WithSource(sequence("100001", "100002", "100003")))
	ctx := context.Background()

	t.Run("pending row is removed", func(t *testing.T) {
		dev, err := f.c.Connect(ctx, "", "conn-1", nil)
		require.NoError(t, err)

		require.NoError(t, f.c.Disconnect(ctx, dev.ID, "conn-1"))
		_, err = f.dir.FindByID(ctx, dev.ID)
		assert.ErrorIs(t, err, directory.ErrNotFound)

		assert.NoError(t, f.c.Disconnect(ctx, dev.ID, "conn-1"), "repeat is harmless")
	})

	t.Run("paired row survives", func(t *testing.T) {
		dev, err := f.c.Connect(ctx, "", "conn-2", nil)
		require.NoError(t, err)
		_, err = f.c.RegisterByPairingCode(ctx, *dev.PairingCode, "org-7", nil)
		require.NoError(t, err)

		require.NoError(t, f.c.Disconnect(ctx, dev.ID, "conn-2"))
		got, err := f.dir.FindByID(ctx, dev.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DeviceStatusPaired, got.Status)
		assert.NotNil(t, got.LastSeenAt)
	})

	t.Run("stale connection leaves newer owner alone", func(t *testing.T) {
		dev, err := f.c.Connect(ctx, "", "conn-3", nil)
		require.NoError(t, err)

		require.NoError(t, f.c.Disconnect(ctx, dev.ID, "conn-old"))
		_, err = f.dir.FindByID(ctx, dev.ID)
		assert.NoError(t, err)
	})
}

func TestRegisterByPairingCodeFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.RegisterByPairingCode(ctx, "999999", "org-7", nil)
	assert.ErrorIs(t, err, directory.ErrNotFound)

	_, err = f.c.RegisterByPairingCode(ctx, "abc", "org-7", nil)
	assert.ErrorIs(t, err, directory.ErrNotFound)

	assert.Equal(t, 2, f.guard.failures["org-7"])

	f.guard.locked = true
	_, err = f.c.RegisterByPairingCode(ctx, "999999", "org-7", nil)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, 2, f.guard.failures["org-7"], "locked attempts are not counted")
}

func TestConcurrentClaimsConsumeOnce(t *testing.T) {
	f := newFixture(t, codes.WithSource(sequence("654321")))
	ctx := context.Background()

	_, err := f.c.Connect(ctx, "", "conn-1", nil)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.c.RegisterByPairingCode(ctx, "654321", "org-7", nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyPaired):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, f.notifier.paired, 1)
}

func TestRegisterByCode(t *testing.T) {
	ctx := context.Background()

	t.Run("consumes an issued code", func(t *testing.T) {
		f := newFixture(t)
		issued, err := f.c.IssueRegistrationCode(ctx, "org-7", "Foyer")
		require.NoError(t, err)
		code := *issued.RegistrationCode

		dev, err := f.c.RegisterByCode(ctx, code, "org-7", "")
		require.NoError(t, err)
		assert.Equal(t, issued.ID, dev.ID)
		assert.Equal(t, models.DeviceStatusPaired, dev.Status)
		assert.True(t, dev.IsActive)
		assert.Equal(t, "Foyer", dev.Name)
		assert.Nil(t, dev.RegistrationCode)
		assert.Nil(t, dev.CodeExpiresAt)
		assert.Empty(t, f.notifier.paired, "registration never pushes")
	})

	t.Run("creates a paired device for an unknown code", func(t *testing.T) {
		f := newFixture(t)
		dev, err := f.c.RegisterByCode(ctx, "555000", "org-7", "Hall")
		require.NoError(t, err)
		assert.Equal(t, models.DeviceStatusPaired, dev.Status)
		assert.True(t, dev.IsActive)
		assert.Equal(t, "Hall", dev.Name)
		assert.True(t, dev.BelongsTo("org-7"))
	})

	t.Run("expired code leaves row untouched", func(t *testing.T) {
		f := newFixture(t)
		issued, err := f.c.IssueRegistrationCode(ctx, "org-7", "")
		require.NoError(t, err)

		f.clock = f.clock.Add(25 * time.Hour)
		_, err = f.c.RegisterByCode(ctx, *issued.RegistrationCode, "org-7", "Late")
		require.ErrorIs(t, err, ErrExpired)

		got, err := f.dir.FindByID(ctx, issued.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DeviceStatusPending, got.Status)
		assert.False(t, got.IsActive)
		require.NotNil(t, got.RegistrationCode)
		assert.Equal(t, *issued.RegistrationCode, *got.RegistrationCode)
		assert.Equal(t, issued.Name, got.Name)
	})

	t.Run("other organisation is refused", func(t *testing.T) {
		f := newFixture(t)
		issued, err := f.c.IssueRegistrationCode(ctx, "org-7", "")
		require.NoError(t, err)

		_, err = f.c.RegisterByCode(ctx, *issued.RegistrationCode, "org-8", "")
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestActivateByCode(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown code", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.c.ActivateByCode(ctx, "org-7", "000000")
		assert.ErrorIs(t, err, directory.ErrNotFound)
	})

	t.Run("pre-issued code", func(t *testing.T) {
		f := newFixture(t)
		issued, err := f.c.IssueRegistrationCode(ctx, "org-7", "Atrium")
		require.NoError(t, err)
		assert.False(t, issued.IsActive)

		dev, err := f.c.ActivateByCode(ctx, "org-7", *issued.RegistrationCode)
		require.NoError(t, err)
		assert.True(t, dev.IsActive)
		assert.Equal(t, models.DeviceStatusPaired, dev.Status)
		assert.Nil(t, dev.RegistrationCode)

		_, err = f.c.ActivateByCode(ctx, "org-7", *issued.RegistrationCode)
		assert.ErrorIs(t, err, directory.ErrNotFound, "a code is consumed once")
	})

	t.Run("device requested code is claimed by caller", func(t *testing.T) {
		f := newFixture(t)
		requested, err := f.c.RequestRegistrationCode(ctx, "")
		require.NoError(t, err)
		assert.Nil(t, requested.OrganisationID)
		require.NotNil(t, requested.CodeExpiresAt)
		assert.Equal(t, f.clock.Add(24*time.Hour), requested.CodeExpiresAt.UTC())

		dev, err := f.c.ActivateByCode(ctx, "org-9", *requested.RegistrationCode)
		require.NoError(t, err)
		assert.True(t, dev.BelongsTo("org-9"))
		assert.True(t, dev.IsPaired())
	})

	t.Run("expiry is checked before ownership", func(t *testing.T) {
		f := newFixture(t)
		issued, err := f.c.IssueRegistrationCode(ctx, "org-7", "")
		require.NoError(t, err)

		f.clock = f.clock.Add(24 * time.Hour)
		_, err = f.c.ActivateByCode(ctx, "org-8", *issued.RegistrationCode)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("other organisation", func(t *testing.T) {
		f := newFixture(t)
		issued, err := f.c.IssueRegistrationCode(ctx, "org-7", "")
		require.NoError(t, err)

		_, err = f.c.ActivateByCode(ctx, "org-8", *issued.RegistrationCode)
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestResume(t *testing.T) {
	f := newFixture(t, codes.WithSource(sequence("300001", "300002")))
	ctx := context.Background()

	dev, err := f.c.Connect(ctx, "", "conn-1", nil)
	require.NoError(t, err)

	_, err = f.c.Resume(ctx, dev.ID, "conn-2")
	assert.ErrorIs(t, err, ErrNotPaired)

	_, err = f.c.RegisterByPairingCode(ctx, "300001", "org-7", nil)
	require.NoError(t, err)

	resumed, err := f.c.Resume(ctx, dev.ID, "conn-2")
	require.NoError(t, err)
	require.NotNil(t, resumed.SocketID)
	assert.Equal(t, "conn-2", *resumed.SocketID)
	assert.Equal(t, []string{dev.ID, dev.ID}, f.notifier.paired)
	assert.Equal(t, []string{dev.ID}, f.notifier.resyncs)

	_, err = f.c.Resume(ctx, "missing", "conn-3")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestDeviceAdministration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dev, err := f.c.RegisterByCode(ctx, "777000", "org-7", "Lobby")
	require.NoError(t, err)

	_, err = f.c.Rename(ctx, "org-8", dev.ID, "Stolen")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.c.SetActive(ctx, "org-8", dev.ID, false)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, f.c.Remove(ctx, "org-8", dev.ID), ErrForbidden)

	renamed, err := f.c.Rename(ctx, "org-7", dev.ID, "  Main hall ")
	require.NoError(t, err)
	assert.Equal(t, "Main hall", renamed.Name)

	off, err := f.c.SetActive(ctx, "org-7", dev.ID, false)
	require.NoError(t, err)
	assert.False(t, off.IsActive)

	list, err := f.c.ListDevices(ctx, "org-7")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, dev.ID, list[0].ID)

	require.NoError(t, f.c.Remove(ctx, "org-7", dev.ID))
	_, err = f.c.Device(ctx, "org-7", dev.ID)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestRegistrationDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.c.IssueRegistrationCode(ctx, "org-7", "Cafe")
	require.NoError(t, err)

	got, err := f.c.RegistrationDevice(ctx, "org-7", *issued.RegistrationCode)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, got.ID)

	_, err = f.c.RegistrationDevice(ctx, "org-8", *issued.RegistrationCode)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestPurgeOrphaned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dev, err := f.c.Connect(ctx, "", "conn-1", nil)
	require.NoError(t, err)
	issued, err := f.c.IssueRegistrationCode(ctx, "org-7", "")
	require.NoError(t, err)

	require.NoError(t, f.c.PurgeOrphaned(ctx))

	_, err = f.dir.FindByID(ctx, dev.ID)
	assert.ErrorIs(t, err, directory.ErrNotFound)
	_, err = f.dir.FindByID(ctx, issued.ID)
	assert.NoError(t, err)
}

func TestRegistrationClaimsCountFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("activate", func(t *testing.T) {
		f := newFixture(t)
		issued, err := f.c.IssueRegistrationCode(ctx, "org-7", "")
		require.NoError(t, err)

		_, err = f.c.ActivateByCode(ctx, "org-8", "12ab")
		assert.ErrorIs(t, err, directory.ErrNotFound)
		_, err = f.c.ActivateByCode(ctx, "org-8", "000000")
		assert.ErrorIs(t, err, directory.ErrNotFound)
		_, err = f.c.ActivateByCode(ctx, "org-8", *issued.RegistrationCode)
		assert.ErrorIs(t, err, ErrForbidden)
		assert.Equal(t, 3, f.guard.failures["org-8"])

		_, err = f.c.ActivateByCode(ctx, "org-7", *issued.RegistrationCode)
		require.NoError(t, err)
		assert.Equal(t, []string{"org-7"}, f.guard.cleared)
	})

	t.Run("register", func(t *testing.T) {
		f := newFixture(t)
		issued, err := f.c.IssueRegistrationCode(ctx, "org-7", "")
		require.NoError(t, err)

		_, err = f.c.RegisterByCode(ctx, "12ab", "org-8", "")
		assert.ErrorIs(t, err, directory.ErrNotFound)
		_, err = f.c.RegisterByCode(ctx, *issued.RegistrationCode, "org-8", "")
		assert.ErrorIs(t, err, ErrForbidden)
		_, err = f.c.RegisterByCode(ctx, "000000", "org-8", "Hall")
		require.NoError(t, err, "an unknown code still registers directly")
		assert.Equal(t, 3, f.guard.failures["org-8"])
		assert.Empty(t, f.guard.cleared)

		_, err = f.c.RegisterByCode(ctx, *issued.RegistrationCode, "org-7", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"org-7"}, f.guard.cleared)
	})
}

func TestLockedOrganisationCannotClaimRegistrationCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requested, err := f.c.RequestRegistrationCode(ctx, "")
	require.NoError(t, err)
	code := *requested.RegistrationCode

	f.guard.locked = true
	_, err = f.c.ActivateByCode(ctx, "org-8", code)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	_, err = f.c.RegisterByCode(ctx, code, "org-8", "")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Empty(t, f.guard.failures, "locked attempts are not counted")

	got, err := f.dir.FindByID(ctx, requested.ID)
	require.NoError(t, err)
	assert.Nil(t, got.OrganisationID)
	assert.Equal(t, models.DeviceStatusPending, got.Status)
}

func TestRegistrationGuessingLocksOut(t *testing.T) {
	f := newFixture(t)
	f.guard.limit = 5
	ctx := context.Background()

	requested, err := f.c.RequestRegistrationCode(ctx, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.c.ActivateByCode(ctx, "org-8", "12ab")
		require.ErrorIs(t, err, directory.ErrNotFound)
	}
	_, err = f.c.ActivateByCode(ctx, "org-8", *requested.RegistrationCode)
	assert.ErrorIs(t, err, ErrTooManyAttempts, "a correct guess after the limit is refused")

	_, err = f.c.ActivateByCode(ctx, "org-9", *requested.RegistrationCode)
	require.NoError(t, err, "other organisations are unaffected")
}

func TestRequestRegistrationCodeIsLimitedPerRequester(t *testing.T) {
	f := newFixture(t)
	f.guard.limit = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.c.RequestRegistrationCode(ctx, "203.0.113.9")
		require.NoError(t, err)
	}
	_, err := f.c.RequestRegistrationCode(ctx, "203.0.113.9")
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	_, err = f.c.RequestRegistrationCode(ctx, "198.51.100.4")
	assert.NoError(t, err)
	assert.Equal(t, 2, f.guard.failures[requestKey("203.0.113.9")])
}
