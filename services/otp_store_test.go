package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"miniapp-auth/models"

	"github.com/stretchr/testify/require"
)

func TestOtpLifecycle(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	p := createPlatformProfile(t, env, 1001, CreateOptions{})
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := env.otps.WithClock(fixedClock(t0))

	code, err := store.Issue(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, isOTPShaped(code))

	var record models.OtpCode
	require.NoError(t, env.db.Where("profile_id = ?", p.ID).Take(&record).Error)
	require.NotEqual(t, code, record.CodeHash)
	require.Equal(t, hashOTP(p.ID, code), record.CodeHash)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	ok, err := store.Verify(ctx, p.ID, wrong)
	require.NoError(t, err)
	require.False(t, ok)

	// A failed attempt does not consume the live code.
	ok, err = store.Verify(ctx, p.ID, code)
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := store.Invalidate(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, removed)
	ok, err = store.Verify(ctx, p.ID, code)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOtpExpiry(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	p := createPlatformProfile(t, env, 1001, CreateOptions{})
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	code, err := env.otps.WithClock(fixedClock(t0)).Issue(ctx, p.ID)
	require.NoError(t, err)

	ok, err := env.otps.WithClock(fixedClock(t0.Add(DefaultOTPTTL-time.Second))).Verify(ctx, p.ID, code)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = env.otps.WithClock(fixedClock(t0.Add(DefaultOTPTTL))).Verify(ctx, p.ID, code)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOtpIssueSupersedesPreviousCode(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	p := createPlatformProfile(t, env, 1001, CreateOptions{})
	store := env.otps.WithClock(fixedClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	first, err := store.Issue(ctx, p.ID)
	require.NoError(t, err)
	second, err := store.Issue(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, countRows(t, env.db, &models.OtpCode{}, "profile_id = ?", p.ID))

	ok, err := store.Verify(ctx, p.ID, second)
	require.NoError(t, err)
	require.True(t, ok)
	if first != second {
		ok, err = store.Verify(ctx, p.ID, first)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestOtpCodesAreScopedToProfile(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	a := createPlatformProfile(t, env, 1001, CreateOptions{})
	b := createPlatformProfile(t, env, 1002, CreateOptions{})

	code, err := env.otps.Issue(ctx, a.ID)
	require.NoError(t, err)

	ok, err := env.otps.Verify(ctx, b.ID, code)
	require.NoError(t, err)
	require.False(t, ok)

	for _, candidate := range []string{"", "12345", "1234567", "12a456", " 123456"} {
		ok, err := env.otps.Verify(ctx, a.ID, candidate)
		require.NoError(t, err)
		require.False(t, ok, "candidate %q", candidate)
	}
}

func TestOtpPurgeExpired(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	a := createPlatformProfile(t, env, 1001, CreateOptions{})
	b := createPlatformProfile(t, env, 1002, CreateOptions{})
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := env.otps.WithClock(fixedClock(t0)).Issue(ctx, a.ID)
	require.NoError(t, err)
	_, err = env.otps.WithClock(fixedClock(t0.Add(5*time.Minute))).Issue(ctx, b.ID)
	require.NoError(t, err)

	n, err := env.otps.WithClock(fixedClock(t0.Add(DefaultOTPTTL))).PurgeExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.EqualValues(t, 0, countRows(t, env.db, &models.OtpCode{}, "profile_id = ?", a.ID))
	require.EqualValues(t, 1, countRows(t, env.db, &models.OtpCode{}, "profile_id = ?", b.ID))
}

func TestOtpJanitorPurgesOnSchedule(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	p := createPlatformProfile(t, env, 1001, CreateOptions{})

	_, err := env.otps.WithClock(fixedClock(time.Now().Add(-time.Hour))).Issue(ctx, p.ID)
	require.NoError(t, err)

	sched, err := StartOTPJanitor(env.otps, 50*time.Millisecond, testLog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Shutdown() })

	require.Eventually(t, func() bool {
		var n int64
		if err := env.db.Model(&models.OtpCode{}).Count(&n).Error; err != nil {
			return false
		}
		return n == 0
	}, 3*time.Second, 25*time.Millisecond)
}

func TestOtpConsumeSucceedsOnce(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	p := createPlatformProfile(t, env, 1001, CreateOptions{})
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := env.otps.WithClock(fixedClock(t0))

	code, err := store.Issue(ctx, p.ID)
	require.NoError(t, err)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	ok, err := store.Consume(ctx, p.ID, wrong)
	require.NoError(t, err)
	require.False(t, ok)

	// Expired codes cannot be consumed either.
	ok, err = env.otps.WithClock(fixedClock(t0.Add(DefaultOTPTTL))).Consume(ctx, p.ID, code)
	require.NoError(t, err)
	require.False(t, ok)

	const n = 8
	var wg sync.WaitGroup
	results := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Consume(ctx, p.ID, code)
		}(i)
	}
	wg.Wait()
	wins := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	removed, err := store.Invalidate(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, removed)
}
