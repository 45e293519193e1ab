package otp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echochat/server/internal/kv"
	"github.com/echochat/server/internal/ratelimit"
)

const testPhone = "+15551234567"

type recordingNotifier struct {
	phones []string
	codes  []string
}

func (n *recordingNotifier) SendCode(_ context.Context, phone, code string) error {
	n.phones = append(n.phones, phone)
	n.codes = append(n.codes, code)
	return nil
}

type otpHarness struct {
	manager  *Manager
	notifier *recordingNotifier
	mr       *miniredis.Miniredis
}

func newHarness(t *testing.T) *otpHarness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := kv.NewRedisStore(client)
	limiter := ratelimit.New(store, ratelimit.FailOpen)
	notifier := &recordingNotifier{}

	manager := NewManager(store, limiter, notifier, Config{Salt: "test-salt"})
	manager.SetCodeGenerator(func() (string, error) { return "123456", nil })

	return &otpHarness{manager: manager, notifier: notifier, mr: mr}
}

func TestRequestCode_IssuesAndDelivers(t *testing.T) {
	h := newHarness(t)

	res, err := h.manager.RequestCode(context.Background(), "+1 (555) 123-4567")
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, res.ExpiresIn)
	assert.Empty(t, res.DevCode, "codes stay out of results unless RevealCodes is set")

	require.Len(t, h.notifier.codes, 1)
	assert.Equal(t, "123456", h.notifier.codes[0])
	assert.Equal(t, testPhone, h.notifier.phones[0], "delivery uses the canonical phone")
}

func TestRequestCode_CooldownBlocksReissue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.RequestCode(ctx, testPhone)
	require.NoError(t, err)

	_, err = h.manager.RequestCode(ctx, testPhone)
	var cdErr *CooldownError
	require.ErrorAs(t, err, &cdErr)
	assert.Greater(t, cdErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, cdErr.RetryAfter, 60*time.Second)

	h.mr.FastForward(61 * time.Second)
	_, err = h.manager.RequestCode(ctx, testPhone)
	assert.NoError(t, err, "cooldown elapsed, issuance must succeed again")
}

func TestRequestCode_HourlyCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := h.manager.RequestCode(ctx, testPhone)
		require.NoError(t, err, "request %d should be within the cap", i+1)
		h.mr.FastForward(61 * time.Second)
	}

	_, err := h.manager.RequestCode(ctx, testPhone)
	var rlErr *ratelimit.Error
	require.ErrorAs(t, err, &rlErr, "11th request within the hour must be throttled")
	assert.Greater(t, rlErr.RetryAfter, time.Duration(0))
}

func TestRequestCode_InvalidPhone(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.RequestCode(context.Background(), "not-a-phone")
	assert.ErrorIs(t, err, ErrInvalidPhone)
	assert.Empty(t, h.notifier.codes)
}

func TestVerifyCode_SuccessConsumesChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.RequestCode(ctx, testPhone)
	require.NoError(t, err)

	phone, err := h.manager.VerifyCode(ctx, testPhone, "123456")
	require.NoError(t, err)
	assert.Equal(t, testPhone, phone)

	// The code was deleted on success; a replay before the original TTL
	// lapses must not find it.
	_, err = h.manager.VerifyCode(ctx, testPhone, "123456")
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestVerifyCode_SuccessClearsCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	_, err = h.manager.VerifyCode(ctx, testPhone, "123456")
	require.NoError(t, err)

	// A new login flow can start immediately after a successful one.
	_, err = h.manager.RequestCode(ctx, testPhone)
	assert.NoError(t, err)
}

func TestVerifyCode_WrongGuessesBurnChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.RequestCode(ctx, testPhone)
	require.NoError(t, err)

	for want := 4; want >= 1; want-- {
		_, err := h.manager.VerifyCode(ctx, testPhone, "000000")
		var invErr *InvalidCodeError
		require.ErrorAs(t, err, &invErr)
		assert.Equal(t, want, invErr.AttemptsRemaining)
	}

	_, err = h.manager.VerifyCode(ctx, testPhone, "000000")
	assert.ErrorIs(t, err, ErrTooManyAttempts, "5th guess hits the ceiling")

	// The challenge is burned: even the right code fails now.
	_, err = h.manager.VerifyCode(ctx, testPhone, "123456")
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestVerifyCode_ExpiredCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.RequestCode(ctx, testPhone)
	require.NoError(t, err)

	h.mr.FastForward(121 * time.Second)

	_, err = h.manager.VerifyCode(ctx, testPhone, "123456")
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestVerifyCode_AttemptsCountAgainstDeadChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.RequestCode(ctx, testPhone)
	require.NoError(t, err)

	h.mr.FastForward(121 * time.Second)

	// Retrying against the expired challenge still spends attempt quota.
	for i := 0; i < 4; i++ {
		_, err := h.manager.VerifyCode(ctx, testPhone, "123456")
		assert.ErrorIs(t, err, ErrCodeExpired)
	}
	_, err = h.manager.VerifyCode(ctx, testPhone, "123456")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestVerifyCode_NoChallengeIssued(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.VerifyCode(context.Background(), testPhone, "123456")
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestRequestCode_RevealCodesInDevConfig(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedisStore(client)

	manager := NewManager(store, ratelimit.New(store, ratelimit.FailOpen), NopNotifier{}, Config{
		Salt:        "test-salt",
		RevealCodes: true,
	})
	manager.SetCodeGenerator(func() (string, error) { return "654321", nil })

	res, err := manager.RequestCode(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Equal(t, "654321", res.DevCode)
}

func TestGenerateCode_SixDigits(t *testing.T) {
	for i := 0; i < 32; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9')
		}
	}
}

func TestRequestCode_FailsOpenWhenLimiterStoreDown(t *testing.T) {
	// The limiter and the challenge keys share one store here, so a dead
	// store fails the issuance later anyway; split stores to isolate the
	// limiter outage.
	mrLimiter, err := miniredis.Run()
	require.NoError(t, err)
	limiterClient := redis.NewClient(&redis.Options{Addr: mrLimiter.Addr()})
	t.Cleanup(func() { _ = limiterClient.Close() })
	limiter := ratelimit.New(kv.NewRedisStore(limiterClient), ratelimit.FailOpen)
	mrLimiter.Close()

	mrState, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mrState.Close)
	stateClient := redis.NewClient(&redis.Options{Addr: mrState.Addr()})
	t.Cleanup(func() { _ = stateClient.Close() })

	manager := NewManager(kv.NewRedisStore(stateClient), limiter, NopNotifier{}, Config{Salt: "test-salt"})
	manager.SetCodeGenerator(func() (string, error) { return "123456", nil })

	_, err = manager.RequestCode(context.Background(), testPhone)
	assert.NoError(t, err, "limiter outage must not block issuance")
}

type flakyNotifier struct {
	fail bool
	sent int
}

func (n *flakyNotifier) SendCode(context.Context, string, string) error {
	if n.fail {
		return errors.New("sms gateway down")
	}
	n.sent++
	return nil
}

func TestRequestCode_DeliveryFailureLeavesNoCooldown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := kv.NewRedisStore(client)
	notifier := &flakyNotifier{fail: true}
	manager := NewManager(store, ratelimit.New(store, ratelimit.FailOpen), notifier, Config{Salt: "test-salt"})
	manager.SetCodeGenerator(func() (string, error) { return "123456", nil })
	ctx := context.Background()

	_, err = manager.RequestCode(ctx, testPhone)
	require.Error(t, err)

	// The gateway recovers; the user's immediate retry must not sit out a
	// cooldown started by the failed send.
	notifier.fail = false
	_, err = manager.RequestCode(ctx, testPhone)
	assert.NoError(t, err)
	assert.Equal(t, 1, notifier.sent)
}
