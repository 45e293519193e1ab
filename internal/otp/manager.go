// Package otp owns the short-lived challenge/response flow per phone number:
// issuance, cooldown, attempt tracking, expiry, verification. A challenge is
// "issued" when its code key exists in the transient store; there is no
// explicit state flag. Code, cooldown, and attempt counter are independent
// keys with independent TTLs, so each expires on its own schedule without a
// background sweep.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/echochat/server/internal/kv"
	"github.com/echochat/server/internal/ratelimit"
)

const (
	codeKeyPrefix     = "otp:code:"
	cooldownKeyPrefix = "otp:cd:"
	attemptKeyPrefix  = "otp:att:"

	requestSubjectPrefix = "otp_request:"
)

var (
	// ErrCodeExpired is returned when no challenge exists for the phone,
	// whether it expired, was consumed, or was never issued.
	ErrCodeExpired = errors.New("otp: code expired or not issued")
	// ErrTooManyAttempts is returned once the attempt ceiling is reached;
	// the challenge is burned and the caller must request a fresh code.
	ErrTooManyAttempts = errors.New("otp: attempt limit reached, request a new code")
)

// CooldownError reports a re-issuance attempt inside the cooldown window.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("otp: cooldown active, retry in %ds", int(e.RetryAfter.Seconds()))
}

// InvalidCodeError reports a mismatched code and the guesses left before the
// challenge is burned.
type InvalidCodeError struct {
	AttemptsRemaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("otp: invalid code, %d attempts remaining", e.AttemptsRemaining)
}

// Config tunes the challenge lifecycle. Zero values pick the defaults.
type Config struct {
	CodeTTL       time.Duration // challenge lifetime, default 120s
	Cooldown      time.Duration // min gap between issuances, default 60s
	MaxAttempts   int           // guesses before the challenge burns, default 5
	RequestWindow time.Duration // issuance rate-limit window, default 1h
	RequestMax    int           // issuances per window per phone, default 10
	Salt          string        // salts the stored code hash

	// RevealCodes includes the issued code in IssueResult. Development
	// only; production keeps codes strictly inside the delivery channel.
	RevealCodes bool
}

func (c Config) withDefaults() Config {
	if c.CodeTTL <= 0 {
		c.CodeTTL = 120 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RequestWindow <= 0 {
		c.RequestWindow = time.Hour
	}
	if c.RequestMax <= 0 {
		c.RequestMax = 10
	}
	return c
}

// IssueResult acknowledges a successful issuance.
type IssueResult struct {
	ExpiresIn time.Duration
	// DevCode carries the issued code when Config.RevealCodes is set.
	DevCode string
}

// Manager drives the OTP lifecycle for all phone numbers.
type Manager struct {
	store    kv.TransientStore
	limiter  *ratelimit.Limiter
	notifier Notifier
	config   Config

	// generate is swapped out by tests for deterministic codes.
	generate func() (string, error)
}

// NewManager wires the lifecycle manager to its collaborators.
func NewManager(store kv.TransientStore, limiter *ratelimit.Limiter, notifier Notifier, cfg Config) *Manager {
	return &Manager{
		store:    store,
		limiter:  limiter,
		notifier: notifier,
		config:   cfg.withDefaults(),
		generate: GenerateCode,
	}
}

// SetCodeGenerator replaces the code source. Test hook.
func (m *Manager) SetCodeGenerator(fn func() (string, error)) {
	m.generate = fn
}

// RequestCode issues a fresh challenge for the phone number and hands the
// code to the delivery collaborator. The code value itself stays out of the
// result unless RevealCodes is configured.
func (m *Manager) RequestCode(ctx context.Context, phone string) (IssueResult, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return IssueResult{}, err
	}

	if m.limiter != nil {
		if _, err := m.limiter.Check(ctx, requestSubjectPrefix+phone, m.config.RequestWindow, m.config.RequestMax); err != nil {
			return IssueResult{}, err
		}
	}

	// The cooldown guards rapid re-issuance independently of the hourly cap.
	if _, err := m.store.Get(ctx, cooldownKeyPrefix+phone); err == nil {
		retry, ttlErr := m.store.GetTTL(ctx, cooldownKeyPrefix+phone)
		if ttlErr != nil || retry <= 0 {
			retry = m.config.Cooldown
		}
		return IssueResult{}, &CooldownError{RetryAfter: retry}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return IssueResult{}, fmt.Errorf("cooldown check: %w", err)
	}

	code, err := m.generate()
	if err != nil {
		return IssueResult{}, fmt.Errorf("generate code: %w", err)
	}

	if err := m.store.SetWithTTL(ctx, codeKeyPrefix+phone, hashCode(phone, code, m.config.Salt), m.config.CodeTTL); err != nil {
		return IssueResult{}, fmt.Errorf("store code: %w", err)
	}
	// A stale counter from a previous challenge must not shorten this one.
	if err := m.store.Delete(ctx, attemptKeyPrefix+phone); err != nil {
		return IssueResult{}, fmt.Errorf("reset attempts: %w", err)
	}

	if m.notifier != nil {
		if err := m.notifier.SendCode(ctx, phone, code); err != nil {
			return IssueResult{}, fmt.Errorf("deliver code: %w", err)
		}
	}

	// The cooldown starts only once delivery is handed off; a failed send
	// must not lock the user out of an immediate retry.
	if err := m.store.SetWithTTL(ctx, cooldownKeyPrefix+phone, "1", m.config.Cooldown); err != nil {
		return IssueResult{}, fmt.Errorf("set cooldown: %w", err)
	}

	res := IssueResult{ExpiresIn: m.config.CodeTTL}
	if m.config.RevealCodes {
		res.DevCode = code
	}
	return res, nil
}

// VerifyCode checks a submitted code against the live challenge. On success
// the whole challenge state is cleared and the canonical phone is returned
// for the login handoff.
func (m *Manager) VerifyCode(ctx context.Context, phone, submitted string) (string, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return "", err
	}

	// Attempts are counted before the expiry check on purpose: a guess
	// against an expired or consumed challenge still spends quota, which
	// closes a timing side-channel on challenge existence.
	ttl, err := m.store.GetTTL(ctx, codeKeyPrefix+phone)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("code ttl: %w", err)
	}
	if ttl <= 0 {
		ttl = m.config.CodeTTL
	}

	attempts, err := m.store.IncrWithTTL(ctx, attemptKeyPrefix+phone, ttl)
	if err != nil {
		return "", fmt.Errorf("count attempt: %w", err)
	}
	if attempts >= int64(m.config.MaxAttempts) {
		// Burn the challenge: brute force is bounded by the ceiling no
		// matter how long the code would otherwise live.
		if err := m.store.Delete(ctx, codeKeyPrefix+phone, attemptKeyPrefix+phone); err != nil {
			return "", fmt.Errorf("burn challenge: %w", err)
		}
		return "", ErrTooManyAttempts
	}

	stored, err := m.store.Get(ctx, codeKeyPrefix+phone)
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrCodeExpired
	}
	if err != nil {
		return "", fmt.Errorf("fetch code: %w", err)
	}

	provided := hashCode(phone, submitted, m.config.Salt)
	if subtle.ConstantTimeCompare([]byte(stored), []byte(provided)) != 1 {
		return "", &InvalidCodeError{AttemptsRemaining: m.config.MaxAttempts - int(attempts)}
	}

	// Clear everything now rather than waiting out the TTLs, so the code
	// cannot be replayed before it would have expired.
	if err := m.store.Delete(ctx, codeKeyPrefix+phone, attemptKeyPrefix+phone, cooldownKeyPrefix+phone); err != nil {
		return "", fmt.Errorf("clear challenge: %w", err)
	}
	return phone, nil
}

// GenerateCode returns a cryptographically random 6-digit numeric code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// hashCode returns SHA-256(phone:code:salt) as hex. Codes are compared as
// strings through their hashes; nothing ever coerces them to integers.
func hashCode(phone, code, salt string) string {
	sum := sha256.Sum256([]byte(phone + ":" + code + ":" + salt))
	return hex.EncodeToString(sum[:])
}
