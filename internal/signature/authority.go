// Package signature issues and checks the short-lived tokens that bind an
// order payload to a risk PASS decision.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/order"
	"execution-core/internal/risk"
)

const (
	// Prefix marks a token minted after a PASS decision.
	Prefix = "RISK_PASS"

	DefaultTTL  = 5 * time.Second
	DefaultSkew = time.Second

	issuedAtLayout = "2006-01-02T15:04:05.000Z07:00"
)

var (
	ErrNotAuthorized      = errors.New("signature: risk decision is not PASS")
	ErrExpired            = errors.New("signature: token expired")
	ErrChecksumMismatch   = errors.New("signature: checksum mismatch")
	ErrMalformedSignature = errors.New("signature: malformed token")
	ErrEmptySecret        = errors.New("signature: empty secret")
)

// Authority signs and verifies orders with a shared secret. It holds no
// mutable state and is safe for concurrent use.
type Authority struct {
	secret []byte
	epoch  int
	ttl    time.Duration
	skew   time.Duration
	now    func() time.Time
}

// Option customises an Authority.
type Option func(*Authority)

// WithTTL sets the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithPolicyEpoch mixes the risk policy generation into every checksum so
// tokens minted under an older policy no longer verify.
func WithPolicyEpoch(epoch int) Option {
	return func(a *Authority) { a.epoch = epoch }
}

// WithClockSkew bounds how far in the future issued_at may lie.
func WithClockSkew(d time.Duration) Option {
	return func(a *Authority) {
		if d >= 0 {
			a.skew = d
		}
	}
}

// WithClock replaces time.Now. The brain passes a clock corrected by the
// measured gateway offset.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// New builds an Authority around secret.
func New(secret []byte, opts ...Option) (*Authority, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	a := &Authority{
		secret: append([]byte(nil), secret...),
		epoch:  1,
		ttl:    DefaultTTL,
		skew:   DefaultSkew,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// TTL returns the configured token lifetime.
func (a *Authority) TTL() time.Duration { return a.ttl }

// Sign mints a token for o. Only a PASS decision is signable.
func (a *Authority) Sign(o order.Order, decision risk.Decision) (order.SignedOrder, error) {
	if decision != risk.Pass {
		return order.SignedOrder{}, ErrNotAuthorized
	}
	issuedAt := a.now().UTC().Format(issuedAtLayout)
	sum := a.checksum(o, issuedAt)
	return order.SignedOrder{
		Order:      o,
		Signature:  Prefix + ":" + sum + ":" + issuedAt,
		TTLSeconds: int(a.ttl / time.Second),
	}, nil
}

// Verify checks token shape, age and checksum, in that order. An expired
// token is rejected before its checksum is looked at.
func (a *Authority) Verify(s order.SignedOrder) (bool, error) {
	return a.VerifyAt(s, a.now())
}

// VerifyAt is Verify against an explicit instant.
func (a *Authority) VerifyAt(s order.SignedOrder, now time.Time) (bool, error) {
	sum, issuedRaw, issuedAt, err := Parse(s.Signature)
	if err != nil {
		return false, err
	}

	ttl := a.ttl
	if s.TTLSeconds > 0 {
		if own := time.Duration(s.TTLSeconds) * time.Second; own < ttl {
			ttl = own
		}
	}
	age := now.Sub(issuedAt)
	if age > ttl {
		return false, fmt.Errorf("%w: age %s exceeds %s", ErrExpired, age.Truncate(time.Millisecond), ttl)
	}
	if age < -a.skew {
		return false, fmt.Errorf("%w: issued %s in the future", ErrExpired, (-age).Truncate(time.Millisecond))
	}

	want := a.checksum(s.Order, issuedRaw)
	if !hmac.Equal([]byte(sum), []byte(want)) {
		return false, ErrChecksumMismatch
	}
	return true, nil
}

// Parse splits a token into checksum, raw issued_at and parsed issued_at.
func Parse(sig string) (string, string, time.Time, error) {
	parts := strings.SplitN(sig, ":", 3)
	if len(parts) != 3 || parts[0] != Prefix {
		return "", "", time.Time{}, ErrMalformedSignature
	}
	sum, raw := parts[1], parts[2]
	if len(sum) != sha256.Size*2 {
		return "", "", time.Time{}, ErrMalformedSignature
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", "", time.Time{}, ErrMalformedSignature
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: issued_at: %v", ErrMalformedSignature, err)
	}
	return sum, raw, issuedAt, nil
}

func (a *Authority) checksum(o order.Order, issuedAt string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(Canonical(o)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(string(risk.Pass) + "|" + strconv.Itoa(a.epoch) + "|" + issuedAt))
	return hex.EncodeToString(mac.Sum(nil))
}

// Canonical renders the order fields covered by the checksum. Numbers go
// through decimal so both ends print them identically.
func Canonical(o order.Order) string {
	num := func(v float64) string { return decimal.NewFromFloat(v).String() }
	return strings.Join([]string{
		o.ID,
		o.Symbol,
		string(o.Side),
		num(o.Volume),
		num(o.StopLoss),
		num(o.TakeProfit),
		o.Comment,
		o.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
}
