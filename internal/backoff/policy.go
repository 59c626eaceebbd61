package backoff

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Family identifies the shape of a retry backoff policy.
type Family string

const (
	FamilyFixed       Family = "fixed"
	FamilyExponential Family = "exponential"
)

// Policy is a retry backoff descriptor, chosen at subscription creation time
// and parsed exactly once. Durations are carried as milliseconds on the wire.
type Policy struct {
	Family Family `json:"family"`

	// fixed
	DelayMS int64 `json:"delay_ms,omitempty"`

	// exponential: delay(n) = min(ceiling, base * growth^(n-1))
	BaseMS    int64   `json:"base_ms,omitempty"`
	Growth    float64 `json:"growth,omitempty"`
	CeilingMS int64   `json:"ceiling_ms,omitempty"`
}

// Default is the policy applied when a subscription omits one. It mirrors the
// platform's historical 1s/4s/16s/... schedule capped at ten minutes.
func Default() Policy {
	return Policy{
		Family:    FamilyExponential,
		BaseMS:    1000,
		Growth:    4,
		CeilingMS: (10 * time.Minute).Milliseconds(),
	}
}

// Parse decodes and validates a policy document.
func Parse(raw []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("backoff: decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects malformed policies. Called at subscription write time so the
// worker never sees an unparseable spec.
func (p Policy) Validate() error {
	switch p.Family {
	case FamilyFixed:
		if p.DelayMS <= 0 {
			return fmt.Errorf("backoff: fixed policy requires delay_ms > 0, got %d", p.DelayMS)
		}
	case FamilyExponential:
		if p.BaseMS <= 0 {
			return fmt.Errorf("backoff: exponential policy requires base_ms > 0, got %d", p.BaseMS)
		}
		if p.Growth < 1 {
			return fmt.Errorf("backoff: exponential policy requires growth >= 1, got %g", p.Growth)
		}
		if p.CeilingMS < p.BaseMS {
			return fmt.Errorf("backoff: exponential ceiling_ms %d below base_ms %d", p.CeilingMS, p.BaseMS)
		}
	default:
		return fmt.Errorf("backoff: unknown policy family %q", p.Family)
	}
	return nil
}

// Delay returns the raw delay before retry number attempt (1-based), without
// jitter. Non-decreasing in attempt and never above the ceiling.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Family {
	case FamilyFixed:
		return time.Duration(p.DelayMS) * time.Millisecond
	case FamilyExponential:
		base := float64(p.BaseMS)
		ceiling := float64(p.CeilingMS)
		d := base * math.Pow(p.Growth, float64(attempt-1))
		if d > ceiling || math.IsInf(d, 1) {
			d = ceiling
		}
		return time.Duration(d) * time.Millisecond
	default:
		return time.Duration(p.DelayMS) * time.Millisecond
	}
}

// Jittered returns Delay(attempt) scaled by a random factor in
// [1-pct, 1+pct], floored at 10% of the base delay so the result stays positive.
func (p Policy) Jittered(attempt int, pct float64) time.Duration {
	d := p.Delay(attempt)
	if pct <= 0 {
		return d
	}
	j := 1 + (rand.Float64()*2-1)*pct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(d) * j)
}
