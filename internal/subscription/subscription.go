package subscription

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kestrelmail/hookrelay/internal/backoff"
)

// ErrNotFound is returned when a subscription does not exist for the given
// id and tenant.
var ErrNotFound = errors.New("subscription not found")

// ValidationError rejects bad input synchronously at create/update time.
// Nothing that fails validation is ever enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Subscription is one tenant's registered webhook endpoint plus its filter and
// retry policy. The secret is only populated on internal reads and on the
// create/rotate responses; management reads omit it.
type Subscription struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	URL         string         `json:"url"`
	Secret      string         `json:"secret,omitempty"`
	EventFilter []string       `json:"event_filter"`
	Status      Status         `json:"status"`
	BatchSize   int            `json:"batch_size"`
	MaxRetries  int            `json:"max_retries"`
	Backoff     backoff.Policy `json:"backoff"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Matches reports whether eventType is selected by the subscription's filter.
func (s Subscription) Matches(eventType string) bool {
	for _, pattern := range s.EventFilter {
		if MatchTag(pattern, eventType) {
			return true
		}
	}
	return false
}

// MatchTag checks an event type against one filter tag.
//
// Supported tags:
//
//	"message.delivered"  exact match
//	"message.*"          single-segment wildcard
//	"*"                  everything
func MatchTag(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	eventParts := strings.Split(eventType, ".")
	if len(patternParts) != len(eventParts) {
		return false
	}
	for i, pp := range patternParts {
		if pp == "*" {
			continue
		}
		if pp != eventParts[i] {
			return false
		}
	}
	return true
}

// ValidateURL rejects non-absolute and non-HTTP(S) endpoint URLs.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: fmt.Sprintf("scheme %q is not http or https", u.Scheme)}
	}
	if u.Host == "" {
		return &ValidationError{Field: "url", Reason: "missing host"}
	}
	return nil
}

// ValidateFilter rejects malformed event filters. An empty filter is rejected;
// subscribing to everything requires an explicit "*" tag.
func ValidateFilter(tags []string) error {
	if len(tags) == 0 {
		return &ValidationError{Field: "event_filter", Reason: "must contain at least one tag"}
	}
	for _, tag := range tags {
		if err := validateTag(tag); err != nil {
			return err
		}
	}
	return nil
}

func validateTag(tag string) error {
	if tag == "*" {
		return nil
	}
	if tag == "" || strings.TrimSpace(tag) != tag {
		return &ValidationError{Field: "event_filter", Reason: fmt.Sprintf("malformed tag %q", tag)}
	}
	for _, seg := range strings.Split(tag, ".") {
		if seg == "*" {
			continue
		}
		if seg == "" {
			return &ValidationError{Field: "event_filter", Reason: fmt.Sprintf("empty segment in tag %q", tag)}
		}
		for _, r := range seg {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
				return &ValidationError{Field: "event_filter", Reason: fmt.Sprintf("illegal character %q in tag %q", r, tag)}
			}
		}
	}
	return nil
}

// CreateParams carries the fields of a new subscription. Secret is optional;
// a random one is generated when empty. Backoff defaults when nil.
type CreateParams struct {
	TenantID    string
	URL         string
	Secret      string
	EventFilter []string
	BatchSize   int
	MaxRetries  int
	Backoff     *backoff.Policy
}

// UpdateParams carries a partial update. Nil fields are left untouched.
type UpdateParams struct {
	URL         *string
	EventFilter []string
	BatchSize   *int
	MaxRetries  *int
	Backoff     *backoff.Policy
}

func (p CreateParams) validate() error {
	if p.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if err := ValidateURL(p.URL); err != nil {
		return err
	}
	if err := ValidateFilter(p.EventFilter); err != nil {
		return err
	}
	if p.BatchSize < 1 {
		return &ValidationError{Field: "batch_size", Reason: "must be >= 1"}
	}
	if p.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Reason: "must be >= 0"}
	}
	if p.Backoff != nil {
		if err := p.Backoff.Validate(); err != nil {
			return &ValidationError{Field: "backoff", Reason: err.Error()}
		}
	}
	return nil
}

func (p UpdateParams) validate() error {
	if p.URL != nil {
		if err := ValidateURL(*p.URL); err != nil {
			return err
		}
	}
	if p.EventFilter != nil {
		if err := ValidateFilter(p.EventFilter); err != nil {
			return err
		}
	}
	if p.BatchSize != nil && *p.BatchSize < 1 {
		return &ValidationError{Field: "batch_size", Reason: "must be >= 1"}
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Reason: "must be >= 0"}
	}
	if p.Backoff != nil {
		if err := p.Backoff.Validate(); err != nil {
			return &ValidationError{Field: "backoff", Reason: err.Error()}
		}
	}
	return nil
}

// Redacted returns a copy safe for management API reads.
func (s Subscription) Redacted() Subscription {
	s.Secret = ""
	return s
}
