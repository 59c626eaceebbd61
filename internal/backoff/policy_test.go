package backoff

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{
			name:   "valid fixed policy",
			policy: Policy{Family: FamilyFixed, DelayMS: 5000},
		},
		{
			name:    "fixed policy without delay",
			policy:  Policy{Family: FamilyFixed},
			wantErr: true,
		},
		{
			name:   "valid exponential policy",
			policy: Policy{Family: FamilyExponential, BaseMS: 1000, Growth: 4, CeilingMS: 600000},
		},
		{
			name:    "exponential policy without base",
			policy:  Policy{Family: FamilyExponential, Growth: 2, CeilingMS: 60000},
			wantErr: true,
		},
		{
			name:    "exponential policy with shrinking growth",
			policy:  Policy{Family: FamilyExponential, BaseMS: 1000, Growth: 0.5, CeilingMS: 60000},
			wantErr: true,
		},
		{
			name:    "exponential ceiling below base",
			policy:  Policy{Family: FamilyExponential, BaseMS: 5000, Growth: 2, CeilingMS: 1000},
			wantErr: true,
		},
		{
			name:    "unknown family",
			policy:  Policy{Family: "linear", DelayMS: 1000},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "valid exponential document",
			raw:  `{"family":"exponential","base_ms":1000,"growth":4,"ceiling_ms":600000}`,
		},
		{
			name: "valid fixed document",
			raw:  `{"family":"fixed","delay_ms":30000}`,
		},
		{
			name:    "invalid JSON",
			raw:     `{"family":`,
			wantErr: true,
		},
		{
			name:    "valid JSON, invalid policy",
			raw:     `{"family":"fixed"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDelayFixed(t *testing.T) {
	p := Policy{Family: FamilyFixed, DelayMS: 30000}
	for _, attempt := range []int{1, 2, 5, 100} {
		if got := p.Delay(attempt); got != 30*time.Second {
			t.Errorf("Delay(%d) = %v, want 30s", attempt, got)
		}
	}
}

func TestDelayExponential(t *testing.T) {
	p := Policy{Family: FamilyExponential, BaseMS: 1000, Growth: 4, CeilingMS: 600000}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 4 * time.Second},
		{3, 16 * time.Second},
		{4, 64 * time.Second},
		{5, 256 * time.Second},
		{6, 600 * time.Second}, // capped
		{50, 600 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayMonotone(t *testing.T) {
	p := Default()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 30; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %v decreased below %v", attempt, d, prev)
		}
		if d > time.Duration(p.CeilingMS)*time.Millisecond {
			t.Fatalf("Delay(%d) = %v exceeds ceiling", attempt, d)
		}
		prev = d
	}
}

func TestJitteredBounds(t *testing.T) {
	p := Policy{Family: FamilyFixed, DelayMS: 10000}
	base := p.Delay(1)
	lo := time.Duration(float64(base) * 0.75)
	hi := time.Duration(float64(base) * 1.25)

	for i := 0; i < 200; i++ {
		d := p.Jittered(1, 0.25)
		if d < lo || d > hi {
			t.Fatalf("Jittered() = %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestJitteredZeroPct(t *testing.T) {
	p := Policy{Family: FamilyFixed, DelayMS: 10000}
	if got := p.Jittered(1, 0); got != p.Delay(1) {
		t.Errorf("Jittered(1, 0) = %v, want %v", got, p.Delay(1))
	}
}
