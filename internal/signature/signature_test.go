package signature

import (
	"strings"
	"testing"
)

func TestSignFormat(t *testing.T) {
	sig := Sign([]byte("secret"), []byte(`{"id":"ev_1"}`), "1700000000")
	if !strings.HasPrefix(sig, Prefix) {
		t.Errorf("Sign() = %q, want %q prefix", sig, Prefix)
	}
	// sha256= + 64 hex chars
	if len(sig) != len(Prefix)+64 {
		t.Errorf("Sign() length = %d, want %d", len(sig), len(Prefix)+64)
	}
}

func TestSignDeterministic(t *testing.T) {
	a := Sign([]byte("secret"), []byte("body"), "123")
	b := Sign([]byte("secret"), []byte("body"), "123")
	if a != b {
		t.Errorf("Sign() not deterministic: %q vs %q", a, b)
	}
}

func TestVerify(t *testing.T) {
	secret := []byte("s3cr3t")
	body := []byte(`[{"id":"ev_1"},{"id":"ev_2"}]`)
	ts := "1700000000"
	sig := Sign(secret, body, ts)

	tests := []struct {
		name   string
		secret []byte
		body   []byte
		ts     string
		header string
		want   bool
	}{
		{
			name:   "valid signature",
			secret: secret, body: body, ts: ts, header: sig,
			want: true,
		},
		{
			name:   "wrong secret",
			secret: []byte("other"), body: body, ts: ts, header: sig,
			want: false,
		},
		{
			name:   "tampered body",
			secret: secret, body: []byte(`[{"id":"ev_X"}]`), ts: ts, header: sig,
			want: false,
		},
		{
			name:   "tampered timestamp",
			secret: secret, body: body, ts: "1700009999", header: sig,
			want: false,
		},
		{
			name:   "missing prefix",
			secret: secret, body: body, ts: ts, header: strings.TrimPrefix(sig, Prefix),
			want: false,
		},
		{
			name:   "not hex",
			secret: secret, body: body, ts: ts, header: Prefix + "zzzz",
			want: false,
		},
		{
			name:   "empty header",
			secret: secret, body: body, ts: ts, header: "",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.body, tt.ts, tt.header); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}
