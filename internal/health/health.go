package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the reachability probe of the primary store. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is a named probe of one additional dependency (queue, cache).
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type Status struct {
	OK     bool              `json:"ok"`
	Checks map[string]string `json:"checks"`
}

// HTTPHandler returns an HTTP handler that reports service health: the
// database ping plus any extra dependency checks, each bounded by a short
// timeout. Any failing check makes the whole response 503.
func HTTPHandler(db Pinger, extra ...Check) http.HandlerFunc {
	checks := make([]Check, 0, 1+len(extra))
	if db != nil {
		checks = append(checks, Check{Name: "database", Probe: db.Ping})
	}
	checks = append(checks, extra...)

	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Checks: make(map[string]string, len(checks))}

		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			err := c.Probe(ctx)
			cancel()
			if err != nil {
				st.OK = false
				st.Checks[c.Name] = err.Error()
				continue
			}
			st.Checks[c.Name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
