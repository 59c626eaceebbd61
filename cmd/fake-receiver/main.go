package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kestrelmail/hookrelay/internal/config"
	"github.com/kestrelmail/hookrelay/internal/signature"
)

// fake-receiver is a test endpoint for exercising deliveries end to end. It
// verifies signatures, can fail the first N requests to exercise retries, and
// can delay responses to exercise timeouts.

type receiver struct {
	cfg    config.Config
	mu     sync.Mutex
	reqNum int
}

func main() {
	cfg := config.FromEnv()
	rcv := &receiver{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rcv.handleHook)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

func (rcv *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	rcv.mu.Lock()
	rcv.reqNum++
	n := rcv.reqNum
	rcv.mu.Unlock()

	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if delay := rcv.cfg.FakeReceiver.ResponseDelayMS; delay > 0 {
		time.Sleep(time.Duration(delay) * time.Millisecond)
	}

	if secret := rcv.cfg.FakeReceiver.EndpointSecret; secret != "" {
		ts := r.Header.Get(rcv.cfg.API.TimestampHdr)
		sig := r.Header.Get(rcv.cfg.API.SignatureHdr)
		if ok, msg := rcv.verify(secret, b, ts, sig); !ok {
			log.Printf("fake-receiver failed to verify signature: %s", msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= rcv.cfg.FakeReceiver.FailFirstN {
		log.Printf("FAILING (%d/%d) %s delivery=%s body=%s",
			n, rcv.cfg.FakeReceiver.FailFirstN, r.URL.Path,
			r.Header.Get(rcv.cfg.API.DeliveryIDHdr), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s delivery=%s body=%q",
		r.URL.Path, r.Header.Get(rcv.cfg.API.DeliveryIDHdr), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rcv *receiver) verify(secret string, body []byte, ts, sig string) (bool, string) {
	if ts == "" || sig == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	// reject if timestamp is too old/new
	leeway := int64(rcv.cfg.FakeReceiver.LeewaySeconds)
	if abs64(time.Now().Unix()-unix) > leeway {
		return false, "timestamp too far from now (outside leeway)"
	}
	if !signature.Verify([]byte(secret), body, ts, sig) {
		return false, "sig mismatch"
	}
	return true, ""
}

// abs64 returns the absolute value of an int64
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
