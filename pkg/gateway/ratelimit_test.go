package gateway

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestLoginLimiter_ExhaustsBudget(t *testing.T) {
	rl := NewLoginLimiter(&LoginRateConfig{
		AttemptsPerWindow: 2,
		WindowDuration:    time.Minute,
		BurstSize:         1,
	})

	for i := 0; i < 3; i++ {
		if !rl.Allow("ip:203.0.113.7") {
			t.Fatalf("Attempt %d should have been allowed", i+1)
		}
	}
	if rl.Allow("ip:203.0.113.7") {
		t.Error("Expected the fourth attempt to be denied")
	}

	// A different key has its own budget.
	if !rl.Allow("ip:198.51.100.9") {
		t.Error("Expected a fresh key to be allowed")
	}
}

func TestLoginLimiter_RefillsOneTokenPerInterval(t *testing.T) {
	rl := NewLoginLimiter(&LoginRateConfig{
		AttemptsPerWindow: 4,
		WindowDuration:    400 * time.Millisecond,
		BurstSize:         0,
	})

	key := "ip:203.0.113.7"
	for i := 0; i < 4; i++ {
		if !rl.Allow(key) {
			t.Fatalf("Attempt %d should have been allowed", i+1)
		}
	}
	if rl.Allow(key) {
		t.Fatal("Expected an empty bucket to deny")
	}

	// Tokens accrue one per WindowDuration/AttemptsPerWindow (100ms here)
	time.Sleep(150 * time.Millisecond)
	if !rl.Allow(key) {
		t.Error("Expected a token after the refill interval elapsed")
	}
	if rl.Allow(key) {
		t.Error("Expected only one token to have accrued")
	}
}

func TestLoginLimiter_Remaining(t *testing.T) {
	rl := NewLoginLimiter(&LoginRateConfig{
		AttemptsPerWindow: 5,
		WindowDuration:    time.Minute,
		BurstSize:         0,
	})

	if got := rl.Remaining("ip:203.0.113.7"); got != 5 {
		t.Errorf("Expected 5 remaining for an unseen key, got %d", got)
	}

	rl.Allow("ip:203.0.113.7")
	rl.Allow("ip:203.0.113.7")
	if got := rl.Remaining("ip:203.0.113.7"); got != 3 {
		t.Errorf("Expected 3 remaining, got %d", got)
	}
}

func TestLoginLimiter_CleanupDropsStaleBuckets(t *testing.T) {
	rl := NewLoginLimiter(&LoginRateConfig{
		AttemptsPerWindow: 5,
		WindowDuration:    10 * time.Millisecond,
		BurstSize:         0,
	})

	rl.Allow("ip:203.0.113.7")
	time.Sleep(30 * time.Millisecond)
	rl.Cleanup()

	rl.mu.RLock()
	_, exists := rl.buckets["ip:203.0.113.7"]
	rl.mu.RUnlock()
	if exists {
		t.Error("Expected stale bucket to be removed")
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name      string
		forwarded string
		realIP    string
		remote    string
		want      string
	}{
		{"forwarded single", "198.51.100.9", "", "10.0.0.1:1234", "198.51.100.9"},
		{"forwarded chain takes first hop", "198.51.100.9, 10.0.0.2", "", "10.0.0.1:1234", "198.51.100.9"},
		{"real ip fallback", "", "198.51.100.10", "10.0.0.1:1234", "198.51.100.10"},
		{"remote addr fallback", "", "", "10.0.0.1:1234", "10.0.0.1:1234"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			r.RemoteAddr = tc.remote

			if got := clientIP(r); got != tc.want {
				t.Errorf("clientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
