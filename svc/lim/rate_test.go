package lim

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetRealIPWithoutProxies(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:4411"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	if got := GetRealIP(r, nil); got != "203.0.113.7" {
		t.Errorf("GetRealIP = %q, want remote addr (XFF from untrusted peer ignored)", got)
	}
}

func TestGetRealIPBehindTrustedProxy(t *testing.T) {
	trusted := []string{"10.0.0.0/8"}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.9")
	if got := GetRealIP(r, trusted); got != "198.51.100.1" {
		t.Errorf("GetRealIP = %q, want first untrusted hop", got)
	}
}

func TestGetRealIPSpoofedHeaderFromUntrustedRemote(t *testing.T) {
	trusted := []string{"10.0.0.1"}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:4411"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	if got := GetRealIP(r, trusted); got != "203.0.113.7" {
		t.Errorf("GetRealIP = %q, spoofed XFF should be ignored", got)
	}
}

func TestLocalFallbackBudget(t *testing.T) {
	l := New(60, 3, 3, nil, nil)
	defer l.Stop()

	r := httptest.NewRequest(http.MethodPost, "/api/pastes", nil)
	r.RemoteAddr = "203.0.113.7:4411"
	w := httptest.NewRecorder()

	allowed := 0
	for i := 0; i < 10; i++ {
		res := l.CheckLimit(w, r, "create")
		if res.Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d, want burst of 3 without redis", allowed)
	}
}

func TestLocalFallbackIsPerIP(t *testing.T) {
	l := New(60, 1, 1, nil, nil)
	defer l.Stop()
	w := httptest.NewRecorder()

	a := httptest.NewRequest(http.MethodPost, "/api/pastes", nil)
	a.RemoteAddr = "203.0.113.7:4411"
	b := httptest.NewRequest(http.MethodPost, "/api/pastes", nil)
	b.RemoteAddr = "203.0.113.8:4411"

	if !l.CheckLimit(w, a, "create").Allowed {
		t.Fatal("first request from A rejected")
	}
	if l.CheckLimit(w, a, "create").Allowed {
		t.Error("second request from A allowed past burst")
	}
	if !l.CheckLimit(w, b, "create").Allowed {
		t.Error("request from B rejected by A's bucket")
	}
}

func TestAdaptiveModeHalvesLimit(t *testing.T) {
	l := New(60, 10, 10, nil, nil)
	defer l.Stop()
	l.TriggerAdaptiveMode()

	r := httptest.NewRequest(http.MethodGet, "/api/pastes/x", nil)
	r.RemoteAddr = "203.0.113.9:4411"
	res := l.CheckLimit(httptest.NewRecorder(), r, "read")
	if res.Limit != 5 {
		t.Errorf("adaptive limit = %d, want 5", res.Limit)
	}
}

func TestAnomalyDetectorTriggers(t *testing.T) {
	fired := false
	d := NewAnomalyDetector(func() { fired = true })
	for i := 0; i < 100; i++ {
		d.RecordRequest()
	}
	for i := 0; i < 10; i++ {
		d.RecordError()
	}
	d.AdvanceWindow()
	if !fired {
		t.Error("10 percent error rate did not trigger anomaly callback")
	}
}

func TestAnomalyDetectorIgnoresQuietPeriods(t *testing.T) {
	fired := false
	d := NewAnomalyDetector(func() { fired = true })
	d.RecordRequest()
	d.RecordError()
	d.AdvanceWindow()
	if fired {
		t.Error("anomaly fired below the minimum request floor")
	}
}
