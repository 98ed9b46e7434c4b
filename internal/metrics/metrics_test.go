package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveInbound("accepted")
	m.ObservePin("followed", nil)
	m.ObserveHeartbeat("sent", errors.New("x"))
	m.SetRegistrySize(3)
	m.ObserveEvicted(2)
	m.ObserveTraversalStop("end")
	m.ObserveTaskRestart("heartbeat")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestCountersAreExported(t *testing.T) {
	m := New()
	m.ObserveInbound("accepted")
	m.ObserveInbound("bad_signature")
	m.ObserveInbound("bad_signature")
	m.ObservePin("ambient", errors.New("offline"))
	m.SetRegistrySize(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`socialmesh_inbound_messages_total{outcome="accepted"} 1`,
		`socialmesh_inbound_messages_total{outcome="bad_signature"} 2`,
		`socialmesh_pins_total{reason="ambient",result="error"} 1`,
		`socialmesh_discovered_peers 7`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in exposition output", want)
		}
	}
}
