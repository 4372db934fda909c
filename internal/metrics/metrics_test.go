package metrics

import (
	"testing"
	"time"

	"github.com/oremus-labs/ol-crawl-gateway/internal/relay"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRelayObserverTracksActiveSessions(t *testing.T) {
	obs := RelayObserver{}
	sess := relay.Session{Kind: "metrics-test", TaskID: "t1"}

	obs.SessionOpened(sess)
	if got := testutil.ToFloat64(relaySessionsActive.WithLabelValues("metrics-test")); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}

	obs.SessionClosed(sess, relay.Result{State: relay.StateClosedClean, Bytes: 42, Duration: time.Second})
	if got := testutil.ToFloat64(relaySessionsActive.WithLabelValues("metrics-test")); got != 0 {
		t.Fatalf("expected 0 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(relayBytesTotal.WithLabelValues("metrics-test")); got != 42 {
		t.Fatalf("expected 42 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(relaySessionsTotal.WithLabelValues("metrics-test", "closed_clean", "eof")); got != 1 {
		t.Fatalf("expected one clean session, got %v", got)
	}
}

func TestObserveUpstreamRequestBucketsStatus(t *testing.T) {
	ObserveUpstreamRequest("metrics-test", 503)
	ObserveUpstreamRequest("metrics-test", 0)

	if got := testutil.ToFloat64(upstreamRequestsTotal.WithLabelValues("metrics-test", "5xx")); got != 1 {
		t.Fatalf("expected one 5xx, got %v", got)
	}
	if got := testutil.ToFloat64(upstreamRequestsTotal.WithLabelValues("metrics-test", "unreachable")); got != 1 {
		t.Fatalf("expected one unreachable, got %v", got)
	}
}
