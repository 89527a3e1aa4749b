package metrics

import (
	"database/sql"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGatewayMetricsCounters(t *testing.T) {
	m := NewGatewayMetrics()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.FrameDropped("unknown_opcode")
	m.DispatchSent("MESSAGE_CREATE", 3)
	m.DispatchSent("MESSAGE_CREATE", 0)

	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Errorf("connections: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.framesDropped.WithLabelValues("unknown_opcode")); got != 1 {
		t.Errorf("frames dropped: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dispatchSent.WithLabelValues("MESSAGE_CREATE")); got != 3 {
		t.Errorf("dispatch sent: got %v, want 3", got)
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *GatewayMetrics
	m.ConnectionOpened()
	m.FrameReceived("HEARTBEAT")
	m.SendDropped()
}

func TestHandlerExposesGatewayMetrics(t *testing.T) {
	m := NewGatewayMetrics()
	m.Identified()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "gateway_identified_connections 1") {
		t.Fatalf("metrics output missing identified gauge:\n%s", body)
	}
}

func TestRegisterDBStats(t *testing.T) {
	db, err := sql.Open("pgx", "postgres://localhost:1/none")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(7)

	m := NewGatewayMetrics()
	m.RegisterDBStats(db, "discord_clone")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == "go_sql_max_open_connections" {
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 7 {
				t.Errorf("max open = %v, want 7", got)
			}
			return
		}
	}
	t.Error("db stats not collected")
}
