package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestApplicationServesMetrics(t *testing.T) {
	app, err := NewApplication("gateway-test")
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	engine := app.EnableHTTP().GetEngine()
	if app.EnableHTTP().GetEngine() != engine {
		t.Fatal("EnableHTTP created a second server")
	}

	app.GetMetrics().ConnectionOpened()
	app.GetMetrics().Identified()

	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "gateway_identified_connections 1") {
		t.Errorf("metrics output missing identified gauge:\n%s", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("logging middleware did not set a request id")
	}
}

func TestApplicationOptionalInfrastructure(t *testing.T) {
	app, err := NewApplication("gateway-test")
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}

	mongo, err := app.GetMongoDB(context.Background())
	if err != nil || mongo != nil {
		t.Errorf("GetMongoDB = %v, %v; want nil when disabled", mongo, err)
	}
	producer, err := app.GetKafkaProducer()
	if err != nil || producer != nil {
		t.Errorf("GetKafkaProducer = %v, %v; want nil when disabled", producer, err)
	}
	if app.GetTracerProvider() != nil {
		t.Error("telemetry should be off by default")
	}
}

func TestApplicationReadiness(t *testing.T) {
	app, err := NewApplication("gateway-test")
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	engine := app.EnableHTTP().GetEngine()

	get := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
		return rr
	}

	if rr := get(); rr.Code != http.StatusOK {
		t.Fatalf("no dependencies: status = %d", rr.Code)
	}

	app.readiness = append(app.readiness, readinessCheck{"redis", func(context.Context) error {
		return errors.New("connection refused")
	}})
	rr := get()
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing dependency: status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"redis":"connection refused"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}
