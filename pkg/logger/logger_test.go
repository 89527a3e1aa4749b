package logger

import (
	"context"
	"testing"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsConnectionFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewWithZap(zap.New(core))

	ctx := WithConnectionID(WithUserID(context.Background(), "u1"), "c1")
	log.WithContext(ctx).Info(WithRequestID(ctx, "r1"), "identified", F("op", 2))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	for key, want := range map[string]interface{}{
		"user_id":       "u1",
		"connection_id": "c1",
		"request_id":    "r1",
		"op":            int64(2),
	} {
		if fields[key] != want {
			t.Errorf("field %s: got %v, want %v", key, fields[key], want)
		}
	}
}

func TestKratosLoggerBridgesLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	kl := NewKratosLogger(NewWithZap(zap.New(core)))

	kl.Log(kratoslog.LevelInfo, "msg", "servers started", "count", 2)
	kl.Log(kratoslog.LevelFatal, "msg", "broken")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "servers started" || entries[0].Level != zapcore.InfoLevel {
		t.Errorf("unexpected first entry: %+v", entries[0].Entry)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("fatal should map to error, got %s", entries[1].Level)
	}
}
