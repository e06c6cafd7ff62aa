package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

func TestMultiHandlerFansOutToEveryHandler(t *testing.T) {
	var bufA, bufB bytes.Buffer
	ha := slog.NewTextHandler(&bufA, &slog.HandlerOptions{Level: slog.LevelDebug})
	hb := slog.NewTextHandler(&bufB, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{ha, hb}})

	logger.Info("hello")

	if bufA.Len() == 0 {
		t.Fatal("expected handler A to receive the record")
	}
	if bufB.Len() == 0 {
		t.Fatal("expected handler B to receive the record")
	}
}

func TestMultiHandlerRespectsPerHandlerLevel(t *testing.T) {
	var bufDebug, bufInfo bytes.Buffer
	hDebug := slog.NewTextHandler(&bufDebug, &slog.HandlerOptions{Level: slog.LevelDebug})
	hInfo := slog.NewTextHandler(&bufInfo, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{hDebug, hInfo}})

	logger.Debug("only for the debug handler")

	if bufDebug.Len() == 0 {
		t.Fatal("expected the debug handler to receive a debug record")
	}
	if bufInfo.Len() != 0 {
		t.Fatal("the info-level handler should not have received a debug record")
	}
}

func TestMultiHandlerEnabledReflectsAnyHandler(t *testing.T) {
	m := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}}
	if !m.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("Enabled should be true if any handler accepts the level")
	}
	if m.Enabled(context.Background(), slog.LevelDebug-4) {
		t.Fatal("Enabled should be false if no handler accepts the level")
	}
}
