package app

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

// testLogger creates a discard logger for tests
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func clearEnv() {
	for _, key := range []string{
		"PULSE_WS_URL", "PULSE_ADDR", "PULSE_PRODUCTS", "PULSE_BATCH_INTERVAL",
		"PULSE_MAX_RECONNECT", "PULSE_RECONNECT_DELAY", "PULSE_STALE_AFTER",
	} {
		_ = os.Unsetenv(key)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Expected no error with empty environment, got: %v", err)
	}

	if cfg.WSURL != "wss://advanced-trade-ws.coinbase.com" {
		t.Errorf("Unexpected default WS URL: %s", cfg.WSURL)
	}
	if cfg.Addr != "localhost:8080" {
		t.Errorf("Unexpected default addr: %s", cfg.Addr)
	}
	if len(cfg.Products) != 2 || cfg.Products[0] != "BTC-USD" {
		t.Errorf("Unexpected default products: %v", cfg.Products)
	}
	if cfg.BatchInterval != 100*time.Millisecond {
		t.Errorf("Unexpected default batch interval: %s", cfg.BatchInterval)
	}
	if cfg.MaxReconnect != 5 {
		t.Errorf("Unexpected default max reconnect: %d", cfg.MaxReconnect)
	}
	if cfg.ReconnectDelay != 3*time.Second {
		t.Errorf("Unexpected default reconnect delay: %s", cfg.ReconnectDelay)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearEnv()
	_ = os.Setenv("PULSE_WS_URL", "ws://localhost:9000/stream")
	_ = os.Setenv("PULSE_PRODUCTS", "SOL-USD")
	_ = os.Setenv("PULSE_BATCH_INTERVAL", "50ms")
	defer clearEnv()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.WSURL != "ws://localhost:9000/stream" {
		t.Errorf("WS URL override not applied: %s", cfg.WSURL)
	}
	if len(cfg.Products) != 1 || cfg.Products[0] != "SOL-USD" {
		t.Errorf("Products override not applied: %v", cfg.Products)
	}
	if cfg.BatchInterval != 50*time.Millisecond {
		t.Errorf("Batch interval override not applied: %s", cfg.BatchInterval)
	}
}

func TestLoadConfig_RejectsNonWebsocketURL(t *testing.T) {
	clearEnv()
	_ = os.Setenv("PULSE_WS_URL", "https://example.com/stream")
	defer clearEnv()

	if _, err := LoadConfig(); err == nil {
		t.Error("Expected error for non-websocket URL scheme")
	}
}

func TestLoadConfig_RejectsZeroBatchInterval(t *testing.T) {
	clearEnv()
	_ = os.Setenv("PULSE_BATCH_INTERVAL", "0s")
	defer clearEnv()

	if _, err := LoadConfig(); err == nil {
		t.Error("Expected error for zero batch interval")
	}
}

func TestNew_WiresComponents(t *testing.T) {
	clearEnv()
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	application := New(cfg, testLogger())
	if application.Config != cfg {
		t.Error("Config not retained")
	}
	if application.feed == nil || application.batcher == nil || application.book == nil {
		t.Error("Core components not wired")
	}
	if application.tracker == nil || application.server == nil {
		t.Error("Tracker or HTTP surface not wired")
	}

	application.SetVersion("v1.2.3")
	if application.Version != "v1.2.3" {
		t.Errorf("Version not set: %s", application.Version)
	}
}
