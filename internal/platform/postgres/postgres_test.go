package postgres

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.ConnectAttempts != 5 || cfg.MaxOpenConns != 20 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	t.Setenv("REELFORGE_DATABASE_MAX_OPEN_CONNS", "2")
	t.Setenv("REELFORGE_DATABASE_MAX_IDLE_CONNS", "3")
	t.Setenv("REELFORGE_DATABASE_CONNECT_ATTEMPTS", "0")
	_, err := ConfigFromEnv()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"MAX_IDLE_CONNS", "CONNECT_ATTEMPTS"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestOpenRejectsMalformedURL(t *testing.T) {
	cfg := Config{URL: "postgres://%zz", PingTimeout: time.Second, ConnectAttempts: 1, MaxOpenConns: 1}
	if _, err := Open(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "REELFORGE_DATABASE_URL") {
		t.Fatalf("expected url parse error, got %v", err)
	}
}
