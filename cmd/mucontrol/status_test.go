package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

// setTestConfig writes a minimal config.yaml pointing at addr and routes
// config loading to a temp home.
func setTestConfig(t *testing.T, addr string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("MU_HOME", home)
	yaml := "bind_addr: \"" + addr + "\"\n"
	if err := os.WriteFile(home+"/config.yaml", []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_DrainingServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"draining"}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setTestConfig(t, "127.0.0.1:18790")

	code := runStatusCommand(ctx, nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

func TestHealthzURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
		err  bool
	}{
		{"127.0.0.1:18790", "http://127.0.0.1:18790/healthz", false},
		{"", "http://127.0.0.1:18790/healthz", false},
		{"0.0.0.0:9000", "http://127.0.0.1:9000/healthz", false},
		{"[::]:9000", "http://127.0.0.1:9000/healthz", false},
		{"http://example.com:8080/", "http://example.com:8080/healthz", false},
		{"https://example.com", "https://example.com/healthz", false},
		{"no-port-here", "", true},
	}
	for _, tt := range tests {
		got, err := healthzURL(tt.addr)
		if (err != nil) != tt.err {
			t.Errorf("healthzURL(%q) err = %v, want err %v", tt.addr, err, tt.err)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("healthzURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
