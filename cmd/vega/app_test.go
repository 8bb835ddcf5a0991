package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	vega "github.com/everydev1618/vegatree"
	"github.com/everydev1618/vegatree/internal/config"
	"github.com/everydev1618/vegatree/serve"
)

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		driver string
		path   string
	}{
		{config.DriverMemory, ""},
		{config.DriverSQLite, filepath.Join(dir, "vega.db")},
		{config.DriverBolt, filepath.Join(dir, "vega.bolt")},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			cfg := &config.Config{Store: config.StoreConfig{Driver: tt.driver, Path: tt.path}}
			s, err := openStore(cfg)
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			defer s.Close()
			if tt.path != "" {
				if _, err := os.Stat(tt.path); err != nil {
					t.Errorf("store file %s not created: %v", tt.path, err)
				}
			}
		})
	}
}

func TestAppOrchestratorLoadsProfiles(t *testing.T) {
	home := t.TempDir()
	t.Setenv("VEGA_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "profiles.yaml"), []byte(defaultProfilesYAML+`
  - name: scout
    capabilities: [external_api]
`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VEGA_STORE_DRIVER", "memory")
	t.Setenv("VEGA_PROFILES_PATH", "profiles.yaml")

	configPath = ""
	a, err := loadApp()
	if err != nil {
		t.Fatalf("loadApp() error = %v", err)
	}
	defer a.Close()

	orch, err := a.orchestrator(nil)
	if err != nil {
		t.Fatalf("orchestrator() error = %v", err)
	}
	p, ok := orch.Profiles()["scout"]
	if !ok {
		t.Fatal("profile scout not loaded")
	}
	if !p.Has(vega.CapExternalAPI) {
		t.Errorf("scout capabilities = %v, want external_api", p.Capabilities)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a longer prompt", 8, "a lon..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestServerURL(t *testing.T) {
	tests := []struct{ addr, want string }{
		{":3001", "http://localhost:3001"},
		{"127.0.0.1:8080", "http://127.0.0.1:8080"},
	}
	for _, tt := range tests {
		if got := serverURL(tt.addr); got != tt.want {
			t.Errorf("serverURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestPostServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/resume") {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"task is not paused"}`))
			return
		}
		w.Write([]byte(`{"status":"paused"}`))
	}))
	defer srv.Close()

	tasksServer = srv.URL
	defer func() { tasksServer = "" }()

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	var ok serve.StatusResponse
	if err := postServer(cmd, "/api/tasks/t1/pause", &ok); err != nil {
		t.Fatalf("postServer(pause) error = %v", err)
	}
	if ok.Status != "paused" {
		t.Errorf("Status = %q, want %q", ok.Status, "paused")
	}

	var resumed serve.TaskResponse
	err := postServer(cmd, "/api/tasks/t1/resume", &resumed)
	if err == nil || !strings.Contains(err.Error(), "task is not paused") {
		t.Errorf("postServer(resume) error = %v, want server message", err)
	}
}
