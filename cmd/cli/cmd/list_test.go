package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"srmjobs/pkg/api"
)

func runList(t *testing.T, serverURL string, args ...string) string {
	t.Helper()
	resetViper()
	resetFlags(listCmd)
	viper.Set("url", serverURL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs(append([]string{"list"}, args...))

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return stdout.String()
}

func TestListCommand_Filters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("type") != "get" || q.Get("owner") != "alice" || q.Get("limit") != "5" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if !slices.Equal(q["state"], []string{"queued", "running"}) {
			t.Errorf("unexpected states: %v", q["state"])
		}
		json.NewEncoder(w).Encode(api.ListResponse{IDs: []int64{30, 20}})
	}))
	defer server.Close()

	output := runList(t, server.URL, "--type", "get", "--owner", "alice", "--state", "queued,running", "--limit", "5")

	if !strings.Contains(output, "30\n20\n") {
		t.Errorf("expected ids one per line, got: %s", output)
	}
}

func TestListCommand_NoFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("expected no query, got %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(api.ListResponse{IDs: []int64{}})
	}))
	defer server.Close()

	output := runList(t, server.URL)

	if !strings.Contains(output, "No requests found") {
		t.Errorf("expected empty message, got: %s", output)
	}
}

func TestListCommand_BadState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: `unknown job state "SLEEPING"`})
	}))
	defer server.Close()

	output := runList(t, server.URL, "--state", "sleeping")

	if !strings.Contains(output, "List failed (400)") {
		t.Errorf("expected 400 error, got: %s", output)
	}
}
