// ABOUTME: Tests for the HTTP API: run listing, state retrieval, flow graphs, tool catalogs, and polling.
// ABOUTME: Drives the full server through httptest against a real workspace and fake batch client.
package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/2389-research/canis/batch"
)

func newTestServer(t *testing.T) (*httptest.Server, *Manager, *fakeBatch) {
	t.Helper()
	m, fake := newTestManager(t)
	ts := httptest.NewServer(NewServer(m))
	t.Cleanup(ts.Close)
	return ts, m, fake
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestServerListRuns(t *testing.T) {
	ts, m, _ := newTestServer(t)
	if _, err := m.Create("alpha"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Create("beta"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var rows []RunRow
	resp := getJSON(t, ts.URL+"/api/runs", &rows)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 runs, got %d", len(rows))
	}
}

func TestServerGetRun(t *testing.T) {
	ts, m, _ := newTestServer(t)
	created, _ := m.Create("alpha")

	var run Run
	resp := getJSON(t, ts.URL+"/api/runs/"+created.Name, &run)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if run.Name != created.Name || run.Status != RunCreated {
		t.Errorf("unexpected run: %+v", run)
	}

	resp = getJSON(t, ts.URL+"/api/runs/no_such_run", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", resp.StatusCode)
	}
}

func TestServerFlowAndEvents(t *testing.T) {
	ts, m, fake := newTestServer(t)
	runName := seededRun(t, m, fake)

	var flow Flow
	if resp := getJSON(t, ts.URL+"/api/runs/"+runName+"/flow", &flow); resp.StatusCode != http.StatusOK {
		t.Fatalf("flow status %d", resp.StatusCode)
	}
	if len(flow.Nodes) == 0 || len(flow.Edges) == 0 {
		t.Errorf("expected a populated flow graph: %+v", flow)
	}

	var events []Event
	if resp := getJSON(t, ts.URL+"/api/runs/"+runName+"/events", &events); resp.StatusCode != http.StatusOK {
		t.Fatalf("events status %d", resp.StatusCode)
	}
	if len(events) == 0 || events[0].Type != EventRunCreated {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestServerPoll(t *testing.T) {
	ts, m, fake := newTestServer(t)
	run, _ := m.Create("stories")
	if _, err := m.StartSeedStep(context.Background(), run.Name, writeSeedFile(t)); err != nil {
		t.Fatalf("StartSeedStep failed: %v", err)
	}
	fake.status = batch.StatusInProgress

	resp, err := http.Post(ts.URL+"/api/runs/"+run.Name+"/poll", "application/json", nil)
	if err != nil {
		t.Fatalf("POST poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status %d", resp.StatusCode)
	}
	var result PollResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode poll result: %v", err)
	}
	if result.StepStatus != StepInProgress {
		t.Errorf("unexpected poll result: %+v", result)
	}

	// Polling a non-running run conflicts.
	fresh, _ := m.Create("idle")
	resp2, err := http.Post(ts.URL+"/api/runs/"+fresh.Name+"/poll", "application/json", nil)
	if err != nil {
		t.Fatalf("POST poll: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Errorf("idle poll status = %d, want 409", resp2.StatusCode)
	}
}

func TestServerToolCatalog(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var catalog map[string][]string
	if resp := getJSON(t, ts.URL+"/api/tools", &catalog); resp.StatusCode != http.StatusOK {
		t.Fatalf("tools status %d", resp.StatusCode)
	}
	if len(catalog["code"]) == 0 || len(catalog["llm"]) == 0 || len(catalog["chip"]) == 0 {
		t.Errorf("incomplete catalog: %v", catalog)
	}
}
