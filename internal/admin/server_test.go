package admin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"kvrepair/internal/config"
	"kvrepair/internal/fanout"
	"kvrepair/internal/injection"
	"kvrepair/internal/logging"
	"kvrepair/internal/node"
	"kvrepair/internal/repair"
	"kvrepair/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *node.Node) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Node.ID = "n1"
	cfg.Node.ListenAddr = "n1"
	cfg.Cluster.ReplicationFactor = 1
	cfg.Gossip = config.GossipConfig{ProbeInterval: "1h", SuspectAfter: "24h", DeadAfter: "48h"}
	cfg.Hints.ReplayInterval = "1h"
	cfg.Schema = []config.KeyspaceConfig{{Name: "ks", Tables: []config.TableConfig{{Name: "tbl"}}}}

	tr := node.NewInProcessTransport()
	n, err := node.New(node.Options{Config: cfg, Transport: tr, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	tr.Register(n)
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Stop)
	return NewServer("127.0.0.1:0", n, WithLogger(logging.Discard())), n
}

func do(t *testing.T, s *Server, method, path, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
	}
	return resp.StatusCode
}

func TestAdmin_Config(t *testing.T) {
	s, _ := newTestServer(t)

	var rows []config.Row
	if code := do(t, s, http.MethodGet, "/v2/config", "", &rows); code != http.StatusOK || len(rows) == 0 {
		t.Fatalf("list config: code=%d rows=%d", code, len(rows))
	}

	var row config.Row
	code := do(t, s, http.MethodPost, "/v2/config/"+config.ItemCompactForStreaming, `{"value":"0"}`, &row)
	if code != http.StatusOK || row.Value != "false" || row.Source != "cql" {
		t.Fatalf("update: code=%d row=%+v", code, row)
	}
	if code := do(t, s, http.MethodGet, "/v2/config/"+config.ItemCompactForStreaming, "", &row); code != http.StatusOK || row.Value != "false" {
		t.Fatalf("select: code=%d row=%+v", code, row)
	}
	if code := do(t, s, http.MethodPost, "/v2/config/"+config.ItemNumTokens, `{"value":"3"}`, nil); code != http.StatusConflict {
		t.Fatalf("non-live update: expected 409, got %d", code)
	}
	if code := do(t, s, http.MethodGet, "/v2/config/nope", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown item: expected 404, got %d", code)
	}
	if code := do(t, s, http.MethodPost, "/v2/config/"+config.ItemCompactForStreaming, `{"value":"maybe"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("bad value: expected 400, got %d", code)
	}
}

func TestAdmin_Injection(t *testing.T) {
	s, n := newTestServer(t)
	path := "/v2/error_injection/injection/" + injection.MaybeCompactForStreaming

	var st injection.State
	if code := do(t, s, http.MethodPost, path, `{"one_shot":false}`, &st); code != http.StatusOK || !st.Enabled {
		t.Fatalf("enable: code=%d state=%+v", code, st)
	}
	if _, err := n.Repair(context.Background(), "ks", "tbl"); err != nil {
		t.Fatal(err)
	}
	if code := do(t, s, http.MethodGet, path, "", &st); code != http.StatusOK {
		t.Fatalf("get: code=%d", code)
	}
	if st.Parameters["compaction_enabled"] != "true" || st.Parameters["compaction_can_gc"] != "false" {
		t.Fatalf("unexpected parameters %+v", st.Parameters)
	}
	if code := do(t, s, http.MethodDelete, path, "", nil); code != http.StatusNoContent {
		t.Fatalf("disable: code=%d", code)
	}
	if n.Injection().Enabled(injection.MaybeCompactForStreaming) {
		t.Fatal("injection still enabled")
	}
}

func TestAdmin_RepairJob(t *testing.T) {
	s, _ := newTestServer(t)

	var st repair.Status
	if code := do(t, s, http.MethodPost, "/storage_service/repair/ks/tbl?wait=true", "", &st); code != http.StatusOK {
		t.Fatalf("sync repair: code=%d", code)
	}
	if st.State != repair.StateCompleted.String() {
		t.Fatalf("unexpected status %+v", st)
	}
	if code := do(t, s, http.MethodGet, "/storage_service/repair/1", "", &st); code != http.StatusOK || st.ID != 1 {
		t.Fatalf("status: code=%d st=%+v", code, st)
	}
	if code := do(t, s, http.MethodGet, "/storage_service/repair/99", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown job: expected 404, got %d", code)
	}
	if code := do(t, s, http.MethodGet, "/storage_service/repair/x", "", nil); code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", code)
	}
	if code := do(t, s, http.MethodPost, "/storage_service/repair/ks/nope", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown table: expected 404, got %d", code)
	}

	var started struct {
		ID int64 `json:"id"`
	}
	if code := do(t, s, http.MethodPost, "/storage_service/repair/ks/tbl", "", &started); code != http.StatusAccepted || started.ID != 2 {
		t.Fatalf("async repair: code=%d id=%d", code, started.ID)
	}
}

func TestAdmin_FlushCompactionAndFragments(t *testing.T) {
	s, n := newTestServer(t)
	ctx := context.Background()
	if err := n.Insert(ctx, "ks", "tbl", "p", "c", "v", fanout.One); err != nil {
		t.Fatal(err)
	}

	var flushed map[string]int
	if code := do(t, s, http.MethodPost, "/storage_service/keyspace_flush/ks", "", &flushed); code != http.StatusOK || flushed["flushed"] != 1 {
		t.Fatalf("flush: code=%d body=%+v", code, flushed)
	}
	var stats map[string]storage.CompactionStats
	if code := do(t, s, http.MethodPost, "/storage_service/keyspace_compaction/ks", "", &stats); code != http.StatusOK {
		t.Fatalf("compaction: code=%d", code)
	}
	if stats["tbl"].PartitionsLeft != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	var frags []storage.MutationFragment
	if code := do(t, s, http.MethodGet, "/storage_service/mutation_fragments/ks/tbl/p", "", &frags); code != http.StatusOK {
		t.Fatalf("fragments: code=%d", code)
	}
	if len(frags) != 3 || frags[1].Kind != storage.FragmentClusteringRow {
		t.Fatalf("unexpected fragments %+v", frags)
	}
	if code := do(t, s, http.MethodPost, "/storage_service/keyspace_flush/nope", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown keyspace: expected 404, got %d", code)
	}
}

func TestAdmin_Metrics(t *testing.T) {
	s, n := newTestServer(t)
	if _, err := n.Repair(context.Background(), "ks", "tbl"); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "kvrepair_repair_sessions_total") {
		t.Fatalf("metrics: code=%d", resp.StatusCode)
	}
}
