package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/liamcoop/rulestage/rulebooks"
)

const (
	highValueRulebook = "name: r1\nversion: \"1.0\"\nrules:\n  - name: flagHighValue\n    when: amount > 1000\n    then: [skip]\n"

	orderSchema = `{"type":"record","name":"etlSchemaBody","fields":[{"name":"id","type":"string"},{"name":"amount","type":"long"}]}`
)

func newTestServer(t *testing.T) string {
	t.Helper()
	server, err := NewServerWithStore(nil, rulebooks.NewInMemoryStore())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return ts.URL + "/api/v1"
}

func orderRecords() map[string]any {
	return map[string]any{
		"records": []map[string]any{
			{"id": "A1", "amount": 1500},
			{"id": "A2", "amount": 200},
		},
	}
}

func TestHealthInMemory(t *testing.T) {
	baseURL := newTestServer(t)

	health := makeRequest(t, "GET", baseURL+"/health", nil)
	if health["status"] != "healthy" || health["storage"] != "memory" {
		t.Errorf("unexpected health response: %v", health)
	}
}

func TestRulebookCRUD(t *testing.T) {
	baseURL := newTestServer(t)

	created := makeRequest(t, "POST", baseURL+"/rulebooks", map[string]any{"source": highValueRulebook})
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("Expected an id, got %v", created)
	}
	if created["name"] != "r1" || created["version"] != "1.0" || created["active"] != true {
		t.Errorf("unexpected created rulebook: %v", created)
	}

	got := makeRequest(t, "GET", baseURL+"/rulebooks/"+id, nil)
	if got["source"] != highValueRulebook {
		t.Errorf("source = %v, want the submitted source", got["source"])
	}

	list := makeRequest(t, "GET", baseURL+"/rulebooks", nil)
	if items, ok := list["rulebooks"].([]any); !ok || len(items) != 1 {
		t.Errorf("Expected 1 rulebook, got %v", list)
	}

	updated := makeRequest(t, "PUT", baseURL+"/rulebooks/"+id, map[string]any{
		"source": "name: r1\nversion: \"2.0\"\nrules:\n  - name: none\n    when: \"false\"\n    then: [skip]\n",
	})
	if updated["version"] != "2.0" {
		t.Errorf("version = %v, want 2.0", updated["version"])
	}

	expectStatus(t, "POST", baseURL+"/rulebooks", map[string]any{"source": "name: broken"}, http.StatusBadRequest)
	expectStatus(t, "POST", baseURL+"/rulebooks", map[string]any{}, http.StatusBadRequest)
	expectStatus(t, "PUT", baseURL+"/rulebooks/no-such-id", map[string]any{"source": highValueRulebook}, http.StatusNotFound)
	expectStatus(t, "GET", baseURL+"/rulebooks/not-a-uuid", nil, http.StatusNotFound)
	expectStatus(t, "DELETE", baseURL+"/rulebooks/"+id, nil, http.StatusNoContent)
	expectStatus(t, "GET", baseURL+"/rulebooks/"+id, nil, http.StatusNotFound)
	expectStatus(t, "DELETE", baseURL+"/rulebooks/"+id, nil, http.StatusNotFound)
}

func TestStageLifecycleAndTransform(t *testing.T) {
	baseURL := newTestServer(t)

	created := makeRequest(t, "POST", baseURL+"/stages", map[string]any{
		"name":     "orders",
		"rulebook": highValueRulebook,
		"schema":   orderSchema,
	})
	if created["rulebook"] != "r1" || created["schema"] != "etlSchemaBody" {
		t.Errorf("unexpected stage response: %v", created)
	}

	out := makeRequest(t, "POST", baseURL+"/stages/orders/transform", orderRecords())
	records, _ := out["records"].([]any)
	errs, _ := out["errors"].([]any)
	if len(records) != 1 || len(errs) != 1 {
		t.Fatalf("Expected 1 record and 1 error, got %v", out)
	}
	if rec := records[0].(map[string]any); rec["id"] != "A2" {
		t.Errorf("emitted record = %v, want A2", rec)
	}
	entry := errs[0].(map[string]any)
	if entry["code"] != float64(100) {
		t.Errorf("error code = %v, want 100", entry["code"])
	}
	if msg := entry["message"]; msg != "Fired rulebook 'r1', version '1.0', rule name 'flagHighValue', description '', condition {amount > 1000}." {
		t.Errorf("error message = %v", msg)
	}

	got := makeRequest(t, "GET", baseURL+"/stages/orders", nil)
	stats := got["stats"].(map[string]any)
	if stats["processed"] != float64(2) || stats["skipped"] != float64(1) {
		t.Errorf("unexpected stats: %v", stats)
	}

	metrics := makeRequest(t, "GET", baseURL+"/metrics", nil)
	if stages, ok := metrics["stages"].(map[string]any); !ok || stages["orders"] == nil {
		t.Errorf("metrics should report the orders stage: %v", metrics)
	}

	promResp, err := http.Get(strings.TrimSuffix(baseURL, "/api/v1") + "/metrics")
	if err != nil {
		t.Fatalf("Failed to scrape metrics: %v", err)
	}
	scraped, _ := io.ReadAll(promResp.Body)
	promResp.Body.Close()
	for _, want := range []string{"rulestage_rows_processed_total", `rulestage_batches_total{stage="orders"}`} {
		if !strings.Contains(string(scraped), want) {
			t.Errorf("/metrics should expose %s", want)
		}
	}

	list := makeRequest(t, "GET", baseURL+"/stages", nil)
	if names, ok := list["stages"].([]any); !ok || len(names) != 1 || names[0] != "orders" {
		t.Errorf("Expected [orders], got %v", list)
	}

	replaced := makeRequest(t, "PUT", baseURL+"/stages/orders", map[string]any{
		"rulebook": "name: r2\nversion: \"1\"\nrules:\n  - name: all\n    then: [skip]\n",
		"schema":   orderSchema,
	})
	if replaced["rulebook"] != "r2" {
		t.Errorf("rulebook after replace = %v, want r2", replaced["rulebook"])
	}

	expectStatus(t, "DELETE", baseURL+"/stages/orders", nil, http.StatusNoContent)
	expectStatus(t, "POST", baseURL+"/stages/orders/transform", orderRecords(), http.StatusNotFound)
	expectStatus(t, "GET", baseURL+"/stages/orders", nil, http.StatusNotFound)
}

func TestCreateStageErrors(t *testing.T) {
	baseURL := newTestServer(t)

	cfg := map[string]any{"name": "orders", "rulebook": highValueRulebook, "schema": orderSchema}
	makeRequest(t, "POST", baseURL+"/stages", cfg)

	expectStatus(t, "POST", baseURL+"/stages", cfg, http.StatusConflict)
	expectStatus(t, "POST", baseURL+"/stages", map[string]any{"name": "bad name", "rulebook": highValueRulebook, "schema": orderSchema}, http.StatusBadRequest)
	expectStatus(t, "POST", baseURL+"/stages", map[string]any{"name": "noschema", "rulebook": highValueRulebook}, http.StatusBadRequest)
	expectStatus(t, "POST", baseURL+"/stages", map[string]any{"name": "missing", "rulebookid": "no-such-id", "schema": orderSchema}, http.StatusNotFound)

	resp, err := http.Post(baseURL+"/stages", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestStageFromPersistedRulebook(t *testing.T) {
	baseURL := newTestServer(t)

	active := makeRequest(t, "POST", baseURL+"/rulebooks", map[string]any{"source": highValueRulebook})
	inactive := makeRequest(t, "POST", baseURL+"/rulebooks", map[string]any{"source": highValueRulebook, "active": false})

	makeRequest(t, "POST", baseURL+"/stages", map[string]any{
		"name":       "orders",
		"rulebookid": active["id"],
		"schema":     orderSchema,
	})
	out := makeRequest(t, "POST", baseURL+"/stages/orders/transform", orderRecords())
	if errs, _ := out["errors"].([]any); len(errs) != 1 {
		t.Errorf("Expected 1 skipped record, got %v", out)
	}

	expectStatus(t, "POST", baseURL+"/stages", map[string]any{
		"name":       "dormant",
		"rulebookid": inactive["id"],
		"schema":     orderSchema,
	}, http.StatusConflict)
}

func TestTransformArrow(t *testing.T) {
	baseURL := newTestServer(t)

	makeRequest(t, "POST", baseURL+"/stages", map[string]any{
		"name":     "orders",
		"rulebook": highValueRulebook,
		"schema":   orderSchema,
	})

	body, _ := json.Marshal(orderRecords())
	req, err := http.NewRequest("POST", baseURL+"/stages/orders/transform", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", arrowStreamType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != arrowStreamType {
		t.Errorf("Content-Type = %q, want %q", ct, arrowStreamType)
	}
	if n := resp.Header.Get("X-Error-Count"); n != "1" {
		t.Errorf("X-Error-Count = %q, want 1", n)
	}

	reader, err := ipc.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("Failed to open arrow stream: %v", err)
	}
	defer reader.Release()

	if !reader.Next() {
		t.Fatalf("Expected a record batch: %v", reader.Err())
	}
	rec := reader.Record()
	if rec.NumRows() != 1 {
		t.Fatalf("NumRows = %d, want 1", rec.NumRows())
	}
	if id := rec.Column(0).(*array.String).Value(0); id != "A2" {
		t.Errorf("id = %q, want A2", id)
	}
	if amount := rec.Column(1).(*array.Int64).Value(0); amount != 200 {
		t.Errorf("amount = %d, want 200", amount)
	}
}

func TestTransformArrowDuringReplace(t *testing.T) {
	baseURL := newTestServer(t)
	textSchema := `{"type":"record","name":"etlSchemaBody","fields":[{"name":"id","type":"string"},{"name":"amount","type":"string"}]}`

	makeRequest(t, "POST", baseURL+"/stages", map[string]any{
		"name":     "orders",
		"rulebook": highValueRulebook,
		"schema":   orderSchema,
	})
	body, _ := json.Marshal(orderRecords())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			schema := orderSchema
			if i%2 == 0 {
				schema = textSchema
			}
			resp, err := makeHTTPRequest("PUT", baseURL+"/stages/orders", map[string]any{
				"rulebook": highValueRulebook,
				"schema":   schema,
			})
			if err != nil {
				t.Errorf("replace failed: %v", err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("replace: expected 200, got %d", resp.StatusCode)
			}
		}
	}()

	for i := 0; i < 20; i++ {
		req, err := http.NewRequest("POST", baseURL+"/stages/orders/transform", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("Failed to create request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", arrowStreamType)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}

		reader, err := ipc.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			t.Fatalf("Failed to open arrow stream: %v", err)
		}
		if !reader.Next() {
			t.Errorf("Expected a record batch: %v", reader.Err())
		} else if rec := reader.Record(); rec.NumRows() != 1 {
			t.Errorf("NumRows = %d, want 1", rec.NumRows())
		}
		reader.Release()
		resp.Body.Close()
	}
	wg.Wait()
}

// Helper function to make HTTP requests with JSON body, expecting a 2xx response
func makeRequest(t *testing.T, method, url string, body any) map[string]any {
	t.Helper()
	resp, err := makeHTTPRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	return result
}

// expectStatus makes a request and checks only the status code.
func expectStatus(t *testing.T, method, url string, body any, want int) {
	t.Helper()
	resp, err := makeHTTPRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Errorf("%s %s: expected %d, got %d: %s", method, url, want, resp.StatusCode, string(bodyBytes))
	}
}

// Helper function to make raw HTTP requests
func makeHTTPRequest(method, url string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}
