package financesearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finsight-ai/finsight/internal/agent"
)

func testBackend(t *testing.T, hits *int32, onRequest func(r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if onRequest != nil {
			onRequest(r)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []Result{
				{Title: "AAPL Q3 earnings", URL: "https://example.com/aapl", Snippet: "Revenue up 8%"},
				{Title: "Apple stock analysis", URL: "https://example.com/analysis", Snippet: "Analyst view"},
				{Title: "Tech sector outlook", URL: "https://example.com/tech", Snippet: "Sector trends"},
			},
		})
	}))
}

func TestExecuteReturnsRankedResults(t *testing.T) {
	var hits int32
	server := testBackend(t, &hits, nil)
	defer server.Close()

	tool := New(Config{BaseURL: server.URL, DefaultResultCount: 2})
	result, err := tool.Execute(context.Background(), agent.ToolContext{}, json.RawMessage(`{"query":"AAPL earnings"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var response Response
	if err := json.Unmarshal(result.Output, &response); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if response.Query != "AAPL earnings" {
		t.Errorf("query = %q", response.Query)
	}
	if response.ResultCount != 2 || len(response.Results) != 2 {
		t.Errorf("expected 2 results, got count=%d len=%d", response.ResultCount, len(response.Results))
	}
	if response.Results[0].Title != "AAPL Q3 earnings" {
		t.Errorf("result order changed: %q", response.Results[0].Title)
	}
}

func TestExecuteCachesIdenticalQueries(t *testing.T) {
	var hits int32
	server := testBackend(t, &hits, nil)
	defer server.Close()

	tool := New(Config{BaseURL: server.URL, CacheTTL: time.Minute})
	input := json.RawMessage(`{"query":"MSFT","result_count":3}`)

	for i := 0; i < 3; i++ {
		if _, err := tool.Execute(context.Background(), agent.ToolContext{}, input); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("backend hit %d times, expected 1", got)
	}

	// A different result count is a different cache key.
	if _, err := tool.Execute(context.Background(), agent.ToolContext{}, json.RawMessage(`{"query":"MSFT","result_count":2}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("backend hit %d times, expected 2", got)
	}
}

func TestExecuteForwardsCredentials(t *testing.T) {
	var hits int32
	var auth, delegated string
	server := testBackend(t, &hits, func(r *http.Request) {
		auth = r.Header.Get("Authorization")
		delegated = r.Header.Get("X-Delegated-Credential")
	})
	defer server.Close()

	tool := New(Config{BaseURL: server.URL, APIKey: "sk-test"})
	tctx := agent.ToolContext{UserID: "u1", DelegatedCredential: "user-grant"}
	if _, err := tool.Execute(context.Background(), tctx, json.RawMessage(`{"query":"bonds"}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}
	if delegated != "user-grant" {
		t.Errorf("X-Delegated-Credential = %q", delegated)
	}
}

func TestExecuteBackendFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "rate limited", status: http.StatusTooManyRequests},
		{name: "server error", status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			tool := New(Config{BaseURL: server.URL})
			_, err := tool.Execute(context.Background(), agent.ToolContext{}, json.RawMessage(`{"query":"x"}`))
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestExecuteRejectsMalformedInput(t *testing.T) {
	tool := New(Config{BaseURL: "http://localhost:1"})
	if _, err := tool.Execute(context.Background(), agent.ToolContext{}, json.RawMessage(`{"query":`)); err == nil {
		t.Fatal("expected error for malformed input")
	}
}
