package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPHandlerGet(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Token"); got != "abc" {
			t.Errorf("X-Token header = %q, want abc", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	x := newHTTPExecutor()
	params, _ := json.Marshal(map[string]any{
		"url":     srv.URL,
		"headers": map[string]string{"X-Token": "abc"},
	})
	out, err := x.handleHTTP(context.Background(), params)
	if err != nil {
		t.Fatalf("http: %v", err)
	}

	var res struct {
		Status int            `json:"status"`
		Body   map[string]any `json:"body"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", res.Status)
	}
	if ok, _ := res.Body["ok"].(bool); !ok {
		t.Errorf("body = %v, want ok:true", res.Body)
	}
}

func TestHTTPHandlerRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`"recovered"`))
	}))
	defer srv.Close()

	x := newHTTPExecutor()
	params, _ := json.Marshal(map[string]string{"url": srv.URL})
	out, err := x.handleHTTP(context.Background(), params)
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	var res struct {
		Status int `json:"status"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Errorf("status = %d, want 200 after retries", res.Status)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hit %d times, want 3", got)
	}
}

func TestHTTPHandlerDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	x := newHTTPExecutor()
	params, _ := json.Marshal(map[string]string{"url": srv.URL})
	out, err := x.handleHTTP(context.Background(), params)
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	var res struct {
		Status int `json:"status"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if res.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404 passed through", res.Status)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1 (no retry on 4xx)", got)
	}
}

func TestHTTPHandlerValidation(t *testing.T) {
	t.Parallel()
	x := newHTTPExecutor()

	cases := []struct {
		name   string
		params string
		code   string
	}{
		{"missing url", `{}`, "MISSING_URL"},
		{"bad method", `{"url":"http://localhost:1","method":"TELEPORT"}`, "INVALID_METHOD"},
	}
	for _, tc := range cases {
		_, err := x.handleHTTP(context.Background(), json.RawMessage(tc.params))
		var fault *Fault
		if !errors.As(err, &fault) || fault.Code != tc.code {
			t.Errorf("%s: error = %v, want %s fault", tc.name, err, tc.code)
		}
	}
}

func TestGraphQLHandler(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query     string          `json:"query"`
			Variables json.RawMessage `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if body.Query == "" {
			t.Error("query missing from request body")
		}
		w.Write([]byte(`{"data":{"viewer":{"login":"octo"}}}`))
	}))
	defer srv.Close()

	x := newHTTPExecutor()
	params, _ := json.Marshal(map[string]any{
		"url":   srv.URL,
		"query": `query { viewer { login } }`,
	})
	out, err := x.handleGraphQL(context.Background(), params)
	if err != nil {
		t.Fatalf("graphql: %v", err)
	}
	var res struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if res.Data == nil {
		t.Errorf("output = %s, want graphql data envelope", out)
	}

	_, err = x.handleGraphQL(context.Background(), json.RawMessage(`{"url":"http://x"}`))
	var fault *Fault
	if !errors.As(err, &fault) || fault.Code != "MISSING_QUERY" {
		t.Errorf("missing query: error = %v, want MISSING_QUERY fault", err)
	}
}
