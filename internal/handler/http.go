package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	httpMaxRetries  = 3
	httpBaseBackoff = 100 * time.Millisecond
)

// httpExecutor shares one client between the http and graphql handlers.
type httpExecutor struct {
	client *http.Client
}

func newHTTPExecutor() *httpExecutor {
	return &httpExecutor{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type httpParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

func (x *httpExecutor) handleHTTP(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p httpParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Faultf("INVALID_PARAMS", "decoding http params: %v", err)
	}
	if p.URL == "" {
		return nil, Faultf("MISSING_URL", "missing 'url' in payload")
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !validMethod(method) {
		return nil, Faultf("INVALID_METHOD", "invalid HTTP method: %s", p.Method)
	}

	body, contentType := requestBody(p.Body)

	resp, err := x.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, p.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return nil, Faultf("HTTP_REQUEST_FAILED", "%v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Faultf("HTTP_REQUEST_FAILED", "reading response body: %v", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	// Body is surfaced as parsed JSON when possible, raw string otherwise.
	var bodyJSON any
	if err := json.Unmarshal(raw, &bodyJSON); err != nil {
		bodyJSON = string(raw)
	}

	out, err := json.Marshal(map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    bodyJSON,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type graphqlParams struct {
	URL           string            `json:"url"`
	Query         string            `json:"query"`
	Variables     json.RawMessage   `json:"variables"`
	OperationName string            `json:"operationName"`
	Headers       map[string]string `json:"headers"`
}

func (x *httpExecutor) handleGraphQL(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p graphqlParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Faultf("INVALID_PARAMS", "decoding graphql params: %v", err)
	}
	if p.URL == "" {
		return nil, Faultf("MISSING_URL", "missing 'url' in payload")
	}
	if p.Query == "" {
		return nil, Faultf("MISSING_QUERY", "missing 'query' in payload")
	}
	if len(p.Variables) == 0 {
		p.Variables = json.RawMessage(`{}`)
	}

	payload := map[string]any{
		"query":     p.Query,
		"variables": p.Variables,
	}
	if p.OperationName != "" {
		payload["operationName"] = p.OperationName
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := x.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return nil, Faultf("GRAPHQL_REQUEST_FAILED", "%v", err)
	}
	defer resp.Body.Close()

	var out json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Faultf("GRAPHQL_RESPONSE_PARSE_ERROR", "%v", err)
	}
	return out, nil
}

// doWithRetry retries transport errors and 5xx responses with exponential
// backoff. 4xx responses are returned to the caller untouched; the remote
// rejected the request and a retry will not change its mind.
func (x *httpExecutor) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := x.client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			if attempt >= httpMaxRetries {
				return resp, nil
			}
			resp.Body.Close()
		} else {
			lastErr = err
			if attempt >= httpMaxRetries {
				return nil, lastErr
			}
		}

		backoff := httpBaseBackoff * (1 << uint(attempt+1))
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func requestBody(body json.RawMessage) ([]byte, string) {
	if len(body) == 0 {
		return nil, ""
	}
	// A JSON string body is sent as its raw text, anything else as JSON.
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return []byte(s), ""
	}
	return body, "application/json"
}

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}
