package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{GenerateTimeout: -time.Second}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}

	_, err = NewClient(Config{ReadBufferSize: -1}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected validation error for buffer size, got nil")
	}
}

func TestGenerateStreamRequestShape(t *testing.T) {
	t.Parallel()

	var gotReq providerGenerateRequest
	var gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		gotContentType = r.Header.Get("Content-Type")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}

		_, _ = io.WriteString(w, `{"response":"ok","done":true}`+"\n")
	}))
	defer srv.Close()

	client := newTestClient(t, Config{})

	stream, err := client.GenerateStream(context.Background(), &GenerateRequest{
		BaseURL:     srv.URL + "/",
		Model:       "llama3",
		Prompt:      "explain",
		FileContent: "package main",
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	body := collect(t, stream)
	if body != `{"response":"ok","done":true}`+"\n" {
		t.Fatalf("unexpected relayed body: %q", body)
	}

	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type: %s", gotContentType)
	}
	if gotReq.Model != "llama3" {
		t.Fatalf("expected model llama3, got %s", gotReq.Model)
	}
	if want := "explain" + fileContentSeparator + "package main"; gotReq.Prompt != want {
		t.Fatalf("expected composed prompt %q, got %q", want, gotReq.Prompt)
	}
}

func TestGenerateStreamRelaysChunksInOrder(t *testing.T) {
	t.Parallel()

	chunks := []string{
		`{"model":"llama3","response":"Hel","done":false}` + "\n",
		`{"model":"llama3","response":"lo, ","done":false}` + "\n",
		`{"model":"llama3","response":"wörld","done":false}` + "\n",
		`{"model":"llama3","response":"","done":true}` + "\n",
	}
	next := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Errorf("response writer does not support flushing")
			return
		}

		for i, chunk := range chunks {
			if i > 0 {
				select {
				case <-next:
				case <-r.Context().Done():
					return
				}
			}
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := newTestClient(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.GenerateStream(ctx, &GenerateRequest{
		BaseURL: srv.URL,
		Model:   "llama3",
		Prompt:  "hello",
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	// Upstream only sends the next chunk once the previous one reached us,
	// so each chunk must arrive whole and before its successor.
	for i, want := range chunks {
		got := readBytes(t, stream, len(want))
		if got != want {
			t.Fatalf("chunk %d: got %q, want %q", i, got, want)
		}
		if i < len(chunks)-1 {
			next <- struct{}{}
		}
	}

	if rest := collect(t, stream); rest != "" {
		t.Fatalf("unexpected trailing bytes: %q", rest)
	}
}

func TestGenerateStreamUpstreamStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"model crashed"}`)
	}))
	defer srv.Close()

	client := newTestClient(t, Config{})

	stream, err := client.GenerateStream(context.Background(), &GenerateRequest{
		BaseURL: srv.URL,
		Model:   "llama3",
		Prompt:  "hi",
	})
	if stream != nil {
		t.Fatalf("expected no stream on upstream failure")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", statusErr.StatusCode)
	}
	if !strings.Contains(statusErr.Body, "model crashed") {
		t.Fatalf("expected upstream body to be kept for logs, got %q", statusErr.Body)
	}
}

func TestGenerateStreamUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	client := newTestClient(t, Config{})

	_, err := client.GenerateStream(context.Background(), &GenerateRequest{
		BaseURL: baseURL,
		Model:   "llama3",
	})
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("expected ErrUpstreamUnreachable, got %v", err)
	}
}

func TestGenerateStreamInvalidInput(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("server should not be called for invalid input")
	}))
	defer srv.Close()

	client := newTestClient(t, Config{})

	_, err := client.GenerateStream(context.Background(), &GenerateRequest{Model: "llama3"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	_, err = client.GenerateStream(context.Background(), &GenerateRequest{
		BaseURL: "ftp://" + strings.TrimPrefix(srv.URL, "http://"),
		Model:   "llama3",
	})
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint, got %v", err)
	}
}

func TestGenerateStreamTimeoutBeforeHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	client := newTestClient(t, Config{GenerateTimeout: 50 * time.Millisecond})

	_, err := client.GenerateStream(context.Background(), &GenerateRequest{
		BaseURL: srv.URL,
		Model:   "llama3",
	})
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
}

func TestGenerateStreamIdleTimeoutMidStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response":"partial","done":false}`+"\n")
		w.(http.Flusher).Flush()

		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	client := newTestClient(t, Config{GenerateTimeout: 100 * time.Millisecond})

	stream, err := client.GenerateStream(context.Background(), &GenerateRequest{
		BaseURL: srv.URL,
		Model:   "llama3",
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var gotErr error
	var body strings.Builder
	for res := range stream {
		if res.Err != nil {
			gotErr = res.Err
			continue
		}
		body.Write(res.Chunk)
	}

	if !strings.Contains(body.String(), "partial") {
		t.Fatalf("expected the partial chunk before the timeout, got %q", body.String())
	}
	if !errors.Is(gotErr, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", gotErr)
	}
}

func TestGenerateStreamCallerCancelClosesUpstream(t *testing.T) {
	t.Parallel()

	upstreamClosed := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamClosed)
		flusher := w.(http.Flusher)

		for i := 0; i < 10_000; i++ {
			if _, err := fmt.Fprintf(w, `{"response":"tok%d","done":false}`+"\n", i); err != nil {
				return
			}
			flusher.Flush()

			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
		t.Errorf("upstream finished sending; connection was never closed")
	}))
	defer srv.Close()

	client := newTestClient(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.GenerateStream(ctx, &GenerateRequest{
		BaseURL: srv.URL,
		Model:   "llama3",
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	select {
	case res := <-stream:
		if res.Err != nil || len(res.Chunk) == 0 {
			t.Fatalf("expected a first chunk, got %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no chunk received")
	}

	cancel()

	select {
	case <-upstreamClosed:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream connection was not closed after caller cancellation")
	}

	drained := make(chan struct{})
	go func() {
		for range stream {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream channel was not closed after cancellation")
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method: %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"models":[{"name":"b:latest","size":3825819519,"details":{"family":"llama"}},{"name":"a:7b","size":1}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, Config{})

	names, err := client.ListModels(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if strings.Join(names, ",") != "b:latest,a:7b" {
		t.Fatalf("unexpected model names: %v", names)
	}
}

func TestListModelsForcesHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"models":[{"name":"a"},{"name":"b"}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, Config{})

	// srv only speaks plain HTTP; the listing path must not attempt TLS.
	names, err := client.ListModels(context.Background(), strings.Replace(srv.URL, "http://", "https://", 1)+"/")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if strings.Join(names, ",") != "a,b" {
		t.Fatalf("unexpected model names: %v", names)
	}
}

func TestListModelsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"models":[]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, Config{})

	names, err := client.ListModels(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if names == nil || len(names) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", names)
	}
}

func TestListModelsMalformed(t *testing.T) {
	t.Parallel()

	bodies := []string{
		`not json`,
		`{}`,
		`{"models":{"name":"a"}}`,
		`{"models":[{"name":"a"},{"id":"b"}]}`,
		`{"models":[{"name":42}]}`,
		`{"models":["a"]}`,
	}

	for _, body := range bodies {
		body := body
		t.Run(body, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			}))
			defer srv.Close()

			client := newTestClient(t, Config{})

			names, err := client.ListModels(context.Background(), srv.URL)
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("expected ErrMalformedResponse, got names=%v err=%v", names, err)
			}
		})
	}
}

func TestListModelsStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, Config{})

	_, err := client.ListModels(context.Background(), srv.URL)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", statusErr.StatusCode)
	}
}

func TestListModelsUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	client := newTestClient(t, Config{})

	_, err := client.ListModels(context.Background(), baseURL)
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("expected ErrUpstreamUnreachable, got %v", err)
	}
}

func TestListModelsTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	client := newTestClient(t, Config{ListTimeout: 50 * time.Millisecond})

	_, err := client.ListModels(context.Background(), srv.URL)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
}

func TestGenerateStreamTLSVerification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok\n")
	}))
	defer srv.Close()

	req := &GenerateRequest{BaseURL: srv.URL, Model: "llama3", Prompt: "hi"}

	strict := newTestClient(t, Config{})
	if _, err := strict.GenerateStream(context.Background(), req); !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("expected ErrUpstreamUnreachable against self-signed upstream, got %v", err)
	}

	insecure := newTestClient(t, Config{InsecureSkipVerify: true})
	stream, err := insecure.GenerateStream(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateStream with verification disabled: %v", err)
	}
	if body := collect(t, stream); body != "ok\n" {
		t.Fatalf("unexpected relayed body: %q", body)
	}
}

func TestGenerateStreamStopsReadingForSlowCaller(t *testing.T) {
	t.Parallel()

	const (
		chunkSize = 64 << 10
		total     = 512 // 32 MiB, well past loopback socket buffers
	)
	chunk := strings.Repeat("x", chunkSize)
	var flushed atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < total; i++ {
			if _, err := io.WriteString(w, chunk); err != nil {
				return
			}
			flusher.Flush()
			flushed.Add(1)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, Config{})

	stream, err := client.GenerateStream(context.Background(), &GenerateRequest{
		BaseURL: srv.URL,
		Model:   "llama3",
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	received := len(readBytes(t, stream, 1))

	// Hold off reading until upstream stalls.
	deadline := time.Now().Add(5 * time.Second)
	last := int64(-1)
	for {
		time.Sleep(100 * time.Millisecond)
		cur := flushed.Load()
		if cur == last {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upstream never stalled, flushed %d chunks", cur)
		}
		last = cur
	}
	if last >= total {
		t.Fatalf("upstream wrote all %d chunks while caller was not reading", total)
	}

	for res := range stream {
		if res.Err != nil {
			t.Fatalf("stream error: %v", res.Err)
		}
		received += len(res.Chunk)
	}
	if received != total*chunkSize {
		t.Fatalf("expected %d bytes, got %d", total*chunkSize, received)
	}
	if got := flushed.Load(); got != total {
		t.Fatalf("expected upstream to resume and finish, flushed %d of %d", got, total)
	}
}

func newTestClient(t *testing.T, cfg Config) Client {
	t.Helper()

	client, err := NewClient(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// readBytes pulls from stream until n bytes have arrived.
func readBytes(t *testing.T, stream <-chan StreamResult, n int) string {
	t.Helper()

	var sb strings.Builder
	for sb.Len() < n {
		select {
		case res, ok := <-stream:
			if !ok {
				t.Fatalf("stream closed after %d of %d bytes", sb.Len(), n)
			}
			if res.Err != nil {
				t.Fatalf("stream error: %v", res.Err)
			}
			sb.Write(res.Chunk)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d bytes", sb.Len(), n)
		}
	}
	return sb.String()
}

// collect drains stream and fails on any stream error.
func collect(t *testing.T, stream <-chan StreamResult) string {
	t.Helper()

	var sb strings.Builder
	for res := range stream {
		if res.Err != nil {
			t.Fatalf("stream error: %v", res.Err)
		}
		sb.Write(res.Chunk)
	}
	return sb.String()
}
