package metadata_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scylladb/scylla-machine-image/pkg/metadata"
)

var errDialFailure = errors.New("dial failure")

func TestFetcherHappyPathTrimsBody(t *testing.T) {
	t.Parallel()

	server := newIPv4TestServer(
		t,
		http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
			if req.URL.Path != "/latest/meta-data/instance-type" {
				t.Fatalf("unexpected path: %s", req.URL.Path)
			}

			if got := req.Header.Get("X-Test-Header"); got != "token-123" {
				t.Fatalf("X-Test-Header = %q, want %q", got, "token-123")
			}

			_, _ = writer.Write([]byte("i3.2xlarge\n"))
		}),
	)
	t.Cleanup(server.Close)

	fetcher := newTestFetcher(t, server, metadata.WithMaxAttempts(1))

	got, err := fetcher.Text(context.Background(), metadata.Request{
		Path:    "latest/meta-data/instance-type",
		Headers: map[string]string{"X-Test-Header": "token-123"},
	})
	requireNoError(t, err, "Text()")
	requireEqual(t, "Text()", got, "i3.2xlarge")
}

func TestFetcherRetriesOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := newIPv4TestServer(
		t,
		http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				writer.WriteHeader(http.StatusInternalServerError)

				return
			}

			_, _ = writer.Write([]byte("payload"))
		}),
	)
	t.Cleanup(server.Close)

	fetcher := newTestFetcher(
		t,
		server,
		metadata.WithMaxAttempts(3),
		metadata.WithRetryDelay(10*time.Millisecond),
	)

	got, err := fetcher.Text(context.Background(), metadata.Request{Path: "resource"})
	requireNoError(t, err, "Text()")
	requireEqual(t, "Text()", got, "payload")
	requireEqual(t, "attempts", calls.Load(), int32(2))
}

func TestFetcherClientStatusFailsFast(t *testing.T) {
	t.Parallel()

	// 429 is deliberately in this list: throttling responses from the
	// metadata service are not retried either.
	for _, statusCode := range []int{
		http.StatusNotFound,
		http.StatusTooManyRequests,
	} {
		statusCode := statusCode
		t.Run(http.StatusText(statusCode), func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32

			server := newIPv4TestServer(
				t,
				http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
					calls.Add(1)
					writer.WriteHeader(statusCode)
					_, _ = writer.Write([]byte("client error"))
				}),
			)
			t.Cleanup(server.Close)

			fetcher := newTestFetcher(
				t,
				server,
				metadata.WithMaxAttempts(4),
				metadata.WithRetryDelay(10*time.Millisecond),
			)

			_, err := fetcher.Fetch(context.Background(), metadata.Request{Path: "resource"})
			if err == nil {
				t.Fatal("Fetch() expected error, got nil")
			}

			if !metadata.IsClientStatus(err) {
				t.Fatalf("IsClientStatus(%v) = false, want true", err)
			}

			requireEqual(t, "attempts", calls.Load(), int32(1))
		})
	}
}

func TestFetcherRetriesOnTransportError(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	httpClient := &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			switch attempts.Add(1) {
			case 1:
				return nil, errDialFailure
			default:
				return newHTTPResponse(http.StatusOK, "payload", req), nil
			}
		}),
	}

	fetcher := metadata.NewFetcher(
		httpClient,
		metadata.WithBaseURL("http://metadata.local"),
		metadata.WithRetryDelay(5*time.Millisecond),
	)

	got, err := fetcher.Text(context.Background(), metadata.Request{Path: "resource"})
	requireNoError(t, err, "Text()")
	requireEqual(t, "Text()", got, "payload")
	requireEqual(t, "attempts", attempts.Load(), int32(2))
}

func TestFetcherRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := newIPv4TestServer(
		t,
		http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			writer.WriteHeader(http.StatusServiceUnavailable)
		}),
	)
	t.Cleanup(server.Close)

	fetcher := newTestFetcher(
		t,
		server,
		metadata.WithMaxAttempts(2),
		metadata.WithRetryDelay(10*time.Millisecond),
	)

	_, err := fetcher.Fetch(context.Background(), metadata.Request{Path: "resource"})
	if err == nil {
		t.Fatal("Fetch() expected error, got nil")
	}

	if !strings.Contains(err.Error(), "exhausted retry budget") {
		t.Fatalf("Fetch() error = %v, want exhausted retry budget", err)
	}

	if !strings.Contains(err.Error(), "retryable status code") {
		t.Fatalf("Fetch() error = %v, want last retryable status", err)
	}

	requireEqual(t, "attempts", calls.Load(), int32(2))
}

func TestFetcherWaitHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	attemptCh := make(chan struct{})
	doneCh := make(chan struct{})

	httpClient := &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			select {
			case attemptCh <- struct{}{}:
			default:
			}

			return newHTTPResponse(http.StatusServiceUnavailable, "retry later", req), nil
		}),
	}

	fetcher := metadata.NewFetcher(
		httpClient,
		metadata.WithBaseURL("http://metadata.local"),
		metadata.WithMaxAttempts(2),
		metadata.WithRetryDelay(250*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		defer close(doneCh)

		_, _ = fetcher.Fetch(ctx, metadata.Request{Path: "resource"})
	}()

	<-attemptCh
	cancel()

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("Fetch() did not return after context cancellation")
	}
}

func TestFetcherUsesRequestMethod(t *testing.T) {
	t.Parallel()

	server := newIPv4TestServer(
		t,
		http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodPut {
				t.Fatalf("method = %s, want PUT", req.Method)
			}

			_, _ = writer.Write([]byte("session-token"))
		}),
	)
	t.Cleanup(server.Close)

	fetcher := newTestFetcher(t, server, metadata.WithMaxAttempts(1))

	got, err := fetcher.Text(context.Background(), metadata.Request{
		Path:   "latest/api/token",
		Method: http.MethodPut,
	})
	requireNoError(t, err, "Text()")
	requireEqual(t, "Text()", got, "session-token")
}

// newIPv4TestServer binds to the IPv4 loopback explicitly so tests still work
// when the sandbox forbids listening on IPv6.
func newIPv4TestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	server := httptest.NewUnstartedServer(handler)

	var lc net.ListenConfig

	listener, err := lc.Listen(context.Background(), "tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen tcp4: %v", err)
	}

	server.Listener = listener
	server.Start()

	return server
}

func newTestFetcher(t *testing.T, server *httptest.Server, opts ...metadata.Option) *metadata.Fetcher {
	t.Helper()

	httpClient := server.Client()
	httpClient.Timeout = time.Second

	opts = append([]metadata.Option{metadata.WithBaseURL(server.URL)}, opts...)

	return metadata.NewFetcher(httpClient, opts...)
}

func requireNoError(t *testing.T, err error, msg string) {
	t.Helper()

	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func requireEqual[T comparable](t *testing.T, field string, got, want T) {
	t.Helper()

	if got != want {
		t.Fatalf("%s = %v, want %v", field, got, want)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (fn roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return fn(req)
}

func newHTTPResponse(statusCode int, body string, req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    statusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: -1,
		Request:       req,
	}
}
