package ingress

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sjwiesman/settimeout-go/internal/errors"
	"github.com/sjwiesman/settimeout-go/pkg/diagnostics"
	"github.com/sjwiesman/settimeout-go/pkg/greeter"
	"github.com/sjwiesman/settimeout-go/pkg/statefun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type recordingInvoker struct {
	mutex    sync.Mutex
	messages []statefun.MessageBuilder
	err      error
}

func (r *recordingInvoker) Invoke(_ context.Context, message statefun.MessageBuilder) (*statefun.Message, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.messages = append(r.messages, message)
	if r.err != nil {
		return nil, r.err
	}

	request := message.Value.(greeter.SayHello)
	reply, err := statefun.MessageBuilder{Value: greeter.Greeting(request.Who)}.ToMessage()
	return &reply, err
}

func (r *recordingInvoker) last(t *testing.T) (statefun.Address, greeter.SayHello) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	require.NotEmpty(t, r.messages)
	message := r.messages[len(r.messages)-1]
	return message.Target, message.Value.(greeter.SayHello)
}

func newTestServer(t *testing.T, invoker Invoker) *httptest.Server {
	registry := prometheus.NewRegistry()
	srv := New(Options{Invoker: invoker, Logger: zerolog.Nop(), Gatherer: registry, MaxBodyBytes: 1024})

	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return server
}

func do(t *testing.T, request *http.Request) (int, string, http.Header) {
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response.StatusCode, string(body), response.Header
}

func get(t *testing.T, url string) (int, string, http.Header) {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return do(t, request)
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, &recordingInvoker{})

	status, body, _ := get(t, server.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)
}

func TestMetrics(t *testing.T) {
	server := newTestServer(t, &recordingInvoker{})

	status, _, _ := get(t, server.URL+"/metrics")
	assert.Equal(t, http.StatusOK, status)
}

func TestPathSelectsInstanceWithDefaults(t *testing.T) {
	invoker := &recordingInvoker{}
	server := newTestServer(t, invoker)

	status, body, header := get(t, server.URL+"/abc")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Hello, world!", body)
	assert.Equal(t, "text/plain; charset=utf-8", header.Get("Content-Type"))

	target, request := invoker.last(t)
	assert.Equal(t, "settimeout/greeter//abc", target.String())
	assert.Equal(t, greeter.SayHello{Name: "/abc", Who: "world"}, request)
}

func TestQueryArguments(t *testing.T) {
	invoker := &recordingInvoker{}
	server := newTestServer(t, invoker)

	status, body, _ := get(t, server.URL+"/rooms/1?name=alice&who=bob")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Hello, bob!", body)

	target, request := invoker.last(t)
	assert.Equal(t, "/rooms/1", target.Id)
	assert.Equal(t, greeter.SayHello{Name: "alice", Who: "bob"}, request)
}

func TestJSONBody(t *testing.T) {
	invoker := &recordingInvoker{}
	server := newTestServer(t, invoker)

	request, err := http.NewRequest(http.MethodPost, server.URL+"/abc", strings.NewReader(`{"name":"alice","who":"there"}`))
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/json; charset=utf-8")

	status, body, _ := do(t, request)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Hello, there!", body)

	_, args := invoker.last(t)
	assert.Equal(t, greeter.SayHello{Name: "alice", Who: "there"}, args)
}

func TestProtobufBody(t *testing.T) {
	invoker := &recordingInvoker{}
	server := newTestServer(t, invoker)

	payload, err := structpb.NewStruct(map[string]interface{}{"name": "alice", "who": "proto"})
	require.NoError(t, err)
	data, err := greeter.SayHelloStructType.Serialize(payload)
	require.NoError(t, err)

	request, err := http.NewRequest(http.MethodPost, server.URL+"/abc", bytes.NewReader(data))
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/x-protobuf")

	status, body, _ := do(t, request)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Hello, proto!", body)

	_, args := invoker.last(t)
	assert.Equal(t, greeter.SayHello{Name: "alice", Who: "proto"}, args)
}

func TestBadBodies(t *testing.T) {
	invoker := &recordingInvoker{}
	server := newTestServer(t, invoker)

	cases := []struct {
		contentType string
		body        string
	}{
		{"application/json", `{"name":`},
		{"text/csv", "name,who"},
		{"application/json", `{"name":"` + strings.Repeat("a", 2048) + `"}`},
	}

	for _, c := range cases {
		request, err := http.NewRequest(http.MethodPost, server.URL+"/abc", strings.NewReader(c.body))
		require.NoError(t, err)
		request.Header.Set("Content-Type", c.contentType)

		status, _, _ := do(t, request)
		assert.Equal(t, http.StatusBadRequest, status, c.contentType)
	}

	assert.Empty(t, invoker.messages)
}

func TestInvokerErrorsCarryStatus(t *testing.T) {
	invoker := &recordingInvoker{err: errors.Unavailable(statefun.ErrTimerQueueFull, "cannot schedule")}
	server := newTestServer(t, invoker)

	status, _, _ := get(t, server.URL+"/abc")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestGreetingThroughRuntime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runtime := statefun.NewRuntime(statefun.Options{Clock: clock, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = runtime.Close() })

	trace := &diagnostics.MemorySink{}
	g := greeter.Greeter{Emitter: diagnostics.NewEmitter(diagnostics.Options{Trace: trace})}
	require.NoError(t, runtime.WithSpec(g.Spec()))

	server := newTestServer(t, runtime)

	status, body, _ := get(t, server.URL+"/abc?name=alice")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Hello, world!", body)
	require.Len(t, trace.Lines(), 1)
	assert.True(t, strings.HasPrefix(trace.Lines()[0], "[alice • "))
	assert.True(t, strings.HasSuffix(trace.Lines()[0], "] Hi from now."))

	clock.Advance(5 * time.Second)
	assert.Eventually(t, func() bool {
		return len(trace.Lines()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasSuffix(trace.Lines()[1], "] Hi from 5 seconds ago."))
}
