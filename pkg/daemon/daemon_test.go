package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcohefti/surfwright/pkg/contract"
	"github.com/marcohefti/surfwright/pkg/executor"
	"github.com/marcohefti/surfwright/pkg/scheduler"
	"github.com/marcohefti/surfwright/pkg/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeScheduler struct{}

func (f *fakeScheduler) Enqueue(ctx context.Context, laneKey string, execute scheduler.Execute) (any, error) {
	return execute(ctx)
}

func (f *fakeScheduler) Snapshot() scheduler.Stats { return scheduler.Stats{} }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "daemon.sock")
	tokenPath := filepath.Join(dir, "daemon.token")

	commands := executor.NewRegistry()
	commands.Register("open", func(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
		sink.WriteStdout("opened " + argv[0])
		return map[string]any{"argv": argv}, nil
	})

	orch := worker.New(&fakeScheduler{}, commands, "", 8)

	s, err := New(Config{SocketPath: sockPath, TokenPath: tokenPath, IdleTimeout: time.Minute}, orch, nil, discardLogger())
	require.NoError(t, err)

	tok, err := os.ReadFile(tokenPath)
	require.NoError(t, err)

	// Rebuild orchestrator with the real generated token so requests can
	// authenticate against it.
	s.orchestrator = worker.New(&fakeScheduler{}, commands, string(tok), 8)

	return s, string(tok)
}

func dial(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, req map[string]any) map[string]any {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	_, err = conn.Write(append(payload, '\n'))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestServer_PingRoundTrip(t *testing.T) {
	s, token := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx)
	waitForSocket(t, s.socketPath)

	conn := dial(t, s.socketPath)
	defer conn.Close()

	resp := sendRequest(t, conn, map[string]any{"token": token, "kind": "ping"})
	assert.Equal(t, true, resp["ok"])
}

func TestServer_TokenMismatchRejected(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx)
	waitForSocket(t, s.socketPath)

	conn := dial(t, s.socketPath)
	defer conn.Close()

	resp := sendRequest(t, conn, map[string]any{"token": "wrong", "kind": "ping"})
	assert.Equal(t, false, resp["ok"])
}

func TestServer_RunRoundTrip(t *testing.T) {
	s, token := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx)
	waitForSocket(t, s.socketPath)

	conn := dial(t, s.socketPath)
	defer conn.Close()

	resp := sendRequest(t, conn, map[string]any{"token": token, "kind": "run", "argv": []string{"open", "https://example.com"}})
	require.Equal(t, true, resp["ok"])
}

func TestServer_MalformedLineClosesConnection(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx)
	waitForSocket(t, s.socketPath)

	conn := dial(t, s.socketPath)
	defer conn.Close()

	_, err := conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestServer_ShutdownRequestStopsListener(t *testing.T) {
	s, token := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Serve(ctx)
		close(done)
	}()
	waitForSocket(t, s.socketPath)

	conn := dial(t, s.socketPath)
	resp := sendRequest(t, conn, map[string]any{"token": token, "kind": "shutdown"})
	assert.Equal(t, true, resp["ok"])
	conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after shutdown request")
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s was not created in time", path)
}
