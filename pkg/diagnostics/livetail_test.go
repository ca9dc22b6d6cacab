package diagnostics

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestLiveTailStreamsPublishedEvents(t *testing.T) {
	bus := NewBus()
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	srv := NewLiveTailServer(addr, bus, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/tail", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(20 * time.Millisecond)
	bus.Publish(Event{Kind: "session.registered", Fields: map[string]any{"id": "p.auth"}})

	var got Event
	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	require.NoError(t, wsjson.Read(readCtx, conn, &got))
	require.Equal(t, "session.registered", got.Kind)
}

func TestLiveTailRejectsBadToken(t *testing.T) {
	bus := NewBus()
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	srv := NewLiveTailServer(addr, bus, "secret")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	time.Sleep(50 * time.Millisecond)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	_, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/tail?token=wrong", nil)
	require.Error(t, err)

	dialCtx2, dialCancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel2()
	conn, _, err := websocket.Dial(dialCtx2, "ws://"+addr+"/tail?token=secret", nil)
	require.NoError(t, err)
	conn.Close(websocket.StatusNormalClosure, "")
}
