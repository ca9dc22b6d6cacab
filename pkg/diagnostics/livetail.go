// Live-tail websocket endpoint wrapping Bus.Subscribe, grounded on
// pkg/relay/ws_relay.go's accept/wsjson pattern but reduced to the one
// direction this domain needs: broadcast Event, no command/result RPC.
package diagnostics

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// LiveTailServer serves diagnostics events over a websocket, one connection
// per operator tail session, authenticated the same way the daemon's unix
// socket is: a token compared in constant time.
type LiveTailServer struct {
	bus   *Bus
	token string
	srv   *http.Server
}

// NewLiveTailServer creates a live-tail server bound to addr. token is
// required on every connection unless empty (local-trust mode).
func NewLiveTailServer(addr string, bus *Bus, token string) *LiveTailServer {
	s := &LiveTailServer{bus: bus, token: token}
	mux := http.NewServeMux()
	mux.HandleFunc("/tail", s.handleTail)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Serve blocks, listening until ctx is cancelled.
func (s *LiveTailServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *LiveTailServer) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *LiveTailServer) handleTail(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "tail closed")

	ctx := r.Context()
	events := s.bus.Subscribe(ctx)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, e); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
