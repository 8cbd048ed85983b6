package flow

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

var errServerClosed = errors.New("callback server closed")

type callbackResult struct {
	code string
	err  error
}

// callbackServer is the temporary loopback listener for one login attempt.
// It accepts exactly one successful callback, renders a confirmation page,
// and shuts itself down shortly after so the browser tab can finish loading.
type callbackServer struct {
	srv      *http.Server
	listener net.Listener
	results  chan callbackResult
	done     chan struct{}
	once     sync.Once
	handled  bool
	mu       sync.Mutex
}

func newCallbackServer(port int, stateToken string) (*callbackServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind callback port %d: %w", port, err)
	}

	cs := &callbackServer{
		listener: listener,
		results:  make(chan callbackResult, 1),
		done:     make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Get("/callback", func(w http.ResponseWriter, req *http.Request) {
		cs.mu.Lock()
		if cs.handled {
			cs.mu.Unlock()
			http.Error(w, "Callback already processed", http.StatusBadRequest)
			return
		}
		cs.handled = true
		cs.mu.Unlock()

		q := req.URL.Query()
		if errParam := q.Get("error"); errParam != "" {
			cs.results <- callbackResult{err: fmt.Errorf("authorization denied: %s", errParam)}
			http.Error(w, "Authorization denied", http.StatusBadRequest)
			return
		}
		if q.Get("state") != stateToken {
			cs.results <- callbackResult{err: errors.New("invalid state token")}
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			cs.results <- callbackResult{err: errors.New("callback carries no code")}
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, confirmationPage)

		cs.results <- callbackResult{code: code}

		// Give the browser a moment to render before tearing down.
		go func() {
			time.Sleep(2 * time.Second)
			cs.Close()
		}()
	})

	cs.srv = &http.Server{Handler: r}
	go func() {
		if err := cs.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[AuthFlow] Callback server error: %v", err)
		}
	}()

	return cs, nil
}

// Wait blocks until the single callback arrives, the timeout passes, or the
// server is closed.
func (cs *callbackServer) Wait(timeout time.Duration) (string, error) {
	select {
	case res := <-cs.results:
		return res.code, res.err
	case <-cs.done:
		// A settled result wins over shutdown.
		select {
		case res := <-cs.results:
			return res.code, res.err
		default:
			return "", errServerClosed
		}
	case <-time.After(timeout):
		cs.Close()
		return "", errors.New("timed out waiting for OAuth callback")
	}
}

// Port returns the bound loopback port.
func (cs *callbackServer) Port() int {
	return cs.listener.Addr().(*net.TCPAddr).Port
}

// Close shuts the listener down. Safe to call more than once.
func (cs *callbackServer) Close() {
	cs.once.Do(func() {
		cs.srv.Close()
		close(cs.done)
	})
}

const confirmationPage = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Login Successful</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 480px; margin: 80px auto; text-align: center; color: #222; }
		.ok { color: #16a34a; font-size: 22px; margin-bottom: 12px; }
	</style>
</head>
<body>
	<div class="ok">✅ Login successful</div>
	<p>You can close this tab and return to the application.</p>
</body>
</html>`
