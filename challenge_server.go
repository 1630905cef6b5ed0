package acme

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

const challengeShutdownTimeout = 10 * time.Second

// NewChallengeHandler serves /.well-known/acme-challenge/{token} from the
// webroot, for setups where no other web server publishes it.
func NewChallengeHandler(w *Webroot, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "challenge_handler")
	r := mux.NewRouter()
	r.HandleFunc("/"+challengeDir+"/{token}", func(rw http.ResponseWriter, req *http.Request) {
		token := mux.Vars(req)["token"]
		secret, err := w.Retrieve(ChallengeOptions{}, req.Host, token)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				logger.Debug("Unknown challenge token", "host", req.Host, "token", token)
				http.NotFound(rw, req)
				return
			}
			logger.Error("Failed to read challenge token", "host", req.Host, "token", token, "error", err)
			http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		logger.Info("Served challenge token", "host", req.Host, "token", token)
		rw.Header().Set("Content-Type", "text/plain")
		rw.WriteHeader(http.StatusOK)
		if req.Method != http.MethodHead {
			_, _ = io.WriteString(rw, secret)
		}
	}).Methods(http.MethodGet, http.MethodHead)
	return r
}

// ChallengeServer runs the challenge handler on the HTTP-01 port.
type ChallengeServer struct {
	mu      sync.Mutex
	addr    string
	handler http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// NewChallengeServer listens on all interfaces at port.
func NewChallengeServer(port int, w *Webroot, logger *slog.Logger) *ChallengeServer {
	return &ChallengeServer{
		addr:    net.JoinHostPort("", strconv.Itoa(port)),
		handler: NewChallengeHandler(w, logger),
		logger:  logger.With("component", "challenge_server"),
	}
}

// Listen binds the configured port without serving. Pass the listener to Serve.
func (s *ChallengeServer) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, ioError("listen", s.addr, err)
	}
	return ln, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *ChallengeServer) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *ChallengeServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.New("challenge server already running")
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting challenge server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.reset()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), challengeShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errCh
	s.reset()
	if err != nil {
		s.logger.Error("Challenge server shutdown error", "error", err)
		return err
	}
	s.logger.Info("Challenge server stopped")
	return nil
}

func (s *ChallengeServer) reset() {
	s.mu.Lock()
	s.server = nil
	s.mu.Unlock()
}
