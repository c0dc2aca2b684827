package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxtick/server/internal/config"
	"github.com/voxtick/server/internal/world"
)

const clientQueue = 16

// Server publishes world status over HTTP and a WebSocket feed.
type Server struct {
	cfg    config.StatusConfig
	name   string
	worlds []*world.World
	log    *zap.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	clients map[uint64]*client
}

func NewServer(cfg config.StatusConfig, name string, worlds []*world.World, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = time.Second
	}
	return &Server{
		cfg:    cfg,
		name:   name,
		worlds: worlds,
		log:    log.Named("status"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[uint64]*client),
	}
}

// Handler serves GET /status and the /ws feed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) encode() ([]byte, error) {
	return json.Marshal(Collect(s.name, s.worlds))
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(Collect(s.name, s.worlds))
}

func (s *Server) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	c := newClient(s.nextID.Add(1), conn, clientQueue, s.log)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.log.Debug("status client connected", zap.Uint64("client", c.id), zap.String("ip", r.RemoteAddr))

	if msg, err := s.encode(); err == nil {
		c.send(msg)
	}
	go c.writeLoop()
	go func() {
		c.readLoop()
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
	}()
}

// Clients is the number of connected subscribers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast pushes the current status to every subscriber.
func (s *Server) Broadcast() {
	msg, err := s.encode()
	if err != nil {
		s.log.Error("encode status", zap.Error(err))
		return
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.send(msg)
	}
}

// Run pushes status every push interval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.PushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Broadcast()
		}
	}
}

// ListenAndServe serves on the configured address and pushes the feed until
// ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddress)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.log.Info("status feed listening", zap.String("addr", ln.Addr().String()))

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.close()
	}
}
