package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/hyp3rd/ewrap"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kvrepair/internal/config"
	"kvrepair/internal/injection"
	"kvrepair/internal/repair"
	"kvrepair/internal/sentinel"
	"kvrepair/internal/storage"
)

// Node is what the admin API operates on.
type Node interface {
	ID() string
	Repair(ctx context.Context, keyspace, table string) (repair.Status, error)
	StartRepair(keyspace, table string) (int64, error)
	RepairStatus(id int64) (repair.Status, error)
	RepairSessions() []repair.Status
	KeyspaceFlush(keyspace string) (int, error)
	KeyspaceCompaction(keyspace string) (map[string]storage.CompactionStats, error)
	MutationFragments(keyspace, table, pk string) ([]storage.MutationFragment, error)
	ConfigRows() []config.Row
	Config(name string) (config.Row, error)
	UpdateConfig(name, value string) (config.Row, error)
	Injection() *injection.Registry
}

// Option configures the admin server.
type Option func(*Server)

// WithReadTimeout sets the read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// WithWriteTimeout sets the write timeout. Synchronous repairs are bounded
// by it.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Minute
)

// Server is the admin REST API of a node.
type Server struct {
	addr         string
	app          *fiber.App
	node         Node
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	ln           net.Listener
	started      bool
}

// NewServer builds the API for n. Routes are mounted immediately, so the
// app can be tested without listening.
func NewServer(addr string, n Node, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		node:         n,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "admin")
	s.app = fiber.New(fiber.Config{
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ErrorHandler: s.errorHandler,
	})
	s.mountRoutes()
	return s
}

// App returns the fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Start listens and serves in the background. It is idempotent.
func (s *Server) Start(ctx context.Context) error {
	if s.started {
		return nil
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "admin listen")
	}
	s.ln = ln

	go func() {
		if err := s.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			s.logger.Warn("Admin server stopped", "error", err)
		}
	}()
	s.started = true
	s.logger.Info("Admin API listening", "addr", ln.Addr().String())
	return nil
}

// Address returns the bound address, empty before Start.
func (s *Server) Address() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return ewrap.Wrap(err, "admin shutdown")
	}
	s.started = false
	return nil
}

func (s *Server) mountRoutes() {
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s.app.Post("/storage_service/repair/:keyspace/:table", s.handleRepair)
	s.app.Get("/storage_service/repair", func(c fiber.Ctx) error {
		return c.JSON(s.node.RepairSessions())
	})
	s.app.Get("/storage_service/repair/:id", s.handleRepairStatus)
	s.app.Post("/storage_service/keyspace_flush/:keyspace", s.handleFlush)
	s.app.Post("/storage_service/keyspace_compaction/:keyspace", s.handleCompaction)
	s.app.Get("/storage_service/mutation_fragments/:keyspace/:table/:pk", s.handleMutationFragments)

	s.app.Post("/v2/error_injection/injection/:name", s.handleEnableInjection)
	s.app.Get("/v2/error_injection/injection/:name", func(c fiber.Ctx) error {
		return c.JSON(s.node.Injection().Get(c.Params("name")))
	})
	s.app.Delete("/v2/error_injection/injection/:name", func(c fiber.Ctx) error {
		s.node.Injection().Disable(c.Params("name"))
		return c.SendStatus(fiber.StatusNoContent)
	})
	s.app.Get("/v2/error_injection/injection", func(c fiber.Ctx) error {
		return c.JSON(s.node.Injection().Names())
	})

	s.app.Get("/v2/config", func(c fiber.Ctx) error {
		return c.JSON(s.node.ConfigRows())
	})
	s.app.Get("/v2/config/:name", func(c fiber.Ctx) error {
		row, err := s.node.Config(c.Params("name"))
		if err != nil {
			return err
		}
		return c.JSON(row)
	})
	s.app.Post("/v2/config/:name", s.handleSetConfig)
}

// handleRepair starts a session. With ?wait=true it blocks until the
// session finishes and returns its status.
func (s *Server) handleRepair(c fiber.Ctx) error {
	keyspace, table := c.Params("keyspace"), c.Params("table")
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		st, err := s.node.Repair(c.Context(), keyspace, table)
		if err != nil && st.ID == 0 {
			return err
		}
		return c.JSON(st)
	}
	id, err := s.node.StartRepair(keyspace, table)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id})
}

func (s *Server) handleRepairStatus(c fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return ewrap.Wrapf(sentinel.ErrInvalidValue, "repair id %q", c.Params("id"))
	}
	st, err := s.node.RepairStatus(id)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) handleFlush(c fiber.Ctx) error {
	n, err := s.node.KeyspaceFlush(c.Params("keyspace"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"flushed": n})
}

func (s *Server) handleCompaction(c fiber.Ctx) error {
	stats, err := s.node.KeyspaceCompaction(c.Params("keyspace"))
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

func (s *Server) handleMutationFragments(c fiber.Ctx) error {
	frags, err := s.node.MutationFragments(c.Params("keyspace"), c.Params("table"), c.Params("pk"))
	if err != nil {
		return err
	}
	if frags == nil {
		frags = []storage.MutationFragment{}
	}
	return c.JSON(frags)
}

// InjectionRequest is the body of an enable call.
type InjectionRequest struct {
	OneShot    bool              `json:"one_shot"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

func (s *Server) handleEnableInjection(c fiber.Ctx) error {
	var req InjectionRequest
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return ewrap.Wrap(sentinel.ErrInvalidValue, "injection request body")
		}
	}
	name := c.Params("name")
	s.node.Injection().Enable(name, req.OneShot, req.Parameters)
	return c.JSON(s.node.Injection().Get(name))
}

// ConfigRequest is the body of a config update.
type ConfigRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetConfig(c fiber.Ctx) error {
	var req ConfigRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return ewrap.Wrap(sentinel.ErrInvalidValue, "config request body")
	}
	row, err := s.node.UpdateConfig(c.Params("name"), req.Value)
	if err != nil {
		return err
	}
	return c.JSON(row)
}

func (s *Server) errorHandler(c fiber.Ctx, err error) error {
	code := StatusCode(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Warn("Admin request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

var statusCodes = []struct {
	err  error
	code int
}{
	{sentinel.ErrUnknownItem, fiber.StatusNotFound},
	{sentinel.ErrUnknownKeyspace, fiber.StatusNotFound},
	{sentinel.ErrUnknownTable, fiber.StatusNotFound},
	{sentinel.ErrSessionNotFound, fiber.StatusNotFound},
	{sentinel.ErrNodeNotFound, fiber.StatusNotFound},
	{sentinel.ErrInvalidValue, fiber.StatusBadRequest},
	{sentinel.ErrNotLiveUpdatable, fiber.StatusConflict},
	{sentinel.ErrNodeDown, fiber.StatusServiceUnavailable},
	{sentinel.ErrNotEnoughReplicas, fiber.StatusServiceUnavailable},
	{sentinel.ErrShutdown, fiber.StatusServiceUnavailable},
	{sentinel.ErrDiffIncomplete, fiber.StatusInternalServerError},
	{sentinel.ErrTransferError, fiber.StatusInternalServerError},
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	for _, sc := range statusCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	return fiber.StatusInternalServerError
}
