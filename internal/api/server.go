package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/broker"
	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/state"
	"github.com/danpasecinic/inpaintd/internal/types"
)

// Coordinator is the job owner the API hands submissions to
type Coordinator interface {
	Submit(ctx context.Context, job types.Job) (string, error)
	Cancel(taskID string) error
	Running() int
}

// Validator produces preflight reports without running a job
type Validator interface {
	Validate(
		ctx context.Context, payload types.PayloadDescriptor, units []types.UnitDescriptor, params types.ProcessingParams,
	) types.PreprocessingReport
}

// HealthChecker probes the computational backend
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP surface. Validator, Archive and
// Backend are optional.
type Deps struct {
	Coordinator Coordinator
	Registry    *state.Registry
	Archive     state.Archive
	Broker      *broker.Broker
	Validator   Validator
	Backend     HealthChecker
}

// Server handles HTTP and websocket requests for the orchestrator API.
type Server struct {
	deps     Deps
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates a new API server over the given collaborators.
func NewServer(deps Deps, log *zap.Logger) *Server {
	return &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.OrNop(log).With(zap.String("component", "api")),
	}
}

// RegisterRoutes registers all API endpoints with the Echo router.
// Routes are grouped under /api/v1 for versioning.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.Health)

	v1 := e.Group("/api/v1")

	// Job routes
	v1.POST("/jobs", s.SubmitJob)
	v1.POST("/preflight", s.Preflight)

	// Task routes
	v1.GET("/tasks", s.ListTasks)
	v1.GET("/tasks/:id", s.GetTask)
	v1.GET("/tasks/:id/retries", s.GetRetries)
	v1.POST("/tasks/:id/cancel", s.CancelTask)

	v1.GET("/ws", s.Stream)
	v1.GET("/stats", s.Stats)
}

// NewEcho builds the echo instance with recovery, CORS and zap request
// logging installed.
func NewEcho(log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(RequestLogger(log))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	return e
}

// RequestLogger logs one line per request through zap
func RequestLogger(log *zap.Logger) echo.MiddlewareFunc {
	log = logger.OrNop(log).With(zap.String("component", "http"))
	return middleware.RequestLoggerWithConfig(
		middleware.RequestLoggerConfig{
			LogMethod:   true,
			LogURI:      true,
			LogStatus:   true,
			LogLatency:  true,
			LogRemoteIP: true,
			LogError:    true,
			HandleError: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				fields := []zap.Field{
					zap.String("method", v.Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Duration("latency", v.Latency),
					zap.String("remote_ip", v.RemoteIP),
				}
				if v.Error != nil {
					log.Warn("request failed", append(fields, zap.Error(v.Error))...)
					return nil
				}
				log.Info("request", fields...)
				return nil
			},
		},
	)
}

const healthTimeout = 3 * time.Second
