package server

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/timetable-sync/internal/engine"
	"github.com/ChuLiYu/timetable-sync/internal/logging"
	"github.com/ChuLiYu/timetable-sync/internal/snapshot"
	"github.com/ChuLiYu/timetable-sync/internal/syncerr"
	"github.com/ChuLiYu/timetable-sync/pkg/types"
)

var log = logging.Component("server")

// Engine is the slice of the sync engine the HTTP surface exposes.
type Engine interface {
	RunSync(ctx context.Context) (types.SyncResult, error)
	Initialize(ctx context.Context) (types.SyncResult, error)
	Reset(ctx context.Context, mode string) (types.SyncResult, error)
	ForceReset(ctx context.Context, emergency bool) types.SyncResult
	ToggleAutoSync(on bool) error
	Status() (types.Status, error)
	Checkin(ctx context.Context, fingerprint string) (types.CheckinView, error)
	SetAttendance(ctx context.Context, fingerprint string, attended bool) (types.CheckinView, error)
	Dashboard(ctx context.Context, now time.Time) ([]types.DashboardRow, error)
}

type resetRequest struct {
	Mode string `json:"mode" validate:"required,oneof=safe recreate"`
}

type forceResetRequest struct {
	Emergency bool `json:"emergency"`
}

type autoSyncRequest struct {
	On *bool `json:"on" validate:"required"`
}

type attendanceRequest struct {
	Attended *bool `json:"attended" validate:"required"`
}

// Server is the HTTP API in front of the engine.
type Server struct {
	app      *fiber.App
	engine   Engine
	validate *validator.Validate
	now      func() time.Time
}

// New builds the fiber app and registers every route. gatherer serves
// /metrics; nil means the default registry.
func New(e Engine, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		engine:   e,
		validate: validator.New(),
		now:      time.Now,
	}

	app := fiber.New(fiber.Config{
		AppName:               "ttsync",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())
	app.Use(requestLogger)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api")
	api.Get("/status", s.status)
	api.Post("/sync", s.sync)
	api.Post("/init", s.initialize)
	api.Post("/reset", s.reset)
	api.Post("/force-reset", s.forceReset)
	api.Post("/autosync", s.autoSync)
	api.Get("/checkin/:hash", s.checkin)
	api.Post("/checkin/:hash", s.setAttendance)
	api.Get("/dashboard", s.dashboard)

	s.app = app
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(addr)
	}()
	log.Info("http api listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(5 * time.Second)
	}
}

func (s *Server) status(c *fiber.Ctx) error {
	st, err := s.engine.Status()
	if err != nil {
		return respondError(c, err)
	}
	return success(c, fiber.StatusOK, string(st.State), st)
}

func (s *Server) sync(c *fiber.Ctx) error {
	res, err := s.engine.RunSync(c.UserContext())
	return respondResult(c, res, err)
}

func (s *Server) initialize(c *fiber.Ctx) error {
	res, err := s.engine.Initialize(c.UserContext())
	return respondResult(c, res, err)
}

func (s *Server) reset(c *fiber.Ctx) error {
	var req resetRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}
	res, err := s.engine.Reset(c.UserContext(), req.Mode)
	return respondResult(c, res, err)
}

func (s *Server) forceReset(c *fiber.Ctx) error {
	var req forceResetRequest
	if len(c.Body()) > 0 {
		if ok, err := s.bind(c, &req); !ok {
			return err
		}
	}
	return respondResult(c, s.engine.ForceReset(c.UserContext(), req.Emergency), nil)
}

func (s *Server) autoSync(c *fiber.Ctx) error {
	var req autoSyncRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}
	if err := s.engine.ToggleAutoSync(*req.On); err != nil {
		return respondError(c, err)
	}
	msg := "Auto-sync disabled"
	if *req.On {
		msg = "Auto-sync enabled"
	}
	return success(c, fiber.StatusOK, msg, fiber.Map{"auto_sync": *req.On})
}

func (s *Server) checkin(c *fiber.Ctx) error {
	view, err := s.engine.Checkin(c.UserContext(), c.Params("hash"))
	if err != nil {
		return respondError(c, err)
	}
	return success(c, fiber.StatusOK, view.SubjectName, view)
}

func (s *Server) setAttendance(c *fiber.Ctx) error {
	var req attendanceRequest
	if ok, err := s.bind(c, &req); !ok {
		return err
	}
	view, err := s.engine.SetAttendance(c.UserContext(), c.Params("hash"), *req.Attended)
	if err != nil {
		return respondError(c, err)
	}
	msg := "Marked absent"
	if view.Attended {
		msg = "Checked in"
	}
	return success(c, fiber.StatusOK, msg, view)
}

func (s *Server) dashboard(c *fiber.Ctx) error {
	rows, err := s.engine.Dashboard(c.UserContext(), s.now())
	if err != nil {
		return respondError(c, err)
	}
	return success(c, fiber.StatusOK, "Attendance by subject", rows)
}

// bind decodes and validates the body. When ok is false the 400 response has
// been written and the handler returns err as is.
func (s *Server) bind(c *fiber.Ctx, out any) (ok bool, err error) {
	if err := c.BodyParser(out); err != nil {
		return false, fail(c, fiber.StatusBadRequest, "invalid request body", nil)
	}
	if err := s.validate.Struct(out); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return false, fail(c, fiber.StatusBadRequest, "invalid input", nil)
		}
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
		return false, fail(c, fiber.StatusBadRequest, "validation failed", fields)
	}
	return true, nil
}

// ----------------------------------------------------------------------------
// responses
// ----------------------------------------------------------------------------

func success(c *fiber.Ctx, code int, message string, data any) error {
	return c.Status(code).JSON(fiber.Map{
		"code":    code,
		"status":  "success",
		"message": message,
		"data":    data,
	})
}

func fail(c *fiber.Ctx, code int, message string, details any) error {
	body := fiber.Map{
		"code":    code,
		"status":  "error",
		"message": message,
	}
	if details != nil {
		body["errors"] = details
	}
	return c.Status(code).JSON(body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrBusy):
		return fiber.StatusConflict
	case errors.Is(err, syncerr.ErrLockContention):
		return fiber.StatusLocked
	case errors.Is(err, engine.ErrInvalidResetMode):
		return fiber.StatusBadRequest
	case errors.Is(err, snapshot.ErrEventNotFound), errors.Is(err, engine.ErrNoPastEvents):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}

func respondResult(c *fiber.Ctx, res types.SyncResult, err error) error {
	if err != nil {
		code := statusFor(err)
		return c.Status(code).JSON(fiber.Map{
			"code":    code,
			"status":  "error",
			"message": res.Message,
			"data":    res,
		})
	}
	return success(c, fiber.StatusOK, res.Message, res)
}

func respondError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code == fiber.StatusInternalServerError {
		log.Error("request failed", "path", c.Path(), "error", err)
	}
	return fail(c, code, err.Error(), nil)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return fail(c, code, err.Error(), nil)
}

func requestLogger(c *fiber.Ctx) error {
	id := c.Get(fiber.HeaderXRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(fiber.HeaderXRequestID, id)

	start := time.Now()
	err := c.Next()
	log.Debug("request", "id", id, "method", c.Method(), "path", c.OriginalURL(),
		"status", c.Response().StatusCode(), "duration", time.Since(start))
	return err
}
