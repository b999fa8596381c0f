package console

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/backend"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/logging"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/protocol"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/state"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/transport"
)

// Handler serves the bridge dashboard API over the state store.
type Handler struct {
	store    *state.Store
	live     http.HandlerFunc
	feedback bool
	timeout  time.Duration
}

// New builds the handler. live serves the WebSocket feed and may be nil.
// feedback allows DISPLAY and BUZZ commands from the dashboard.
func New(store *state.Store, live http.HandlerFunc, feedback bool) *Handler {
	return &Handler{store: store, live: live, feedback: feedback, timeout: 15 * time.Second}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.GET("/connection", h.ConnectionStatus)
	v1.POST("/connection/serial", h.ConnectSerial)
	v1.POST("/connection/network", h.ConnectNetwork)
	v1.DELETE("/connection", h.Disconnect)

	v1.POST("/commands", h.SendCommand)
	v1.GET("/outcomes", h.Outcomes)
	v1.GET("/device/log", h.DeviceLog)
	v1.DELETE("/device/log", h.ClearDeviceLog)
	v1.GET("/device/status", h.DeviceStatus)
	v1.GET("/device/roster", h.Roster)
	v1.POST("/device/students", h.AddDeviceStudent)
	v1.POST("/device/reset", h.ResetDevice)

	v1.POST("/directory/refresh", h.Refresh)
	v1.GET("/students", h.ListStudents)
	v1.POST("/students", h.CreateStudent)
	v1.PUT("/students/:id", h.UpdateStudent)
	v1.DELETE("/students/:id", h.DeleteStudent)
	v1.GET("/programs", h.ListPrograms)
	v1.POST("/programs", h.CreateProgram)
	v1.PUT("/programs/:id", h.UpdateProgram)
	v1.DELETE("/programs/:id", h.DeleteProgram)
	v1.GET("/attendance", h.ListAttendance)
	v1.DELETE("/attendance", h.DeleteAllAttendance)
	v1.DELETE("/attendance/:id", h.DeleteAttendance)
	v1.GET("/attendance/stats", h.Stats)

	if h.live != nil {
		v1.GET("/live", gin.WrapF(h.live))
	}
}

func (h *Handler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// writeError maps backend and link errors to responses.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusBadGateway, backend.CodeInternal
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, model.ErrDuplicateToday):
		status, code = http.StatusConflict, backend.CodeDuplicateToday
	case errors.Is(err, model.ErrConflict):
		status, code = http.StatusConflict, backend.CodeConflict
	case errors.Is(err, model.ErrNotFound):
		status, code = http.StatusNotFound, backend.CodeNotFound
	case errors.Is(err, model.ErrInvalid):
		status, code = http.StatusBadRequest, backend.CodeInvalid
	case errors.Is(err, transport.ErrNotConnected):
		status, code = http.StatusConflict, "not_connected"
	case errors.Is(err, transport.ErrConnectTimeout):
		status, code = http.StatusGatewayTimeout, "connect_timeout"
	case errors.Is(err, transport.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized:
		status, code = http.StatusBadGateway, backend.CodeUnauthorized
	default:
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		logging.CaptureError(err, c.Request.Method+" "+c.FullPath(), nil)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": backend.CodeInvalid})
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connection": h.store.Connection()})
}

// ---- connection ----

func (h *Handler) ConnectionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Connection())
}

func (h *Handler) ConnectSerial(c *gin.Context) {
	var req struct {
		Port string `json:"port" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.connect(c, transport.KindSerial, req.Port)
}

func (h *Handler) ConnectNetwork(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.connect(c, transport.KindNetwork, req.Address)
}

func (h *Handler) connect(c *gin.Context, kind transport.Kind, target string) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.store.Connect(ctx, kind, target); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.store.Connection())
}

func (h *Handler) Disconnect(c *gin.Context) {
	h.store.Disconnect()
	c.JSON(http.StatusOK, h.store.Connection())
}

// ---- device ----

// SendCommand forwards a stock firmware command. DISPLAY and BUZZ need
// feedback enabled and a network link.
func (h *Handler) SendCommand(c *gin.Context) {
	var req struct {
		Name string   `json:"command" binding:"required"`
		Args []string `json:"args"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	switch {
	case protocol.IsKnown(req.Name):
	case protocol.IsFeedback(req.Name) && h.feedback && h.store.ActiveKind() == transport.KindNetwork:
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unsupported command " + req.Name, "code": backend.CodeInvalid})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	cmd := protocol.Cmd(req.Name, req.Args...)
	if err := h.store.Send(ctx, cmd); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": cmd.Encode()})
}

// AddDeviceStudent asks the device to enrol a student. The backend record
// is created once the device confirms.
func (h *Handler) AddDeviceStudent(c *gin.Context) {
	var req struct {
		Name  string `json:"name" binding:"required"`
		Class string `json:"class" binding:"required"`
		NIS   string `json:"nis" binding:"required"`
		UID   string `json:"uid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	uid := protocol.Canon(req.UID)
	ctx, cancel := h.ctx(c)
	defer cancel()
	// refuse a card the directory already knows
	existing, err := h.store.LookupCard(ctx, uid.String())
	if err != nil {
		writeError(c, err)
		return
	}
	if existing != nil {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "card already registered to " + existing.Name, "code": backend.CodeConflict})
		return
	}
	cmd := protocol.AddStudent(req.Name, req.Class, req.NIS, uid)
	if err := h.store.Send(ctx, cmd); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": cmd.Encode()})
}

func (h *Handler) ResetDevice(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	n, err := h.store.ResetDevice(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) Outcomes(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Outcomes())
}

func (h *Handler) DeviceLog(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.DeviceLog())
}

func (h *Handler) ClearDeviceLog(c *gin.Context) {
	h.store.ClearDeviceLog()
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeviceStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.DeviceStatus())
}

func (h *Handler) Roster(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Roster())
}

// ---- directory ----

func (h *Handler) Refresh(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.store.Refresh(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"students":   len(h.store.Students()),
		"programs":   len(h.store.Programs()),
		"attendance": len(h.store.Attendance()),
	})
}

// ListStudents serves the cache; ?refresh=true reloads it first.
func (h *Handler) ListStudents(c *gin.Context) {
	if c.Query("refresh") == "true" {
		ctx, cancel := h.ctx(c)
		defer cancel()
		if _, err := h.store.FetchStudents(ctx); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, h.store.Students())
}

func (h *Handler) CreateStudent(c *gin.Context) {
	var in model.StudentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	st, err := h.store.CreateStudent(ctx, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *Handler) UpdateStudent(c *gin.Context) {
	var patch model.StudentPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	st, err := h.store.UpdateStudent(ctx, c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) DeleteStudent(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.store.DeleteStudent(ctx, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListPrograms(c *gin.Context) {
	if c.Query("refresh") == "true" {
		ctx, cancel := h.ctx(c)
		defer cancel()
		if _, err := h.store.FetchPrograms(ctx); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, h.store.Programs())
}

func (h *Handler) CreateProgram(c *gin.Context) {
	var in model.ProgramInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	p, err := h.store.CreateProgram(ctx, in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdateProgram(c *gin.Context) {
	var in model.ProgramInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	p, err := h.store.UpdateProgram(ctx, c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) DeleteProgram(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.store.DeleteProgram(ctx, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAttendance reloads the cache with the given filters, or serves it
// as is when none are given.
func (h *Handler) ListAttendance(c *gin.Context) {
	f := model.AttendanceFilter{
		Date:      c.Query("date"),
		StudentID: c.Query("studentId"),
		Status:    c.Query("status"),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if f == (model.AttendanceFilter{}) && c.Query("refresh") != "true" {
		c.JSON(http.StatusOK, h.store.Attendance())
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	records, err := h.store.FetchAttendance(ctx, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) DeleteAttendance(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.store.DeleteAttendance(ctx, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteAllAttendance(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	n, err := h.store.DeleteAllAttendance(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) Stats(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	stats, err := h.store.Stats(ctx, c.Query("date"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
