package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ahmad-affandi08/smart-attendacne-system/internal/attendance"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/auth"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/backend"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/logging"
	"github.com/ahmad-affandi08/smart-attendacne-system/internal/model"
)

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) bool

// Handler serves the attendance REST API.
type Handler struct {
	svc             *attendance.Service
	signer          *auth.Signer
	registrationKey string
	checks          map[string]Checker
}

// New builds the handler. An empty registrationKey lets any device register.
func New(svc *attendance.Service, signer *auth.Signer, registrationKey string, checks map[string]Checker) *Handler {
	return &Handler{svc: svc, signer: signer, registrationKey: registrationKey, checks: checks}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	r.POST("/v1/devices/register", h.RegisterDevice)
	r.POST("/v1/devices/refresh", h.RefreshToken)

	v1 := r.Group("/v1", auth.DeviceAuth(h.signer))

	v1.GET("/students", h.ListStudents)
	v1.POST("/students", h.CreateStudent)
	v1.POST("/students/check-uid", h.CheckUID)
	v1.GET("/students/:id", h.GetStudent)
	v1.PUT("/students/:id", h.UpdateStudent)
	v1.DELETE("/students/:id", h.DeleteStudent)

	v1.GET("/programs", h.ListPrograms)
	v1.POST("/programs", h.CreateProgram)
	v1.GET("/programs/:id", h.GetProgram)
	v1.PUT("/programs/:id", h.UpdateProgram)
	v1.DELETE("/programs/:id", h.DeleteProgram)

	v1.GET("/attendance", h.ListAttendance)
	v1.POST("/attendance", h.CreateAttendance)
	v1.DELETE("/attendance", h.DeleteAllAttendance)
	v1.GET("/attendance/stats", h.Stats)
	v1.GET("/attendance/:id", h.GetAttendance)
	v1.DELETE("/attendance/:id", h.DeleteAttendance)
}

// writeError maps service errors to status codes and the shared error codes.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, backend.CodeInternal
	switch {
	case errors.Is(err, model.ErrDuplicateToday):
		status, code = http.StatusConflict, backend.CodeDuplicateToday
	case errors.Is(err, model.ErrConflict):
		status, code = http.StatusConflict, backend.CodeConflict
	case errors.Is(err, model.ErrNotFound):
		status, code = http.StatusNotFound, backend.CodeNotFound
	case errors.Is(err, model.ErrInvalid):
		status, code = http.StatusBadRequest, backend.CodeInvalid
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		logging.CaptureError(err, c.Request.Method+" "+c.FullPath(), nil)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": backend.CodeInvalid})
}

// Healthz reports each dependency check.
func (h *Handler) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---- devices ----

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

func (h *Handler) issue(c *gin.Context, deviceID string, status int) {
	tokens, err := h.signer.Issue(deviceID, auth.RoleDevice)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.svc.SaveRefreshToken(c.Request.Context(), deviceID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, tokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.AccessExp.Unix(),
	})
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	if h.registrationKey != "" {
		got := c.GetHeader(backend.RegistrationHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.registrationKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid registration key", "code": backend.CodeUnauthorized})
			return
		}
	}
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.RegisterDevice(c.Request.Context(), req.DeviceID); err != nil {
		writeError(c, err)
		return
	}
	h.issue(c, req.DeviceID, http.StatusCreated)
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, err := h.signer.Parse(req.RefreshToken, auth.UseRefresh)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token", "code": backend.CodeUnauthorized})
		return
	}
	deviceID, err := h.svc.RotateRefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil || deviceID != claims.Subject {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked or expired", "code": backend.CodeUnauthorized})
		return
	}
	h.issue(c, deviceID, http.StatusOK)
}

// ---- students ----

func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.svc.ListStudents(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, students)
}

func (h *Handler) GetStudent(c *gin.Context) {
	st, err := h.svc.GetStudent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) CreateStudent(c *gin.Context) {
	var in model.StudentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	st, err := h.svc.CreateStudent(c.Request.Context(), in)
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
	st, err := h.svc.UpdateStudent(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) DeleteStudent(c *gin.Context) {
	if err := h.svc.DeleteStudent(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CheckUID answers whether a card belongs to a student, 404 when not.
func (h *Handler) CheckUID(c *gin.Context) {
	var req struct {
		UID string `json:"uid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	st, err := h.svc.LookupCard(c.Request.Context(), req.UID)
	if err != nil {
		writeError(c, err)
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"found": false, "error": "card not registered", "code": backend.CodeNotFound})
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": true, "student": st})
}

// ---- programs ----

func (h *Handler) ListPrograms(c *gin.Context) {
	programs, err := h.svc.ListPrograms(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, programs)
}

func (h *Handler) GetProgram(c *gin.Context) {
	p, err := h.svc.GetProgram(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) CreateProgram(c *gin.Context) {
	var in model.ProgramInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.svc.CreateProgram(c.Request.Context(), in)
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
	p, err := h.svc.UpdateProgram(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) DeleteProgram(c *gin.Context) {
	if err := h.svc.DeleteProgram(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- attendance ----

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
	records, err := h.svc.ListAttendance(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) GetAttendance(c *gin.Context) {
	rec, err := h.svc.GetAttendance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// CreateAttendance answers 409 duplicate_today for a second record of the
// same student on the same day.
func (h *Handler) CreateAttendance(c *gin.Context) {
	var in model.AttendanceInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	if claims, ok := auth.ClaimsFrom(c); ok && in.Source == "" {
		in.Source = claims.Subject
	}
	rec, err := h.svc.CreateAttendance(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) DeleteAttendance(c *gin.Context) {
	if err := h.svc.DeleteAttendance(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteAllAttendance(c *gin.Context) {
	n, err := h.svc.DeleteAllAttendance(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context(), c.Query("date"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
