package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
)

// Healthz reports store and redis reachability.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}

	if err := h.svc.Ready(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["db"] = false
	} else {
		body["db"] = true
	}
	if h.redis != nil {
		healthy := h.redis.Healthy(ctx)
		body["redis"] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
		}
	}
	if h.hub != nil {
		body["displays"] = h.hub.Connections()
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

type scanRequest struct {
	StudentID   string `json:"studentId"`
	SessionID   string `json:"sessionId"`
	ClassID     string `json:"classId"`
	ScannedHash string `json:"scannedHash"`
	DeviceID    string `json:"deviceId"`
	Credential  string `json:"credential"`
}

// Scan records a student's attendance from a scanned credential.
func (h *Handler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	if claims.Subject != req.StudentID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "token does not belong to this student"})
		return
	}

	res, err := h.svc.SubmitScan(c.Request.Context(), attendance.ScanRequest{
		StudentID:  req.StudentID,
		DeviceID:   req.DeviceID,
		ClassID:    req.ClassID,
		SessionID:  req.SessionID,
		Digest:     req.ScannedHash,
		Credential: req.Credential,
	})
	if err != nil {
		var se *attendance.ScanError
		if errors.As(err, &se) {
			c.JSON(scanStatus(se.Kind), gin.H{
				"error":     se.Kind,
				"message":   se.Reason,
				"retryable": se.Kind.Retryable(),
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	body := gin.H{
		"status":  res.Outcome,
		"message": res.Message,
		"binding": res.Binding,
		"student": gin.H{"id": res.Student.ID, "name": res.Student.Name, "prnNumber": res.Student.PRNNumber},
	}
	if res.Outcome == attendance.OutcomeRecorded {
		body["record"] = res.Record
	}
	c.JSON(http.StatusOK, body)
}

func scanStatus(kind attendance.Kind) int {
	switch kind {
	case attendance.KindMalformedCredential, attendance.KindInvalidCredential:
		return http.StatusBadRequest
	case attendance.KindSessionNotActive:
		return http.StatusConflict
	case attendance.KindStudentNotFound:
		return http.StatusNotFound
	case attendance.KindDeviceMismatch:
		return http.StatusForbidden
	case attendance.KindPersistenceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StartSession opens a session for the calling instructor.
func (h *Handler) StartSession(c *gin.Context) {
	var req struct {
		ClassID string `json:"classId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	sess, err := h.svc.StartSession(c.Request.Context(), req.ClassID, claims.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// CloseSession ends one of the caller's sessions.
func (h *Handler) CloseSession(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	sess, err := h.svc.CloseSession(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// GetSession returns a session and its attendees.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.svc.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if sess.Attendees == nil {
		sess.Attendees = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "count": len(sess.Attendees)})
}

// ListSessions returns the sessions started on ?date=YYYY-MM-DD, today
// by default.
func (h *Handler) ListSessions(c *gin.Context) {
	day := h.clock.Now().UTC()
	if v := c.Query("date"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}
	sessions, err := h.svc.SessionsOn(c.Request.Context(), day)
	if err != nil {
		h.fail(c, err)
		return
	}
	if sessions == nil {
		sessions = []attendance.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// RecentAttendees returns the latest attendance across sessions.
func (h *Handler) RecentAttendees(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
			return
		}
		limit = parsed
	}
	recent, err := h.svc.RecentAttendees(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if recent == nil {
		recent = []attendance.RecentAttendee{}
	}
	c.JSON(http.StatusOK, gin.H{"attendees": recent})
}

// RegisterStudent creates or renames a student profile.
func (h *Handler) RegisterStudent(c *gin.Context) {
	var req struct {
		ID        string `json:"id" binding:"required"`
		Name      string `json:"name" binding:"required"`
		PRNNumber string `json:"prnNumber"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := h.svc.RegisterStudent(c.Request.Context(), attendance.Student{ID: req.ID, Name: req.Name, PRNNumber: req.PRNNumber})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

// Display upgrades to the realtime channel for a projecting display.
func (h *Handler) Display(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	if err := h.hub.Serve(c.Writer, c.Request, claims.Subject); err != nil {
		h.logger.Warn("websocket upgrade failed", "instructor_id", claims.Subject, "error", err)
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
