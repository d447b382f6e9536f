package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/SAP-F-2025/exam-session/internal/services"
	"github.com/SAP-F-2025/exam-session/internal/utils"
	"github.com/SAP-F-2025/exam-session/internal/validator"
	"github.com/gin-gonic/gin"
)

// SessionHandler exposes the exam session of an attempt over HTTP. One
// SessionController per attempt lives in the manager between requests.
type SessionHandler struct {
	BaseHandler
	manager   *services.SessionManager
	validator *validator.Validator
}

func NewSessionHandler(manager *services.SessionManager, v *validator.Validator, logger utils.Logger) *SessionHandler {
	if v == nil {
		v = validator.New()
	}
	return &SessionHandler{
		BaseHandler: NewBaseHandler(logger),
		manager:     manager,
		validator:   v,
	}
}

// session returns the open session of the attempt in the path. It writes the
// error response itself when there is none.
func (h *SessionHandler) session(c *gin.Context) (*services.SessionController, bool) {
	attemptID := ParseStringIDParam(c, "attempt_id")
	if attemptID == "" {
		return nil, false
	}
	s, ok := h.manager.Get(attemptID)
	if !ok {
		h.RespondWithError(c, http.StatusNotFound, "Session not found, load the exam first", nil)
		return nil, false
	}
	return s, true
}

// LoadExam opens the session of an attempt and loads its modules
// @Router /attempts/{attempt_id}/load [post]
func (h *SessionHandler) LoadExam(c *gin.Context) {
	attemptID := ParseStringIDParam(c, "attempt_id")
	if attemptID == "" {
		return
	}
	h.LogRequest(c, "Loading exam")

	s, err := h.manager.Session(attemptID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if err := s.LoadExam(c.Request.Context()); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.State())
}

// LoadModule makes a module current and starts its timer
// @Router /attempts/{attempt_id}/modules/{module_id}/load [post]
func (h *SessionHandler) LoadModule(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	moduleID := ParseStringIDParam(c, "module_id")
	if moduleID == "" {
		return
	}
	h.LogRequest(c, "Loading module", "module_id", moduleID)

	if err := s.LoadModule(c.Request.Context(), moduleID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.State())
}

// SubmitAnswer records a response in the current module
// @Router /attempts/{attempt_id}/answers [put]
func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req SubmitAnswerRequest
	if !h.bindJSON(c, &req) {
		return
	}

	answer, err := s.SubmitAnswer(c.Request.Context(), req.SubSectionID, req.QuestionRef, req.Response)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, answer)
}

// @Router /attempts/{attempt_id}/answers/flag [post]
func (h *SessionHandler) ToggleFlag(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req ToggleFlagRequest
	if !h.bindJSON(c, &req) {
		return
	}

	answer, err := s.ToggleFlag(c.Request.Context(), req.SubSectionID, req.QuestionRef)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, answer)
}

// @Router /attempts/{attempt_id}/section [put]
func (h *SessionHandler) SetCurrentSection(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req SetSectionRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if err := s.SetCurrentSection(req.SectionID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.State())
}

// SaveNow pushes pending answers to the remote store immediately
// @Router /attempts/{attempt_id}/save [post]
func (h *SessionHandler) SaveNow(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	saved, err := s.SaveNow(c.Request.Context())
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SaveResponse{Synced: saved})
}

// SubmitModule grades and completes the current module. The body is optional.
// @Router /attempts/{attempt_id}/submit [post]
func (h *SessionHandler) SubmitModule(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req SubmitModuleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			h.RespondWithError(c, http.StatusBadRequest, "Invalid request payload", err, err.Error())
			return
		}
	}
	h.LogRequest(c, "Submitting module", "auto_submit", req.AutoSubmit)

	result, err := s.SubmitModule(c.Request.Context(), req.AutoSubmit)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// @Router /attempts/{attempt_id}/state [get]
func (h *SessionHandler) GetState(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.State())
}

// Release stops the current module's timer and flushes its answers
// @Router /attempts/{attempt_id}/release [post]
func (h *SessionHandler) Release(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Release(c.Request.Context()); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.State())
}

// EndSession closes the session and forgets it
// @Router /attempts/{attempt_id} [delete]
func (h *SessionHandler) EndSession(c *gin.Context) {
	attemptID := ParseStringIDParam(c, "attempt_id")
	if attemptID == "" {
		return
	}
	h.LogRequest(c, "Ending session")

	if err := h.manager.End(c.Request.Context(), attemptID); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StreamState pushes every state change as a server-sent event until the
// client disconnects or the session closes.
// @Router /attempts/{attempt_id}/events [get]
func (h *SessionHandler) StreamState(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	c.SSEvent("state", s.State())
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case state, open := <-updates:
			if !open {
				return false
			}
			c.SSEvent("state", state)
			return true
		}
	})
}
