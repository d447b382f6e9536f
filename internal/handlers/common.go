package handlers

import (
	"github.com/SAP-F-2025/exam-session/internal/models"
	"github.com/SAP-F-2025/exam-session/internal/utils"
	"github.com/gin-gonic/gin"
)

// ===== COMMON RESPONSE STRUCTURES =====

// ErrorResponse represents an error response
type ErrorResponse struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// SuccessResponse represents a success response
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ===== REQUEST STRUCTURES =====

// SubmitAnswerRequest records a response for one question
type SubmitAnswerRequest struct {
	SubSectionID string          `json:"sub_section_id" validate:"required"`
	QuestionRef  string          `json:"question_ref" validate:"required"`
	Response     models.Response `json:"response"`
}

// ToggleFlagRequest flips the review flag of one question
type ToggleFlagRequest struct {
	SubSectionID string `json:"sub_section_id" validate:"required"`
	QuestionRef  string `json:"question_ref" validate:"required"`
}

type SetSectionRequest struct {
	SectionID string `json:"section_id" validate:"required"`
}

type SubmitModuleRequest struct {
	AutoSubmit bool `json:"auto_submit"`
}

type SaveResponse struct {
	Synced int `json:"synced"`
}

// ===== BASE HANDLER STRUCT =====

// BaseHandler provides common logging functionality for all handlers
type BaseHandler struct {
	logger utils.Logger
}

func NewBaseHandler(logger utils.Logger) BaseHandler {
	if logger == nil {
		logger = utils.NewSlogLogger(nil)
	}
	return BaseHandler{logger: logger}
}

// requestLogger prefers the request scoped logger set by the middleware
func (h *BaseHandler) requestLogger(c *gin.Context) utils.Logger {
	return utils.GetLoggerFromContext(c, h.logger)
}

// LogRequest logs an incoming operation with its identifiers
func (h *BaseHandler) LogRequest(c *gin.Context, message string, additionalFields ...interface{}) {
	h.requestLogger(c).Info(message, additionalFields...)
}

// LogError logs error details with context information
func (h *BaseHandler) LogError(c *gin.Context, err error, message string, additionalFields ...interface{}) {
	h.requestLogger(c).LogError(err, message, additionalFields...)
}

func (h *BaseHandler) LogWarn(c *gin.Context, message string, additionalFields ...interface{}) {
	h.requestLogger(c).Warn(message, additionalFields...)
}

// RespondWithError sends a consistent error response and logs it
func (h *BaseHandler) RespondWithError(c *gin.Context, statusCode int, message string, err error, details ...interface{}) {
	errorResp := ErrorResponse{
		Message: message,
	}
	if len(details) > 0 {
		errorResp.Details = details[0]
	}

	if err != nil && statusCode >= 500 {
		h.LogError(c, err, message, "status_code", statusCode)
	} else if err != nil {
		h.LogWarn(c, message, "status_code", statusCode, "error", err)
	} else {
		h.LogWarn(c, message, "status_code", statusCode)
	}

	c.JSON(statusCode, errorResp)
}

// RespondWithSuccess sends a consistent success response
func (h *BaseHandler) RespondWithSuccess(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, SuccessResponse{
		Message: message,
		Data:    data,
	})
}
