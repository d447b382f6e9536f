package handlers

import (
	"net/http"

	"github.com/SAP-F-2025/exam-session/internal/metrics"
	"github.com/SAP-F-2025/exam-session/internal/services"
	"github.com/SAP-F-2025/exam-session/internal/utils"
	"github.com/SAP-F-2025/exam-session/internal/validator"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	playground "github.com/go-playground/validator/v10"
)

type HandlerManager struct {
	sessionHandler   *SessionHandler
	answerKeyHandler *AnswerKeyHandler
}

func NewHandlerManager(
	manager *services.SessionManager,
	importer *services.AnswerKeyImporter,
	v *validator.Validator,
	logger utils.Logger,
) *HandlerManager {
	return &HandlerManager{
		sessionHandler:   NewSessionHandler(manager, v, logger),
		answerKeyHandler: NewAnswerKeyHandler(importer, logger),
	}
}

// NewRouter builds the gin engine with the logging and metrics middleware
// and every route registered.
func NewRouter(hm *HandlerManager, logger utils.Logger) *gin.Engine {
	if engine, ok := binding.Validator.Engine().(*playground.Validate); ok {
		validator.RegisterCustomValidators(engine)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(utils.RequestID())
	router.Use(utils.LoggerMiddleware(logger))
	router.Use(metrics.MetricsMiddleware())

	hm.SetupRoutes(router, logger)
	return router
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine, logger utils.Logger) {
	router.GET("/health", HealthCheck)
	router.GET("/metrics", metrics.PrometheusHandler())

	v1 := router.Group("/api/v1")
	v1.Use(utils.ContextLogger(logger))
	{
		// Session routes
		attempts := v1.Group("/attempts/:attempt_id")
		{
			attempts.POST("/load", hm.sessionHandler.LoadExam)
			attempts.POST("/modules/:module_id/load", hm.sessionHandler.LoadModule)
			attempts.PUT("/answers", hm.sessionHandler.SubmitAnswer)
			attempts.POST("/answers/flag", hm.sessionHandler.ToggleFlag)
			attempts.PUT("/section", hm.sessionHandler.SetCurrentSection)
			attempts.POST("/save", hm.sessionHandler.SaveNow)
			attempts.POST("/submit", hm.sessionHandler.SubmitModule)
			attempts.POST("/release", hm.sessionHandler.Release)
			attempts.GET("/state", hm.sessionHandler.GetState)
			attempts.GET("/events", hm.sessionHandler.StreamState)
			attempts.DELETE("", hm.sessionHandler.EndSession)
		}

		// Answer key routes
		modules := v1.Group("/modules/:module_id")
		{
			modules.POST("/answer-keys/import", hm.answerKeyHandler.ImportAnswerKeys)
			modules.GET("/answer-keys/export", hm.answerKeyHandler.ExportAnswerKeys)
		}
	}
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "exam-session",
	})
}
