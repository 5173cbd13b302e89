package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hireflux/assessment-engine/internal/middleware"
	"github.com/hireflux/assessment-engine/pkg/auth"
)

// Routes собирает обработчики и middleware для регистрации маршрутов
type Routes struct {
	Attempts    *AttemptHandler
	Reviews     *ReviewHandler
	Assessments *AssessmentHandler
	WS          *WSHandler

	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	ExecuteRate middleware.RateLimitConfig
}

// Register настраивает маршруты API
func (r *Routes) Register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if r.WS != nil {
			resp["websocket"] = r.WS.Metrics()
		}
		c.JSON(http.StatusOK, resp)
	})

	api := router.Group("/api")

	// Кандидат: ссылка на попытку заменяет аутентификацию
	candidate := api.Group("/attempts/:token")
	candidate.Use(middleware.ExtractAccessToken("token", ContextAccessTokenKey))
	if r.RateLimiter != nil {
		candidate.Use(r.RateLimiter.Limit(middleware.CandidateRateLimitConfig()))
	}
	{
		candidate.GET("", r.Attempts.GetSession)
		candidate.POST("/start", r.Attempts.StartAttempt)
		candidate.POST("/responses", r.Attempts.SubmitResponse)
		candidate.POST("/submit", r.Attempts.Submit)
		candidate.GET("/results", r.Attempts.GetResults)
		candidate.POST("/report-activity", r.Attempts.ReportActivity)

		execute := []gin.HandlerFunc{r.Attempts.ExecuteCode}
		if r.RateLimiter != nil {
			execute = append([]gin.HandlerFunc{r.RateLimiter.Limit(r.ExecuteRate)}, execute...)
		}
		candidate.POST("/execute-code", execute...)

		if r.WS != nil {
			candidate.GET("/ws", r.WS.HandleConnection)
		}
	}

	// Ревьюеры: JWT внешнего сервиса аутентификации
	review := api.Group("/review")
	review.Use(r.Auth.RequireRole(auth.RoleReviewer))
	{
		byAssessment := review.Group("/assessments/:id")
		byAssessment.Use(middleware.ExtractUintParam("id", "assessment_id"))
		{
			byAssessment.GET("/attempts", r.Reviews.ListAttempts)
			byAssessment.GET("/attempts/export.xlsx", r.Reviews.ExportAttempts)
		}

		review.GET("/attempts/:attemptId", middleware.ExtractUUIDParam("attemptId", "attempt_id"), r.Reviews.GetAttempt)
		review.GET("/responses/pending", r.Reviews.ListPendingManual)
		review.POST("/responses/:responseId/grade", middleware.ExtractUUIDParam("responseId", "response_id"), r.Reviews.ManualGrade)
	}

	// Сервис управления: снимки оценок и выпуск ссылок
	internal := api.Group("/internal")
	internal.Use(r.Auth.RequireRole(auth.RoleManager))
	{
		byID := internal.Group("/assessments/:id")
		byID.Use(middleware.ExtractUintParam("id", "assessment_id"))
		{
			byID.PUT("", r.Assessments.UpsertDefinition)
			byID.POST("/attempts", r.Assessments.IssueAttempt)
		}
	}
}
