package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/access"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/memories"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/scores"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxBodyBytes   = 25 << 20
)

var (
	errMissingGate         = errors.New("access gate dependency required")
	errMissingMemories     = errors.New("memories service dependency required")
	errMissingScores       = errors.New("scores service dependency required")
	errMissingSurveyScores = errors.New("survey scores service dependency required")
	errMissingSchedule     = errors.New("tkb service dependency required")
)

type Dependencies struct {
	Gate         *access.Gate
	Memories     *memories.Service
	Scores       *scores.Service
	SurveyScores *scores.Service
	Schedule     *schedule.Service

	AllowedOrigins []string
	MaxBodyBytes   int64
	// RequestTimeout bounds every service call made on behalf of a request.
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Memories == nil {
		return nil, errMissingMemories
	}
	if deps.Scores == nil {
		return nil, errMissingScores
	}
	if deps.SurveyScores == nil {
		return nil, errMissingSurveyScores
	}
	if deps.Schedule == nil {
		return nil, errMissingSchedule
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(accessLogMiddleware(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(bodyLimitMiddleware(maxBody))

	handler := &httpHandler{
		gate:         deps.Gate,
		memories:     deps.Memories,
		scores:       deps.Scores,
		surveyScores: deps.SurveyScores,
		schedule:     deps.Schedule,
		timeout:      timeout,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.POST("/auth-check", handler.handleAuthCheck)

	api.POST("/add-memory", handler.handleAddMemory)
	api.GET("/list-memories", handler.handleListMemories)
	api.POST("/update-memory-metadata", handler.handleUpdateMemory)
	api.DELETE("/delete-memory", handler.handleDeleteMemory)
	api.POST("/delete-memory", handler.handleDeleteMemory)

	registerScoreRoutes(api, handler, handler.scores, "score", "scores")
	registerScoreRoutes(api, handler, handler.surveyScores, "survey-score", "survey-scores")

	api.POST("/add-tkb", handler.handleAddSchedule)
	api.GET("/list-tkb", handler.handleListSchedule)
	api.DELETE("/delete-tkb", handler.handleDeleteSchedule)
	api.POST("/delete-tkb", handler.handleDeleteSchedule)

	return router, nil
}

func registerScoreRoutes(api *gin.RouterGroup, handler *httpHandler, service *scores.Service, singular, plural string) {
	api.POST("/add-"+singular, handler.handleAddScore(service))
	api.GET("/list-"+plural, handler.handleListScores(service))
	api.DELETE("/delete-"+singular, handler.handleDeleteScore(service))
	api.POST("/delete-"+singular, handler.handleDeleteScore(service))
}

type httpHandler struct {
	gate         *access.Gate
	memories     *memories.Service
	scores       *scores.Service
	surveyScores *scores.Service
	schedule     *schedule.Service
	timeout      time.Duration
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
