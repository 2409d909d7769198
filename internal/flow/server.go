package flow

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/pkg/logger"
)

// InstanceLister snapshots the known instances of one type for the API.
type InstanceLister func(t model.VNFType) []model.Instance

// Server exposes the flow API over HTTP.
type Server struct {
	controller *Controller
	instances  InstanceLister
	srv        *http.Server
	log        *zap.Logger
}

func NewServer(controller *Controller, instances InstanceLister, log *zap.Logger) *Server {
	return &Server{controller: controller, instances: instances, log: log}
}

// Router builds the gin handler. Split out so tests can drive it without
// a listener.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	router.GET("/flows", func(c *gin.Context) {
		rules := s.controller.ListRules("")
		if rules == nil {
			rules = []model.FlowRule{}
		}
		c.JSON(http.StatusOK, rules)
	})

	router.POST("/flows", func(c *gin.Context) {
		var body struct {
			VNFType    string `json:"vnf_type" binding:"required"`
			InstanceID string `json:"instance_id" binding:"required"`
			Priority   int    `json:"priority"`
			ChainID    string `json:"chain_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rule, err := s.controller.AddRule(model.VNFType(body.VNFType), body.InstanceID, body.Priority, body.ChainID)
		if err != nil {
			if model.IsCode(err, model.ErrCodeConflict) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rule)
	})

	router.DELETE("/flows/:flow_id", func(c *gin.Context) {
		if err := s.controller.RemoveRule(c.Param("flow_id")); err != nil {
			if model.IsCode(err, model.ErrCodeInvalidAction) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.GET("/vnf/:type/instances", func(c *gin.Context) {
		t := model.VNFType(c.Param("type"))
		insts := s.instances(t)
		if insts == nil {
			insts = []model.Instance{}
		}
		c.JSON(http.StatusOK, insts)
	})

	router.GET("/load-balance/:type", func(c *gin.Context) {
		inst, err := s.controller.NextInstance(model.VNFType(c.Param("type")))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, inst)
	})

	return router
}

// Start runs the listener in the background.
func (s *Server) Start(port int) {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Info("Flow API started", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("Flow API failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
