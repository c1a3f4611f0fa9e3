package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Brownie44l1/classifier-api/internal/middleware"
	"github.com/Brownie44l1/classifier-api/web"
)

// NewRouter wires middleware, templates, static assets, metrics and the
// handler's routes into one engine.
func NewRouter(h *Handler) (*gin.Engine, error) {
	tmpl, err := web.Templates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Logging(), middleware.CORS(), gin.Recovery())
	router.SetHTMLTemplate(tmpl)
	router.StaticFS("/static", http.FS(web.Static()))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h.RegisterRoutes(router)
	return router, nil
}
