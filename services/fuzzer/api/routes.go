// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the fuzzer endpoints under rg.
//
// Endpoints:
//
//	GET  /fuzz/health
//	GET  /fuzz/patterns
//	GET  /fuzz/patterns/stats
//	GET  /fuzz/patterns/report
//	POST /fuzz/patterns/save
//	GET  /fuzz/usage
//	GET  /fuzz/usage/report
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	fuzz := rg.Group("/fuzz")
	{
		fuzz.GET("/health", handlers.HandleHealth)

		fuzz.GET("/patterns", handlers.HandlePatterns)
		fuzz.GET("/patterns/stats", handlers.HandlePatternStats)
		fuzz.GET("/patterns/report", handlers.HandlePatternReport)
		fuzz.POST("/patterns/save", handlers.HandleSavePatterns)

		fuzz.GET("/usage", handlers.HandleUsage)
		fuzz.GET("/usage/report", handlers.HandleUsageReport)
	}
}

// NewRouter builds a router with tracing middleware, the fuzzer routes
// under /v1 and, when metrics is non-nil, GET /metrics.
func NewRouter(handlers *Handlers, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("reusefuzz"))

	RegisterRoutes(router.Group("/v1"), handlers)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}
