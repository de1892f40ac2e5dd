// Package middleware provides the HTTP middleware stack: CORS and rate
// limiting.
package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS creates a permissive CORS middleware. The service sits behind a
// trusted front end; tighten AllowOrigins when exposing it directly.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Accept", "Authorization", "Cache-Control"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}
