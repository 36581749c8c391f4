//go:build !lambda
// +build !lambda

package main

import (
	"log"
	"os"

	"walletpilot-api/internal/logger"
	"walletpilot-api/internal/server"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		// It's often okay if the .env file is missing, especially in production
		// where variables might be set directly in the environment.
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	// Initialize logger first
	logger.InitLogger()

	r := gin.Default()
	server.InitializeHandlers()
	server.InitializeRoutes(r)
	defer server.Shutdown()

	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Error starting server: %v", err)
	}
}
