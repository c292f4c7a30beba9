package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"grade-vista/extractor"
	"grade-vista/internal/logging"
	"grade-vista/internal/server"
	"grade-vista/internal/types"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	// Get port from environment variable, default to 8080
	serverPort := "8080"
	if envPort := os.Getenv("API_PORT"); envPort != "" {
		serverPort = envPort
		fmt.Printf("Using port from environment variable API_PORT: %s\n", serverPort)
	} else {
		fmt.Printf("No API_PORT environment variable found, using default: %s\n", serverPort)
	}

	logger, fileHook := logging.New(logging.FromEnv(*verbose))
	defer fileHook.Close()

	config := types.DefaultConfig()
	if baseURL := os.Getenv("BASE_URL"); baseURL != "" {
		config.BaseURL = baseURL
	}
	if dir := os.Getenv("DOWNLOAD_DIR"); dir != "" {
		config.DownloadDir = dir
	}
	config.NoSandbox = os.Getenv("NO_SANDBOX") == "true"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create and start server
	api := server.NewServer(config, logger, extractor.NewService(config, logger))
	defer api.Close()

	if err := api.Start(ctx, ":"+serverPort); err != nil {
		log.Fatal(err)
	}
}
