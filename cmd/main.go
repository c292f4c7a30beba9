package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"grade-vista/adapters"
	"grade-vista/conversation"
	"grade-vista/extractor"
	"grade-vista/internal/logging"
	"grade-vista/internal/server"
	"grade-vista/internal/types"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	restartBackoff    = 2 * time.Second
	maxRestartBackoff = time.Minute
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	config := types.DefaultConfig()

	// Parse command line flags
	var (
		baseURL       = flag.String("base-url", envOr("BASE_URL", config.BaseURL), "Results website URL")
		downloadDir   = flag.String("download-dir", envOr("DOWNLOAD_DIR", config.DownloadDir), "Directory for temporary result files")
		httpAddr      = flag.String("http-addr", "", "Also serve the HTTP API on this address (e.g. :8080)")
		maxConcurrent = flag.Int("concurrent", config.MaxConcurrentJobs, "Maximum concurrent retrieval jobs")
		jobTimeout    = flag.Duration("job-timeout", config.JobTimeout, "Timeout of one retrieval job")
		idleTimeout   = flag.Duration("idle-timeout", config.SessionIdleTimeout, "Idle time before a conversation expires")
		headless      = flag.Bool("headless", envBool("HEADLESS", config.Headless), "Run the browser headless")
		noSandbox     = flag.Bool("no-sandbox", envBool("NO_SANDBOX", config.NoSandbox), "Disable the browser sandbox (containers)")
		verbose       = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	token := os.Getenv("BOT_TOKEN")
	if token == "" {
		log.Fatal("BOT_TOKEN environment variable is required")
	}

	// Setup logging
	logger, fileHook := logging.New(logging.FromEnv(*verbose))
	defer fileHook.Close()
	if err := tgbotapi.SetLogger(logger.WithField("component", "telegram")); err != nil {
		logger.Warnf("Failed to route telegram logs: %v", err)
	}

	config.BaseURL = *baseURL
	config.DownloadDir = *downloadDir
	config.MaxConcurrentJobs = *maxConcurrent
	config.JobTimeout = *jobTimeout
	config.SessionIdleTimeout = *idleTimeout
	config.Headless = *headless
	config.NoSandbox = *noSandbox
	if config.JobTimeout >= config.SessionIdleTimeout {
		logger.Warnf("Job timeout %v is not below the idle timeout %v; slow jobs may outlive their session",
			config.JobTimeout, config.SessionIdleTimeout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backoff := restartBackoff
	for {
		startTime := time.Now()
		err := runBot(ctx, token, config, logger, *httpAddr)
		if ctx.Err() != nil {
			logger.Info("Shutting down")
			return
		}

		logger.Errorf("Bot stopped unexpectedly: %v", err)
		if time.Since(startTime) > maxRestartBackoff {
			backoff = restartBackoff
		}
		logger.Infof("Restarting in %v", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			logger.Info("Shutting down")
			return
		}
		backoff = min(backoff*2, maxRestartBackoff)
	}
}

// runBot wires the gateway, the conversation manager and the retrieval service and
// blocks until ctx is done or one of them fails. A panic is returned as an error.
func runBot(ctx context.Context, token string, config *types.Config, logger *logrus.Logger, httpAddr string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	gateway, err := adapters.NewTelegramAdapter(token, config, logger)
	if err != nil {
		return err
	}

	service := extractor.NewService(config, logger)
	logger.Infof("Result files are written to %s", service.Store().Dir())

	g, ctx := errgroup.WithContext(ctx)
	manager := conversation.NewManager(ctx, config, logger, gateway, service)
	defer manager.Close()

	g.Go(recovered(func() error {
		return gateway.Listen(ctx, manager.Dispatch)
	}))

	if httpAddr != "" {
		api := server.NewServer(config, logger, service)
		defer api.Close()
		g.Go(recovered(func() error {
			return api.Start(ctx, httpAddr)
		}))
	}

	return g.Wait()
}

// recovered turns a panic in fn into an error so the bot can be restarted
func recovered(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
