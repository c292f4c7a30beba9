package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"grade-vista/adapters"
	"grade-vista/internal/logging"
	"grade-vista/internal/types"
	"grade-vista/utils"

	"github.com/joho/godotenv"
)

// Loads the results page in a browser and reports which form controls the
// retrieval job depends on are still there.
func main() {
	_ = godotenv.Load()

	config := types.DefaultConfig()
	var (
		baseURL   = flag.String("base-url", config.BaseURL, "Results website URL")
		timeout   = flag.Duration("timeout", config.NavigationTimeout, "Page load timeout")
		noSandbox = flag.Bool("no-sandbox", os.Getenv("NO_SANDBOX") == "true", "Disable the browser sandbox")
		verbose   = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	config.BaseURL = *baseURL
	config.NavigationTimeout = *timeout
	config.NoSandbox = *noSandbox

	logger, _ := logging.New(logging.Options{Level: os.Getenv("LOG_LEVEL"), Verbose: *verbose, Output: os.Stderr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*config.NavigationTimeout+10*time.Second)
	defer cancel()

	browserClient := utils.NewBrowserClient(config, logger)
	html, err := browserClient.GetPageContent(ctx, config.BaseURL)
	if err != nil {
		log.Fatalf("Failed to load %s: %v", config.BaseURL, err)
	}

	site := adapters.NewResultSiteAdapter(config, logger)
	report, err := site.InspectForm(html)
	if err != nil {
		log.Fatalf("Failed to inspect page: %v", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal report: %v", err)
	}
	fmt.Println(string(data))

	if len(report.Missing) > 0 {
		logger.Warnf("%d expected controls are missing", len(report.Missing))
		os.Exit(1)
	}
	logger.Info("All expected controls are present")
}
