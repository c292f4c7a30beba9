package extractor

import (
	"context"
	"fmt"

	"grade-vista/adapters"
	"grade-vista/internal/types"
	"grade-vista/utils"

	"golang.org/x/sync/semaphore"
)

// Service runs retrieval jobs, at most MaxConcurrentJobs at a time. Each job gets
// its own browser session.
type Service struct {
	config  *types.Config
	logger  types.Logger
	browser *utils.BrowserClient
	store   *utils.ArtifactStore
	site    *adapters.ResultSiteAdapter
	jobs    *semaphore.Weighted
}

// NewService creates a retrieval service
func NewService(config *types.Config, logger types.Logger) *Service {
	limit := int64(config.MaxConcurrentJobs)
	if limit < 1 {
		limit = 1
	}
	return &Service{
		config:  config,
		logger:  logger,
		browser: utils.NewBrowserClient(config, logger),
		store:   utils.NewArtifactStore(config.DownloadDir),
		site:    adapters.NewResultSiteAdapter(config, logger),
		jobs:    semaphore.NewWeighted(limit),
	}
}

// Store returns the directory the service writes artifacts to
func (s *Service) Store() *utils.ArtifactStore {
	return s.store
}

// Retrieve runs one job for payload. The job timeout also covers the wait for a free slot.
func (s *Service) Retrieve(ctx context.Context, payload types.Payload) (*types.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	if err := s.jobs.Acquire(ctx, 1); err != nil {
		return nil, &types.RetrievalError{Kind: types.FailureTimeout, Step: "queue", Err: fmt.Errorf("no free job slot: %w", err)}
	}
	defer s.jobs.Release(1)

	job := NewResultExtractor(s.config, s.logger, payload, s.browser, s.store, s.site)
	session, err := job.Init(ctx)
	if err != nil {
		return nil, err
	}
	return job.Navigate(ctx, session)
}
