package types

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Payload identifies the examination result to fetch
type Payload struct {
	ExamName  string `json:"exam"`
	Year      string `json:"year"`
	ExamBoard string `json:"board"`
	RollNo    string `json:"roll"`
	RegNo     string `json:"reg"`
}

// Rect is an element's bounding rectangle in page coordinates (CSS pixels)
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Field is one labelled value of a result sheet
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ResultSheet holds the label/value rows read from a rendered result table
type ResultSheet struct {
	Fields []Field `json:"fields"`
}

// Get returns the value of the first field whose label matches, ignoring case
func (s *ResultSheet) Get(label string) string {
	if s == nil {
		return ""
	}
	for _, f := range s.Fields {
		if strings.EqualFold(strings.TrimSpace(f.Label), label) {
			return f.Value
		}
	}
	return ""
}

// Artifact is the image/document pair produced by one retrieval job
type Artifact struct {
	JobID        string       `json:"job_id"`
	ImagePath    string       `json:"image_path"`
	DocumentPath string       `json:"document_path"`
	Region       Rect         `json:"region"`
	PageWidth    float64      `json:"page_width"`
	PageHeight   float64      `json:"page_height"`
	Sheet        *ResultSheet `json:"sheet,omitempty"`
}

// Remove deletes both artifact files. Files that are already gone are not an error.
func (a *Artifact) Remove() error {
	if a == nil {
		return nil
	}
	var errs []error
	for _, path := range []string{a.DocumentPath, a.ImagePath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// FailureKind classifies why a retrieval job produced no artifact
type FailureKind string

const (
	FailureBrowser    FailureKind = "browser"
	FailureNavigation FailureKind = "navigation"
	FailureTimeout    FailureKind = "timeout"
	FailureStructure  FailureKind = "structural_mismatch"
	FailureChallenge  FailureKind = "challenge_unparseable"
	FailureRejected   FailureKind = "submission_rejected"
	FailureArtifact   FailureKind = "artifact"
)

// RetrievalError is returned by every failed retrieval step
type RetrievalError struct {
	Kind FailureKind
	Step string
	Err  error
}

func (e *RetrievalError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("retrieval failed at %s (%s)", e.Step, e.Kind)
	}
	return fmt.Sprintf("retrieval failed at %s (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, or "" when err is not a retrieval error
func KindOf(err error) FailureKind {
	var re *RetrievalError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// Config holds the configuration for the bot and the retrieval jobs
type Config struct {
	BaseURL     string
	DownloadDir string

	Headless       bool
	NoSandbox      bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int

	NavigationTimeout time.Duration
	StepTimeout       time.Duration
	ResultTimeout     time.Duration
	JobTimeout        time.Duration
	MaxConcurrentJobs int

	SessionIdleTimeout time.Duration
	MaxSessions        int
	MessagesPerSecond  float64
	// TelegramEndpoint overrides the Bot API URL format; empty uses the public API
	TelegramEndpoint string

	RequestDelay time.Duration
	MaxRetries   int
	Timeout      time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "http://www.educationboardresults.gov.bd/",
		DownloadDir: "downloads",

		Headless:       true,
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,

		NavigationTimeout: 30 * time.Second,
		StepTimeout:       10 * time.Second,
		ResultTimeout:     15 * time.Second,
		JobTimeout:        2 * time.Minute,
		MaxConcurrentJobs: 3,

		SessionIdleTimeout: 30 * time.Minute,
		MaxSessions:        1024,
		MessagesPerSecond:  25,

		RequestDelay: 1 * time.Second,
		MaxRetries:   2,
		Timeout:      15 * time.Second,
	}
}

// Logger defines the logging interface
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// WithFields attaches structured fields when the logger supports them
func WithFields(logger Logger, fields map[string]interface{}) Logger {
	if fl, ok := logger.(logrus.FieldLogger); ok {
		return fl.WithFields(logrus.Fields(fields))
	}
	return logger
}
