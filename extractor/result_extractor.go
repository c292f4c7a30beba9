package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"grade-vista/adapters"
	"grade-vista/internal/types"
	"grade-vista/utils"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

const (
	// resultPollInterval paces the checks for the rendered result
	resultPollInterval = 250 * time.Millisecond
	// submittedMarker is set on the form document right before submitting. A
	// document without it has been loaded by the submission.
	submittedMarker = "__gradeVistaSubmitted"
	// pageSizeTolerance absorbs float formatting of the MediaBox, in CSS pixels
	pageSizeTolerance = 0.01
)

// ResultExtractor runs one retrieval job: it fills the results form of a single
// browser session, submits it and captures the rendered result table.
type ResultExtractor struct {
	jobID   string
	config  *types.Config
	logger  types.Logger
	payload types.Payload
	browser *utils.BrowserClient
	store   *utils.ArtifactStore
	site    *adapters.ResultSiteAdapter

	mu     sync.Mutex
	dialog string
}

// NewResultExtractor creates a job for payload
func NewResultExtractor(config *types.Config, logger types.Logger, payload types.Payload,
	browser *utils.BrowserClient, store *utils.ArtifactStore, site *adapters.ResultSiteAdapter) *ResultExtractor {
	jobID := uuid.NewString()
	return &ResultExtractor{
		jobID:   jobID,
		config:  config,
		logger:  types.WithFields(logger, map[string]interface{}{"job": jobID, "roll": payload.RollNo}),
		payload: payload,
		browser: browser,
		store:   store,
		site:    site,
	}
}

// JobID returns the job's unique id
func (e *ResultExtractor) JobID() string {
	return e.jobID
}

// Init acquires a fresh browser session for the job
func (e *ResultExtractor) Init(ctx context.Context) (*utils.BrowserSession, error) {
	session, err := e.browser.NewSession(ctx)
	if err != nil {
		return nil, e.classify(ctx, "init", types.FailureBrowser, types.FailureBrowser, err)
	}
	return session, nil
}

// Navigate drives session through the results form and returns the captured
// artifact. The session is closed before Navigate returns, whatever the outcome.
func (e *ResultExtractor) Navigate(ctx context.Context, session *utils.BrowserSession) (*types.Artifact, error) {
	defer session.Close()
	stop := context.AfterFunc(ctx, session.Close)
	defer stop()

	startTime := time.Now()
	tab := session.Context()
	e.logger.Infof("Starting retrieval at %v", startTime.Format("15:04:05.000"))

	e.watchDialogs(tab)

	// Step 1: load the form and let the network settle
	e.logger.Debug("Step 1: Loading results page...")
	if err := e.load(ctx, tab); err != nil {
		return nil, err
	}

	// Step 2: fill the form in order
	e.logger.Debug("Step 2: Filling form...")
	if err := e.fill(ctx, tab); err != nil {
		return nil, err
	}

	// Step 3: solve the challenge and type the answer
	e.logger.Debug("Step 3: Solving challenge...")
	if err := e.answerChallenge(ctx, tab); err != nil {
		return nil, err
	}

	// Step 4: submit and wait for the result
	e.logger.Debug("Step 4: Submitting...")
	if err := e.submit(ctx, tab); err != nil {
		return nil, err
	}
	sheet, err := e.awaitResult(ctx, tab)
	if err != nil {
		return nil, err
	}

	// Step 5: capture the result region
	e.logger.Debug("Step 5: Capturing result region...")
	artifact, err := e.capture(ctx, tab)
	if err != nil {
		return nil, err
	}
	artifact.Sheet = sheet

	e.logger.Infof("Retrieval completed in %v", time.Since(startTime))
	return artifact, nil
}

// watchDialogs dismisses JavaScript dialogs and remembers the first message
func (e *ResultExtractor) watchDialogs(tab context.Context) {
	chromedp.ListenTarget(tab, func(ev interface{}) {
		opening, ok := ev.(*page.EventJavascriptDialogOpening)
		if !ok {
			return
		}
		e.mu.Lock()
		if e.dialog == "" {
			e.dialog = opening.Message
		}
		e.mu.Unlock()
		e.logger.Debugf("Dismissing %s dialog: %s", opening.Type, opening.Message)
		go func() {
			if err := chromedp.Run(tab, page.HandleJavaScriptDialog(true)); err != nil {
				e.logger.Debugf("Failed to dismiss dialog: %v", err)
			}
		}()
	})
}

func (e *ResultExtractor) dialogMessage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dialog
}

// load navigates to the form and waits until the navigation's loader has at most two
// open connections (the networkAlmostIdle lifecycle event)
func (e *ResultExtractor) load(ctx, tab context.Context) error {
	navCtx, cancel := context.WithTimeout(tab, e.config.NavigationTimeout)
	defer cancel()

	idle := make(chan cdp.LoaderID, 16)
	chromedp.ListenTarget(navCtx, func(ev interface{}) {
		if lifecycle, ok := ev.(*page.EventLifecycleEvent); ok && lifecycle.Name == "networkAlmostIdle" {
			select {
			case idle <- lifecycle.LoaderID:
			default:
			}
		}
	})

	var loaderID cdp.LoaderID
	err := chromedp.Run(navCtx,
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, id, errorText, err := page.Navigate(e.config.BaseURL).Do(ctx)
			if err != nil {
				return err
			}
			if errorText != "" {
				return fmt.Errorf("page load error %s", errorText)
			}
			loaderID = id
			return nil
		}),
	)
	if err != nil {
		return e.classify(ctx, "load", types.FailureNavigation, types.FailureTimeout, err)
	}

	for {
		select {
		case id := <-idle:
			if id == loaderID {
				e.logger.Debugf("Network idle after loading %s", e.config.BaseURL)
				return nil
			}
		case <-navCtx.Done():
			return e.classify(ctx, "load", types.FailureTimeout, types.FailureTimeout,
				fmt.Errorf("network did not settle: %w", navCtx.Err()))
		}
	}
}

// fill populates the selects and inputs. Controls that never appear are a structural
// mismatch; an option the site does not offer is a rejected submission.
func (e *ResultExtractor) fill(ctx, tab context.Context) error {
	selects := []struct{ selector, value string }{
		{adapters.SelectExam, e.payload.ExamName},
		{adapters.SelectYear, e.payload.Year},
		{adapters.SelectBoard, e.payload.ExamBoard},
	}
	for _, s := range selects {
		step := "select " + s.selector
		if err := e.run(ctx, tab, step, types.FailureStructure, chromedp.WaitReady(s.selector, chromedp.ByQuery)); err != nil {
			return err
		}
		var offered bool
		if err := e.run(ctx, tab, step, types.FailureStructure, chromedp.Evaluate(selectOptionScript(s.selector, s.value), &offered)); err != nil {
			return err
		}
		if !offered {
			return &types.RetrievalError{Kind: types.FailureRejected, Step: step, Err: fmt.Errorf("option %q is not offered", s.value)}
		}
	}

	inputs := []struct{ selector, value string }{
		{adapters.InputRoll, e.payload.RollNo},
		{adapters.InputReg, e.payload.RegNo},
	}
	for _, in := range inputs {
		if err := e.run(ctx, tab, "input "+in.selector, types.FailureStructure,
			chromedp.WaitReady(in.selector, chromedp.ByQuery),
			chromedp.SendKeys(in.selector, in.value, chromedp.ByQuery),
		); err != nil {
			return err
		}
	}
	return nil
}

func (e *ResultExtractor) answerChallenge(ctx, tab context.Context) error {
	var challenge string
	if err := e.run(ctx, tab, "challenge", types.FailureStructure,
		chromedp.Text(adapters.ChallengeXPath, &challenge, chromedp.BySearch),
	); err != nil {
		return err
	}

	answer, err := SolveChallenge(challenge)
	if err != nil {
		return &types.RetrievalError{Kind: types.FailureChallenge, Step: "challenge", Err: err}
	}
	e.logger.Debugf("Challenge %q solved as %d", challenge, answer)

	return e.run(ctx, tab, "answer", types.FailureStructure,
		chromedp.WaitReady(adapters.InputAnswer, chromedp.ByQuery),
		chromedp.SendKeys(adapters.InputAnswer, strconv.Itoa(answer), chromedp.ByQuery),
	)
}

func (e *ResultExtractor) submit(ctx, tab context.Context) error {
	var marked bool
	return e.run(ctx, tab, "submit", types.FailureStructure,
		chromedp.Evaluate("window."+submittedMarker+" = true", &marked),
		chromedp.WaitVisible(adapters.SubmitButton, chromedp.ByQuery),
		chromedp.Click(adapters.SubmitButton, chromedp.ByQuery),
	)
}

// awaitResult polls the tab until the submission has produced the result table
func (e *ResultExtractor) awaitResult(ctx, tab context.Context) (*types.ResultSheet, error) {
	waitCtx, cancel := context.WithTimeout(tab, e.config.ResultTimeout)
	defer cancel()
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	script := submissionStateScript(e.site.ResultSelector())
	for {
		if msg := e.dialogMessage(); msg != "" {
			return nil, &types.RetrievalError{Kind: types.FailureRejected, Step: "result", Err: fmt.Errorf("site alert: %s", msg)}
		}

		// evaluation fails while the next document is loading
		var state string
		evalCtx, cancelEval := context.WithTimeout(waitCtx, 4*resultPollInterval)
		err := chromedp.Run(evalCtx, chromedp.Evaluate(script, &state))
		cancelEval()
		switch {
		case err != nil:
			e.logger.Debugf("Result not readable yet: %v", err)
		case state == "result":
			return e.readSheet(ctx, tab)
		case state == "form":
			return nil, &types.RetrievalError{Kind: types.FailureRejected, Step: "result", Err: errors.New("site returned the form")}
		}

		select {
		case <-waitCtx.Done():
			return nil, e.classify(ctx, "result", types.FailureTimeout, types.FailureTimeout,
				fmt.Errorf("result table did not appear: %w", waitCtx.Err()))
		case <-ticker.C:
		}
	}
}

func (e *ResultExtractor) readSheet(ctx, tab context.Context) (*types.ResultSheet, error) {
	var html string
	if err := e.run(ctx, tab, "read result", types.FailureStructure, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	// the sheet only feeds the caption; a table without label/value rows is still captured
	sheet, err := e.site.ParseResultSheet(html)
	if err != nil {
		e.logger.Warnf("Result fields not readable, sending without summary: %v", err)
		return nil, nil
	}
	return sheet, nil
}

// tableLayout is the result table's rectangle plus the layout width of the page
type tableLayout struct {
	types.Rect
	LayoutWidth float64 `json:"layoutWidth"`
}

// capture writes the result region as a PNG and as a single page PDF of the same size
func (e *ResultExtractor) capture(ctx, tab context.Context) (*types.Artifact, error) {
	var layout tableLayout
	if err := e.run(ctx, tab, "region", types.FailureStructure,
		chromedp.Evaluate(regionScript(e.site.ResultSelector()), &layout),
	); err != nil {
		return nil, err
	}
	region := SnapRegion(layout.Rect)
	paperWidth, paperHeight, err := PaperSize(region)
	if err != nil {
		return nil, &types.RetrievalError{Kind: types.FailureStructure, Step: "region", Err: err}
	}
	e.logger.Debugf("Result region %.0fx%.0f at (%.0f, %.0f)", region.Width, region.Height, region.X, region.Y)

	var image, document []byte
	if err := e.run(ctx, tab, "screenshot", types.FailureArtifact, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		image, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{X: region.X, Y: region.Y, Width: region.Width, Height: region.Height, Scale: 1}).
			WithCaptureBeyondViewport(true).
			Do(ctx)
		return err
	})); err != nil {
		return nil, err
	}

	var shifted bool
	if err := e.run(ctx, tab, "pdf", types.FailureArtifact,
		emulation.SetEmulatedMedia().WithMedia("screen"),
		chromedp.Evaluate(shiftScript(region, layout.LayoutWidth), &shifted),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			document, _, err = page.PrintToPDF().
				WithPaperWidth(paperWidth).
				WithPaperHeight(paperHeight).
				WithMarginTop(0).
				WithMarginBottom(0).
				WithMarginLeft(0).
				WithMarginRight(0).
				WithPageRanges("1").
				WithPrintBackground(true).
				WithPreferCSSPageSize(false).
				Do(ctx)
			return err
		}),
	); err != nil {
		return nil, err
	}

	imagePath, documentPath := e.store.Paths(e.payload.RollNo, e.jobID)
	artifact := &types.Artifact{
		JobID:        e.jobID,
		ImagePath:    imagePath,
		DocumentPath: documentPath,
		Region:       region,
	}
	if artifact.PageWidth, artifact.PageHeight, err = PageSize(document); err != nil {
		return nil, &types.RetrievalError{Kind: types.FailureArtifact, Step: "pdf", Err: err}
	}
	if math.Abs(artifact.PageWidth-region.Width) > pageSizeTolerance || math.Abs(artifact.PageHeight-region.Height) > pageSizeTolerance {
		return nil, &types.RetrievalError{Kind: types.FailureArtifact, Step: "pdf", Err: fmt.Errorf(
			"page %.2fx%.2f does not match region %.0fx%.0f", artifact.PageWidth, artifact.PageHeight, region.Width, region.Height)}
	}
	if err := e.store.Write(imagePath, image); err != nil {
		return nil, e.discard(artifact, err)
	}
	if err := e.store.Write(documentPath, document); err != nil {
		return nil, e.discard(artifact, err)
	}

	e.logger.Debugf("Wrote %s (%d bytes) and %s (%d bytes)", imagePath, len(image), documentPath, len(document))
	return artifact, nil
}

func (e *ResultExtractor) discard(artifact *types.Artifact, err error) error {
	if rmErr := artifact.Remove(); rmErr != nil {
		e.logger.Warnf("Failed to remove partial artifacts: %v", rmErr)
	}
	return &types.RetrievalError{Kind: types.FailureArtifact, Step: "write", Err: err}
}

// run executes actions within one step timeout
func (e *ResultExtractor) run(ctx, tab context.Context, step string, kind types.FailureKind, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(tab, e.config.StepTimeout)
	defer cancel()
	if err := chromedp.Run(stepCtx, actions...); err != nil {
		return e.classify(ctx, step, kind, kind, err)
	}
	return nil
}

// classify turns a step error into a RetrievalError. A step that ran out of time
// gets onTimeout; a job whose own context ended is a timeout or a browser failure.
func (e *ResultExtractor) classify(ctx context.Context, step string, kind, onTimeout types.FailureKind, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = types.FailureTimeout
	case ctx.Err() != nil:
		kind = types.FailureBrowser
		err = fmt.Errorf("%w: %w", context.Cause(ctx), err)
	case errors.Is(err, context.DeadlineExceeded):
		kind = onTimeout
	}
	e.logger.Debugf("Step %s failed (%s): %v", step, kind, err)
	return &types.RetrievalError{Kind: kind, Step: step, Err: err}
}

// jsString quotes s as a JavaScript string literal
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func selectOptionScript(selector, value string) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	const value = %s;
	if (!Array.from(el.options).some(o => o.value === value)) return false;
	el.value = value;
	el.dispatchEvent(new Event("input", {bubbles: true}));
	el.dispatchEvent(new Event("change", {bubbles: true}));
	return true;
})()`, jsString(selector), jsString(value))
}

func submissionStateScript(resultSelector string) string {
	return fmt.Sprintf(`(() => {
	if (window.%s) return "pending";
	const form = document.querySelector(%s) !== null;
	if (!form && document.querySelector(%s) !== null) return "result";
	return form ? "form" : "pending";
})()`, submittedMarker, jsString(adapters.SubmitButton), jsString(resultSelector))
}

func regionScript(resultSelector string) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	if (!el) return {x: 0, y: 0, width: 0, height: 0, layoutWidth: 0};
	const r = el.getBoundingClientRect();
	return {
		x: r.left + window.scrollX,
		y: r.top + window.scrollY,
		width: r.width,
		height: r.height,
		layoutWidth: document.documentElement.scrollWidth,
	};
})()`, jsString(resultSelector))
}

// shiftScript moves the region to the page origin while keeping the screen layout width
func shiftScript(region types.Rect, layoutWidth float64) string {
	return fmt.Sprintf(`(() => {
	const root = document.documentElement;
	root.style.width = "%fpx";
	root.style.transformOrigin = "0 0";
	root.style.transform = "translate(%fpx, %fpx)";
	return true;
})()`, layoutWidth, -region.X, -region.Y)
}
