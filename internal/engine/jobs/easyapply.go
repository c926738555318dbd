package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

var (
	ErrNotEasyApply   = errors.New("job does not offer easy apply")
	ErrAlreadyApplied = errors.New("already applied to this job")
	ErrLoginRequired  = errors.New("linkedin login required")
	ErrJobClosed      = errors.New("job no longer accepts applications")
)

// ApplyRequest asks an Applier to submit one Easy Apply application.
type ApplyRequest struct {
	JobURL      string `json:"job_url" jsonschema:"LinkedIn job URL" validate:"required,url"`
	Title       string `json:"title,omitempty" jsonschema:"Job title, used as context for answers"`
	Company     string `json:"company,omitempty" jsonschema:"Company name"`
	Description string `json:"description,omitempty" jsonschema:"Job description, used as context for answers"`
	DryRun      bool   `json:"dry_run,omitempty" jsonschema:"Fill every step but stop before submitting"`
}

// RequestFor builds an ApplyRequest from a stored job.
func RequestFor(job *ScrapedJob, dryRun bool) ApplyRequest {
	return ApplyRequest{
		JobURL:      job.URL,
		Title:       job.Title,
		Company:     job.Company,
		Description: job.Description,
		DryRun:      dryRun,
	}
}

// FilledField records one answer typed into the form.
type FilledField struct {
	Label  string `json:"label"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// ApplyResult describes what happened on the page.
type ApplyResult struct {
	JobURL    string        `json:"job_url"`
	Submitted bool          `json:"submitted"`
	DryRun    bool          `json:"dry_run,omitempty"`
	Steps     int           `json:"steps"`
	Fields    []FilledField `json:"fields,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Applier submits Easy Apply applications.
type Applier interface {
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
}

// BrowserConfig configures the chromedp applier.
type BrowserConfig struct {
	RemoteURL     string        // devtools websocket of a running Chrome; empty starts a local one
	Headless      bool          // local Chrome only
	SessionCookie string        // li_at
	StepDelay     time.Duration // base pause after each click, jittered
	MaxSteps      int
	PageTimeout   time.Duration
}

func (c *BrowserConfig) defaults() {
	if c.StepDelay <= 0 {
		c.StepDelay = 1500 * time.Millisecond
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 10
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
}

// BrowserApplier drives LinkedIn's Easy Apply modal in Chrome. Each Apply
// runs in its own tab of one shared browser.
type BrowserApplier struct {
	cfg      BrowserConfig
	answers  *Answerer
	mu       sync.Mutex
	allocCtx context.Context
	cancel   context.CancelFunc
}

// NewBrowserApplier prepares the browser allocator. Chrome starts lazily on first Apply.
func NewBrowserApplier(cfg BrowserConfig, answers *Answerer) *BrowserApplier {
	cfg.defaults()
	return &BrowserApplier{cfg: cfg, answers: answers}
}

func (b *BrowserApplier) allocator() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocCtx != nil {
		return b.allocCtx
	}
	if b.cfg.RemoteURL != "" {
		b.allocCtx, b.cancel = chromedp.NewRemoteAllocator(context.Background(), b.cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", b.cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.UserAgent(engine.UserAgentChrome),
			chromedp.WindowSize(1280, 900),
		)
		b.allocCtx, b.cancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	return b.allocCtx
}

// Close shuts the browser down.
func (b *BrowserApplier) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.allocCtx, b.cancel = nil, nil
	}
}

// applySession is one tab working through one application.
type applySession struct {
	b      *BrowserApplier
	tab    context.Context
	job    *ScrapedJob
	result *ApplyResult
}

// Apply opens the job page, walks the Easy Apply steps and submits unless DryRun.
func (b *BrowserApplier) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	const op = "easyapply"
	if err := validate.Struct(req); err != nil {
		return nil, engine.E(op, engine.CategoryValidation, describeValidation(err))
	}
	if b.cfg.SessionCookie == "" && b.cfg.RemoteURL == "" {
		return nil, engine.E(op, engine.CategoryAuthentication, ErrLoginRequired)
	}

	tab, cancelTab := chromedp.NewContext(b.allocator())
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	s := &applySession{
		b:      b,
		tab:    tab,
		job:    &ScrapedJob{URL: req.JobURL, Title: req.Title, Company: req.Company, Description: req.Description},
		result: &ApplyResult{JobURL: req.JobURL, DryRun: req.DryRun},
	}
	err := s.run(req.DryRun)
	if err != nil && ctx.Err() != nil {
		err = engine.E(op, engine.CategoryNetwork, ctx.Err())
	}
	if err != nil {
		slog.Warn("easyapply: failed", slog.String("url", req.JobURL), slog.Int("steps", s.result.Steps), slog.Any("error", err))
		return s.result, err
	}
	slog.Info("easyapply: done", slog.String("url", req.JobURL),
		slog.Bool("submitted", s.result.Submitted), slog.Bool("dry_run", req.DryRun), slog.Int("steps", s.result.Steps))
	return s.result, nil
}

func (s *applySession) pause() {
	d := s.b.cfg.StepDelay
	d += time.Duration(rand.Int64N(int64(d)/2 + 1))
	_ = chromedp.Run(s.tab, chromedp.Sleep(d))
}

func (s *applySession) timed(actions ...chromedp.Action) error {
	ctx, cancel := context.WithTimeout(s.tab, s.b.cfg.PageTimeout)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

func (s *applySession) run(dryRun bool) error {
	const op = "easyapply"
	var pageURL, pageHTML string
	err := s.timed(
		s.setCookie(),
		chromedp.Navigate(s.job.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return engine.E(op+": navigate", engine.CategoryNetwork, err)
	}
	s.pause()
	if err := s.timed(chromedp.Location(&pageURL), chromedp.OuterHTML("html", &pageHTML, chromedp.ByQuery)); err != nil {
		return engine.E(op+": read page", engine.CategoryExternalService, err)
	}

	switch DetectPageState(pageURL, pageHTML) {
	case PageLoginRequired:
		return engine.E(op, engine.CategoryAuthentication, ErrLoginRequired)
	case PageAlreadyApplied:
		s.result.Message = "already applied"
		return engine.E(op, engine.CategoryConflict, ErrAlreadyApplied)
	case PageExternalApply:
		return engine.E(op, engine.CategoryValidation, ErrNotEasyApply)
	case PageClosed:
		return engine.E(op, engine.CategoryValidation, ErrJobClosed)
	}

	if err := s.timed(
		chromedp.Click(selEasyApplyButton, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.WaitVisible(selModal, chromedp.ByQuery),
	); err != nil {
		return engine.E(op+": open modal", engine.CategoryExternalService, err)
	}
	s.pause()
	return s.walkSteps(dryRun)
}

func (s *applySession) setCookie() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if s.b.cfg.SessionCookie == "" {
			return nil
		}
		return network.SetCookie("li_at", s.b.cfg.SessionCookie).
			WithDomain(".linkedin.com").
			WithPath("/").
			WithSecure(true).
			WithHTTPOnly(true).
			Do(ctx)
	})
}

func (s *applySession) modalHTML() (string, error) {
	var html string
	if err := s.timed(chromedp.OuterHTML(selModal, &html, chromedp.ByQuery)); err != nil {
		return "", engine.E("easyapply: read modal", engine.CategoryExternalService, err)
	}
	return html, nil
}

func (s *applySession) walkSteps(dryRun bool) error {
	const op = "easyapply: steps"
	stuck := 0
	for s.result.Steps < s.b.cfg.MaxSteps {
		s.result.Steps++
		html, err := s.modalHTML()
		if err != nil {
			return err
		}
		if err := s.fillStep(html); err != nil {
			return err
		}

		switch DetectStep(html) {
		case StepSubmit:
			if dryRun {
				s.discard()
				s.result.Message = "dry run: stopped before submit"
				return nil
			}
			return s.submit()
		case StepReview:
			err = s.timed(chromedp.Click(selReview, chromedp.ByQuery))
		case StepNext:
			err = s.timed(chromedp.Click(selNext, chromedp.ByQuery))
		default:
			return engine.Errorf(op, engine.CategoryExternalService, "unrecognized step %d", s.result.Steps)
		}
		if err != nil {
			return engine.E(op, engine.CategoryExternalService, err)
		}
		s.pause()

		after, err := s.modalHTML()
		if err != nil {
			return err
		}
		if errs := FormErrors(after); len(errs) > 0 {
			stuck++
			if stuck >= 2 {
				s.discard()
				return engine.Errorf(op, engine.CategoryValidation, "form rejected answers: %s", strings.Join(errs, "; "))
			}
			continue
		}
		stuck = 0
	}
	s.discard()
	return engine.Errorf(op, engine.CategoryExternalService, "gave up after %d steps", s.b.cfg.MaxSteps)
}

func (s *applySession) fillStep(html string) error {
	fields, err := ParseFormFields(html)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if f.Filled() {
			continue
		}
		ans, err := s.b.answers.AnswerQuestion(s.tab, s.job, f.Question)
		if err != nil {
			s.discard()
			return err
		}
		if ans.Value == "" {
			continue
		}
		if err := s.fill(f, ans.Value); err != nil {
			return engine.E("easyapply: fill "+f.Label, engine.CategoryExternalService, err)
		}
		s.result.Fields = append(s.result.Fields, FilledField{Label: f.Label, Value: ans.Value, Source: ans.Source})
	}
	return nil
}

func (s *applySession) fill(f FormField, value string) error {
	switch f.Kind {
	case FieldSelect:
		i := optionIndex(f.Options, value)
		if i < 0 {
			return fmt.Errorf("option %q not offered", value)
		}
		var dispatched bool
		js := fmt.Sprintf(`document.querySelector(%q).dispatchEvent(new Event('change', {bubbles: true}))`, f.Selector)
		return s.timed(
			chromedp.SetValue(f.Selector, f.OptionValues[i], chromedp.ByQuery),
			chromedp.Evaluate(js, &dispatched),
		)
	case FieldRadio:
		i := optionIndex(f.Options, value)
		if i < 0 || f.OptionValues[i] == "" {
			return fmt.Errorf("option %q not offered", value)
		}
		return s.timed(chromedp.Click(`label[for="`+f.OptionValues[i]+`"]`, chromedp.ByQuery))
	case FieldCheckbox:
		if value != "Yes" || f.ID == "" {
			return nil
		}
		return s.timed(chromedp.Click(`label[for="`+f.ID+`"]`, chromedp.ByQuery))
	default:
		return s.timed(
			chromedp.Clear(f.Selector, chromedp.ByQuery),
			chromedp.SendKeys(f.Selector, value, chromedp.ByQuery),
		)
	}
}

func optionIndex(options []string, value string) int {
	for i, o := range options {
		if o == value {
			return i
		}
	}
	return -1
}

func (s *applySession) submit() error {
	const op = "easyapply: submit"
	if err := s.timed(chromedp.Click(selSubmit, chromedp.ByQuery)); err != nil {
		return engine.E(op, engine.CategoryExternalService, err)
	}
	s.pause()
	var html string
	if err := s.timed(chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return engine.E(op, engine.CategoryExternalService, err)
	}
	if !DetectSubmitted(html) {
		if errs := FormErrors(html); len(errs) > 0 {
			return engine.Errorf(op, engine.CategoryValidation, "submit rejected: %s", strings.Join(errs, "; "))
		}
		return engine.Errorf(op, engine.CategoryExternalService, "no confirmation after submit")
	}
	s.result.Submitted = true
	s.result.Message = "application sent"
	return nil
}

// discard closes the modal and drops the draft. Best effort.
func (s *applySession) discard() {
	ctx, cancel := context.WithTimeout(s.tab, 5*time.Second)
	defer cancel()
	_ = chromedp.Run(ctx, chromedp.Click(selDismiss, chromedp.ByQuery))
	_ = chromedp.Run(ctx, chromedp.Click(selDiscard, chromedp.ByQuery))
}
