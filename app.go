package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anatolykoptev/go-kit/env"
	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/anatolykoptev/go_apply/internal/mcpclient"
)

// app is the wired pipeline shared by every command.
type app struct {
	tracker  *jobs.Tracker
	profiles *jobs.ProfileStore
	user     *jobs.User
	orch     *jobs.Orchestrator
	svc      *jobs.Service
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// envBool reads a boolean; unparsable values keep def.
func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(env.Str(key, strconv.FormatBool(def)))
	if err != nil {
		slog.Warn("invalid boolean env, using default", slog.String("key", key), slog.Bool("default", def))
		return def
	}
	return v
}

func profilePath() string {
	return env.Str("GO_APPLY_PROFILE", jobs.DefaultProfilePath())
}

func loadProfileStore() (*jobs.ProfileStore, error) {
	return jobs.NewProfileStore(profilePath())
}

// llmCompleter returns nil when no LLM is configured so answers fall back
// to profile heuristics.
func llmCompleter() jobs.Completer {
	if !engine.LLMEnabled() {
		return nil
	}
	return engine.CallLLM
}

func browserConfig() jobs.BrowserConfig {
	return jobs.BrowserConfig{
		RemoteURL:     env.Str("CHROME_WS_URL", ""),
		Headless:      envBool("BROWSER_HEADLESS", true),
		SessionCookie: env.Str("LINKEDIN_LI_AT", ""),
		StepDelay:     env.Duration("BROWSER_STEP_DELAY", 1500*time.Millisecond),
		PageTimeout:   env.Duration("BROWSER_PAGE_TIMEOUT", 45*time.Second),
	}
}

func orchestratorOptions() jobs.Options {
	return jobs.Options{
		DryRun:       envBool("APPLY_DRY_RUN", false),
		MaxPerRun:    env.Int("APPLY_MAX_PER_RUN", 10),
		Concurrency:  env.Int("APPLY_CONCURRENCY", 1),
		RatePerHour:  env.Float("APPLY_RATE_PER_HOUR", 20),
		MaxAttempts:  env.Int("APPLY_MAX_ATTEMPTS", 3),
		StuckAfter:   env.Duration("STUCK_AFTER", 30*time.Minute),
		ApplyTimeout: env.Duration("APPLY_TIMEOUT", 10*time.Minute),
		PageDelay:    env.Duration("SEARCH_PAGE_DELAY", 3*time.Second),
	}
}

// newApplier talks to the browser subprocess when BROWSER_MCP_COMMAND is
// set ("self" runs this binary's `mcp --browser`), otherwise drives Chrome
// in-process.
func newApplier(profiles *jobs.ProfileStore) (jobs.Applier, func(), error) {
	command := strings.TrimSpace(env.Str("BROWSER_MCP_COMMAND", ""))
	if command == "" {
		b := jobs.NewBrowserApplier(browserConfig(), jobs.NewStoreAnswerer(profiles, llmCompleter()))
		return b, b.Close, nil
	}
	if command == "self" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, engine.E("app: browser command", engine.CategoryInternal, err)
		}
		command = exe + " mcp --browser"
	}
	dial, err := mcpclient.CommandDialer(command)
	if err != nil {
		return nil, nil, err
	}
	c := mcpclient.New(mcpclient.Config{
		Name:        "go_apply",
		Version:     version,
		Dial:        dial,
		CallTimeout: env.Duration("BROWSER_CALL_TIMEOUT", 0),
	})
	slog.Info("browser subprocess configured", slog.String("command", command))
	return mcpclient.NewApplier(c), func() { _ = c.Close() }, nil
}

// openApp opens the tracker, loads the profile and wires the service.
// base bounds background runs.
func openApp(ctx context.Context, base context.Context) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	profiles, err := loadProfileStore()
	if err != nil {
		return nil, err
	}
	a.profiles = profiles

	tr, err := jobs.OpenTracker(ctx, env.Str("GO_APPLY_DB", jobs.DefaultDBPath()))
	if err != nil {
		return nil, err
	}
	a.tracker = tr
	a.closers = append(a.closers, func() { _ = tr.Close() })

	p := profiles.Get()
	a.user, err = tr.EnsureUser(ctx, p.Email, strings.TrimSpace(p.FirstName+" "+p.LastName))
	if err != nil {
		return nil, err
	}

	applier, closeApplier, err := newApplier(profiles)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeApplier)

	search := jobs.LinkedInSearcher{Workers: env.Int("DETAIL_WORKERS", 3)}
	a.orch = jobs.NewOrchestrator(tr, search, applier, orchestratorOptions())
	a.svc = jobs.NewService(jobs.ServiceConfig{
		Store:        tr,
		Orchestrator: a.orch,
		Search:       search,
		Profiles:     profiles,
		LLM:          llmCompleter(),
		User:         a.user,
		Base:         base,
	})
	ok = true
	return a, nil
}
