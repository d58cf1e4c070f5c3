// Package doctor implements the interactive health-check wizard: a set of
// checks against the configured environment, rendered with lipgloss styles,
// with huh prompting to repair a bad config file.
package doctor

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/syncbridge/mutsync/internal/config"
	"github.com/syncbridge/mutsync/internal/dispatch"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Result is one check's outcome, named after the thing it checked.
type Result struct {
	Name    string
	Status  Status
	Message string
}

var (
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"})
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"})
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"})
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
	boldStyle  = lipgloss.NewStyle().Bold(true)
)

// pingDB is the subset of *sql.DB a store-connectivity check needs,
// narrowed so it can be driven by a fake in tests.
type pingDB interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// httpDoer is the subset of *http.Client an upstream-reachability check
// needs.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Run executes all three checks against cfg: upstream push URL
// reachability, relational store connectivity, and that pushURL does not
// already carry a reserved query parameter. db may be nil, in which case
// the store check is skipped with a warning (no connection configured).
func Run(ctx context.Context, cfg *config.Config, client httpDoer, db *sql.DB) []Result {
	// db is converted to the narrower pingDB interface only when non-nil: a
	// *sql.DB(nil) boxed directly into an interface value is non-nil, which
	// would defeat checkStoreConnectivity's nil check below.
	var dbCheck pingDB
	if db != nil {
		dbCheck = db
	}
	return []Result{
		checkReservedParams(cfg),
		checkUpstreamReachable(ctx, cfg, client),
		checkStoreConnectivity(ctx, dbCheck),
	}
}

func checkReservedParams(cfg *config.Config) Result {
	const name = "push URL query parameters"
	parsed, err := url.Parse(cfg.PushURL)
	if err != nil {
		return Result{Name: name, Status: StatusFail, Message: fmt.Sprintf("parse push_url: %v", err)}
	}
	if err := dispatch.CheckReservedQueryParams(parsed); err != nil {
		return Result{Name: name, Status: StatusFail, Message: err.Error()}
	}
	return Result{Name: name, Status: StatusPass, Message: "no reserved parameters present"}
}

func checkUpstreamReachable(ctx context.Context, cfg *config.Config, client httpDoer) Result {
	const name = "upstream push URL reachability"
	if cfg.PushURL == "" {
		return Result{Name: name, Status: StatusFail, Message: "push_url is not configured"}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, cfg.PushURL, nil)
	if err != nil {
		return Result{Name: name, Status: StatusFail, Message: fmt.Sprintf("build HEAD request: %v", err)}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Status: StatusFail, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{Name: name, Status: StatusWarn, Message: fmt.Sprintf("upstream responded %d", resp.StatusCode)}
	}
	return Result{Name: name, Status: StatusPass, Message: fmt.Sprintf("upstream responded %d", resp.StatusCode)}
}

func checkStoreConnectivity(ctx context.Context, db pingDB) Result {
	const name = "relational store connectivity"
	if db == nil {
		return Result{Name: name, Status: StatusWarn, Message: "no store connection configured"}
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return Result{Name: name, Status: StatusFail, Message: err.Error()}
	}
	return Result{Name: name, Status: StatusPass, Message: "connected"}
}

// Render writes results to out as styled PASS/WARN/FAIL lines.
func Render(out io.Writer, results []Result) {
	fmt.Fprintf(out, "%s\n\n", boldStyle.Render("mutsyncd doctor"))
	for _, r := range results {
		var statusStr string
		switch r.Status {
		case StatusPass:
			statusStr = passStyle.Render("PASS")
		case StatusWarn:
			statusStr = warnStyle.Render("WARN")
		default:
			statusStr = failStyle.Render("FAIL")
		}
		fmt.Fprintf(out, "[%s] %s\n", statusStr, boldStyle.Render(r.Name))
		if r.Message != "" {
			fmt.Fprintf(out, "      %s\n", mutedStyle.Render(r.Message))
		}
	}
}

// AnyFailed reports whether any result in results is a StatusFail.
func AnyFailed(results []Result) bool {
	for _, r := range results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// PromptFix walks the operator through correcting cfg's push URL when any
// check in results failed, the way the teacher's cmd/bd create-issue form
// prompts for corrected field values. It returns the corrected copy of cfg
// and does not write it anywhere.
func PromptFix(cfg *config.Config, results []Result) (*config.Config, error) {
	if !AnyFailed(results) {
		return cfg, nil
	}

	fixed := cfg.PushURL
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Push URL").
				Description("The upstream application endpoint mutsyncd posts coalesced pushes to.").
				Placeholder(cfg.PushURL).
				Value(&fixed).
				Validate(func(s string) error {
					parsed, err := url.Parse(s)
					if err != nil {
						return fmt.Errorf("invalid URL: %w", err)
					}
					return dispatch.CheckReservedQueryParams(parsed)
				}),
		),
	)
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("doctor: prompt for corrected push URL: %w", err)
	}

	updated := *cfg
	updated.PushURL = fixed
	return &updated, nil
}
