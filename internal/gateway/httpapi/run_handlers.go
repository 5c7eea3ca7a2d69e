package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/mfzzf/e2b-test-suite/internal/audit"
	"github.com/mfzzf/e2b-test-suite/internal/observability"
	"github.com/mfzzf/e2b-test-suite/internal/orchestrator"
	"github.com/mfzzf/e2b-test-suite/internal/storage"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// maxListLimit caps ?limit= on list endpoints.
const maxListLimit = 500

// SuiteResponse describes one registered suite.
type SuiteResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Cases       int      `json:"cases"`
	Default     bool     `json:"default"`
}

// TriggerRequest is the JSON body for POST /v1/runs.
type TriggerRequest struct {
	Suites []string `json:"suites,omitempty"` // Empty = default suites.
	All    bool     `json:"all,omitempty"`
}

// ScheduleResponse is the JSON response for GET /v1/schedule.
type ScheduleResponse struct {
	Cron    string    `json:"cron"`
	NextRun time.Time `json:"next_run"`
}

func (g *Gateway) registerRoutes() {
	g.group.Get("/suites", g.handleSuiteList,
		okapi.DocSummary("List registered suites"),
		okapi.DocTags("Suites"),
		okapi.DocResponse([]SuiteResponse{}),
	)
	g.group.Get("/suites/{name}/history", g.handleSuiteHistory,
		okapi.DocSummary("Latest results of one suite"),
		okapi.DocTags("Suites"),
		okapi.DocPathParam("name", "string", "Suite name"),
		okapi.DocResponse([]storage.SuiteRecord{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/failure-rates", g.handleFailureRates,
		okapi.DocSummary("Per-suite case failure rates in the current window"),
		okapi.DocTags("Suites"),
		okapi.DocResponse([]observability.SuiteRate{}),
	)

	g.group.Get("/runs", g.handleRunList,
		okapi.DocSummary("List runs, newest first"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]storage.RunSummary{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	// Registered before /runs/{id} so "active" is not taken as a run id.
	g.group.Get("/runs/active", g.handleRunActive,
		okapi.DocSummary("Run currently in progress"),
		okapi.DocTags("Runs"),
		okapi.DocResponse(orchestrator.ActiveRun{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/runs/{id}", g.handleRunGet,
		okapi.DocSummary("Full report of a run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(suite.Report{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	if g.schedule != nil {
		g.group.Get("/schedule", g.handleSchedule,
			okapi.DocSummary("Cron schedule and next fire time"),
			okapi.DocTags("Runs"),
			okapi.DocResponse(ScheduleResponse{}),
		)
	}

	// Starting and cancelling runs needs an authenticated caller.
	if len(g.config.APIKeys) == 0 {
		return
	}
	g.group.Post("/runs", g.handleRunTrigger,
		okapi.DocSummary("Start a run in the background"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(TriggerRequest{}),
		okapi.DocResponse(http.StatusAccepted, orchestrator.ActiveRun{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/runs/active/cancel", g.handleRunCancel,
		okapi.DocSummary("Cancel the run in progress"),
		okapi.DocTags("Runs"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

// --- Suites ---

func (g *Gateway) handleSuiteList(c *okapi.Context) error {
	defaults := make(map[string]bool)
	for _, s := range g.registry.Defaults() {
		defaults[s.Name] = true
	}
	all := g.registry.All()
	resp := make([]SuiteResponse, len(all))
	for i, s := range all {
		resp[i] = SuiteResponse{
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
			Cases:       len(s.Cases),
			Default:     defaults[s.Name],
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleSuiteHistory(c *okapi.Context) error {
	name := c.Param("name")
	if _, ok := g.registry.Lookup(name); !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "unknown suite"})
	}
	limit, err := parseLimit(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	records, err := g.store.SuiteHistory(c.Context(), name, limit)
	if err != nil {
		g.logger.Error("suite history failed", slog.String("suite", name), slog.String("error", err.Error()))
		return c.AbortInternalServerError("suite history failed")
	}
	return c.OK(records)
}

func (g *Gateway) handleFailureRates(c *okapi.Context) error {
	rates := g.config.FailureRate.Rates()
	if rates == nil {
		rates = []observability.SuiteRate{}
	}
	return c.OK(rates)
}

// --- Runs ---

func (g *Gateway) handleRunList(c *okapi.Context) error {
	limit, err := parseLimit(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	q := c.Request().URL.Query()
	filter := storage.RunFilter{
		Limit:   limit,
		Trigger: q.Get("trigger"),
		Suite:   q.Get("suite"),
	}
	if v := q.Get("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			return c.AbortBadRequest("failed must be a boolean")
		}
		filter.FailedOnly = failed
	}

	runs, err := g.store.ListRuns(c.Context(), filter)
	if err != nil {
		g.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	if runs == nil {
		runs = []storage.RunSummary{}
	}
	return c.OK(runs)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	rep, err := g.store.GetRun(c.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
	}
	if err != nil {
		g.logger.Error("getting run failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("getting run failed")
	}
	return c.OK(rep)
}

func (g *Gateway) handleRunActive(c *okapi.Context) error {
	run, ok := g.engine.Active()
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "no run in progress"})
	}
	return c.OK(run)
}

func (g *Gateway) handleRunTrigger(c *okapi.Context) error {
	caller := c.GetString("caller")
	if caller == "" {
		return c.AbortUnauthorized("Unauthorized")
	}
	ev := audit.Event{Caller: caller, Action: "run.trigger"}
	if err := g.config.Limiter.Allow(caller); err != nil {
		g.record(c, ev, audit.ResultRateLimited, err)
		return c.JSON(http.StatusTooManyRequests, okapi.M{
			"error":       err.Error(),
			"retry_after": int(g.config.Limiter.RetryAfter(caller).Seconds()),
		})
	}

	var req TriggerRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.AbortBadRequest("invalid request body")
		}
	}
	ev.Suites = req.Suites

	run, err := g.engine.Submit(c.Context(), orchestrator.RunRequest{
		Trigger: orchestrator.TriggerAPI,
		Suites:  req.Suites,
		All:     req.All,
	})
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		g.record(c, ev, audit.ResultConflict, err)
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.Is(err, suite.ErrUnknownSuite):
		g.record(c, ev, audit.ResultDenied, err)
		return c.AbortBadRequest(err.Error())
	case err != nil:
		g.record(c, ev, audit.ResultFailure, err)
		g.logger.Error("starting run failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("starting run failed")
	}

	ev.RunID, ev.Suites = run.RunID, run.Suites
	g.record(c, ev, audit.ResultSuccess, nil)
	g.logger.Info("run started via api",
		slog.String("caller", caller),
		slog.String("run_id", run.RunID),
		slog.Int("suites", len(run.Suites)),
	)
	return c.JSON(http.StatusAccepted, run)
}

func (g *Gateway) handleRunCancel(c *okapi.Context) error {
	caller := c.GetString("caller")
	ev := audit.Event{Caller: caller, Action: "run.cancel"}
	run, ok := g.engine.Active()
	if !ok || !g.engine.Cancel() {
		g.record(c, ev, audit.ResultConflict, errors.New("no run in progress"))
		return c.JSON(http.StatusNotFound, okapi.M{"error": "no run in progress"})
	}
	ev.RunID = run.RunID
	g.record(c, ev, audit.ResultSuccess, nil)
	g.logger.Info("run cancelled via api",
		slog.String("caller", caller),
		slog.String("run_id", run.RunID),
	)
	return c.OK(okapi.M{"status": "cancelling", "run_id": run.RunID})
}

// record writes an audit event. Audit failures are logged, never returned.
func (g *Gateway) record(c *okapi.Context, ev audit.Event, result string, err error) {
	if g.config.Audit == nil {
		return
	}
	ev.Result = result
	if err != nil {
		ev.Error = err.Error()
	}
	if aerr := g.config.Audit.Record(c.Context(), ev); aerr != nil {
		g.logger.Warn("audit record failed", slog.String("error", aerr.Error()))
	}
}

func (g *Gateway) handleSchedule(c *okapi.Context) error {
	return c.OK(ScheduleResponse{
		Cron:    g.schedule.Expression(),
		NextRun: g.schedule.Next(time.Now()).UTC(),
	})
}

// --- Helpers ---

func parseLimit(c *okapi.Context) (int, error) {
	v := c.Request().URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return min(n, maxListLimit), nil
}
