// Package admin is the operational surface of the sync bridge: queue
// introspection and control, manual reconciliation and mirror runs, ledger
// search, and the registry $everything read-through. It is meant for
// schedulers and operators, not end users.
package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/domain/audit"
	"github.com/ehr/fhirsync/internal/mirror"
	"github.com/ehr/fhirsync/internal/reconcile"
	"github.com/ehr/fhirsync/internal/registry"
	"github.com/ehr/fhirsync/internal/syncjob"
)

type Handler struct {
	queue    syncjob.Queue
	sweeper  *reconcile.Sweeper
	mirror   *mirror.Mirror
	audits   audit.Store
	registry *registry.Client
	secret   string
	logger   zerolog.Logger
}

func NewHandler(queue syncjob.Queue, sweeper *reconcile.Sweeper, m *mirror.Mirror, audits audit.Store, client *registry.Client, secret string, logger zerolog.Logger) *Handler {
	return &Handler{
		queue:    queue,
		sweeper:  sweeper,
		mirror:   m,
		audits:   audits,
		registry: client,
		secret:   secret,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/admin/sync", h.requireSchedulerSecret)

	g.GET("/queue/stats", h.QueueStats)
	g.GET("/queue/failed", h.ListFailedJobs)
	g.POST("/queue/jobs/:id/retry", h.RetryJob)
	g.POST("/queue/pause", h.PauseQueue)
	g.POST("/queue/resume", h.ResumeQueue)
	g.POST("/queue/cleanup", h.CleanupQueue)

	g.POST("/reconcile/run", h.RunReconciliation)
	g.GET("/reconcile/history", h.ReconciliationHistory)

	g.POST("/mirror/run", h.RunMirror)
	g.GET("/mirror/stats", h.MirrorStats)

	g.GET("/audit", h.SearchAudit)
	g.GET("/patients/:id/everything", h.PatientEverything)
}

// requireSchedulerSecret gates every admin route on the X-Scheduler-Secret
// header. When no secret is configured the check is skipped; config
// validation refuses an empty secret in production, so that only happens in
// development.
func (h *Handler) requireSchedulerSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.secret == "" {
			return next(c)
		}
		got := c.Request().Header.Get("X-Scheduler-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid scheduler secret"})
		}
		return next(c)
	}
}

func (h *Handler) QueueStats(c echo.Context) error {
	stats, err := h.queue.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListFailedJobs(c echo.Context) error {
	limit := intQuery(c, "limit", 50)
	jobs, err := h.queue.ListFailed(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"jobs": jobs, "count": len(jobs)})
}

func (h *Handler) RetryJob(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid job id"})
	}
	if err := h.queue.Retry(c.Request().Context(), id); err != nil {
		if errors.Is(err, syncjob.ErrJobNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "job not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	h.logger.Info().Str("job_id", id.String()).Msg("failed job requeued by operator")
	return c.JSON(http.StatusOK, echo.Map{"status": "requeued", "job_id": id})
}

func (h *Handler) PauseQueue(c echo.Context) error {
	if err := h.queue.Pause(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	h.logger.Warn().Msg("sync queue paused by operator")
	return c.JSON(http.StatusOK, echo.Map{"status": "paused"})
}

func (h *Handler) ResumeQueue(c echo.Context) error {
	if err := h.queue.Resume(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	h.logger.Info().Msg("sync queue resumed by operator")
	return c.JSON(http.StatusOK, echo.Map{"status": "resumed"})
}

func (h *Handler) CleanupQueue(c echo.Context) error {
	now := time.Now().UTC()
	removed, err := h.queue.Cleanup(c.Request().Context(), now.Add(-syncjob.CompletedRetention), now.Add(-syncjob.FailedRetention))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"removed": removed})
}

func (h *Handler) RunReconciliation(c echo.Context) error {
	var opts reconcile.Options
	if err := c.Bind(&opts); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	run := h.sweeper.Run(c.Request().Context(), opts)
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ReconciliationHistory(c echo.Context) error {
	limit := intQuery(c, "limit", 20)
	entries, err := h.audits.History(c.Request().Context(), audit.EventFHIRReconciliation, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"runs": entries, "count": len(entries)})
}

func (h *Handler) RunMirror(c echo.Context) error {
	var opts mirror.Options
	if since := c.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "since must be RFC3339"})
		}
		opts.ForceSince = t
	}
	opts.Limit = intQuery(c, "limit", 0)

	res, err := h.mirror.Run(c.Request().Context(), opts)
	if err != nil {
		return c.JSON(http.StatusBadGateway, echo.Map{"error": err.Error(), "result": res})
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) MirrorStats(c echo.Context) error {
	limit := intQuery(c, "limit", 20)
	entries, err := h.audits.History(c.Request().Context(), audit.EventFHIRAuditMirror, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"runs": entries, "count": len(entries)})
}

func (h *Handler) SearchAudit(c echo.Context) error {
	f := audit.Filters{
		OrgID:     c.QueryParam("org_id"),
		EventType: c.QueryParam("event_type"),
	}
	if since := c.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "since must be RFC3339"})
		}
		f.Since = t
	}
	if until := c.QueryParam("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "until must be RFC3339"})
		}
		f.Until = t
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	entries, total, err := h.audits.Search(c.Request().Context(), f, limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// PatientEverything proxies the registry's $everything bundle for a patient.
// The read path degrades instead of failing: when the registry is disabled or
// unreachable the response is an empty searchset.
func (h *Handler) PatientEverything(c echo.Context) error {
	bundle := h.registry.FetchEverything(c.Request().Context(), c.Param("id"))
	if bundle == nil {
		return c.JSON(http.StatusOK, echo.Map{
			"resourceType": "Bundle",
			"type":         "searchset",
			"total":        0,
		})
	}
	return c.JSON(http.StatusOK, bundle)
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
