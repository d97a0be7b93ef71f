package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/RezaEskandarii/jobfire/client"
	"github.com/RezaEskandarii/jobfire/internal/logging"
	"github.com/RezaEskandarii/jobfire/internal/state"
	"github.com/RezaEskandarii/jobfire/internal/store"
	"github.com/RezaEskandarii/jobfire/types/config"
	"github.com/rs/zerolog"
)

const (
	PageSize = 15

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

type HttpRouteHandler struct {
	cron      *client.CronJobManager
	tasks     *client.TaskManager
	cronStore store.CronJobStore
	taskStore store.AutomatedTaskStore
	cfg       config.HTTPConfig
	log       zerolog.Logger
}

func NewRouteHandler(
	cron *client.CronJobManager,
	tasks *client.TaskManager,
	cronStore store.CronJobStore,
	taskStore store.AutomatedTaskStore,
	cfg config.HTTPConfig,
	log zerolog.Logger,
) *HttpRouteHandler {
	return &HttpRouteHandler{
		cron:      cron,
		tasks:     tasks,
		cronStore: cronStore,
		taskStore: taskStore,
		cfg:       cfg,
		log:       logging.Component(log, "http"),
	}
}

// Handler returns the routes wrapped in the middleware stack.
func (handler *HttpRouteHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cron-job-runner", handler.handleCronJobRunner)
	mux.HandleFunc("/task-runner", handler.handleTaskRunner)
	mux.HandleFunc("/healthz", handler.handleHealth)
	mux.HandleFunc("/cron-jobs", handler.handleCronJobs)
	mux.HandleFunc("/cron-job-executions", handler.handleCronJobExecutions)
	mux.HandleFunc("/change-cron-job-status", handler.handleChangeCronJobStatus)
	mux.HandleFunc("/tasks", handler.handleTasks)
	mux.HandleFunc("/tasks/stats", handler.handleTaskStats)

	return chain(mux,
		recoverPanics(handler.log),
		logRequests(handler.log),
		cors,
		rateLimit(handler.cfg.RateLimit, handler.cfg.RateBurst),
	)
}

// Serve listens on the configured port until ctx is done, then shuts down gracefully.
func (handler *HttpRouteHandler) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", handler.cfg.Port),
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		handler.log.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

type cronRunRequest struct {
	JobID    *int64 `json:"job_id"`
	ForceRun bool   `json:"force_run"`
	DryRun   bool   `json:"dry_run"`
}

func (handler *HttpRouteHandler) handleCronJobRunner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		res, err := handler.cron.PendingJobs(ctx)
		if err != nil {
			handler.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case http.MethodPost:
		var req cronRunRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts := client.RunOptions{ForceRun: req.ForceRun, DryRun: req.DryRun}

		if req.JobID != nil {
			res, err := handler.cron.RunJob(ctx, *req.JobID, opts)
			if err != nil {
				handler.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
			return
		}

		res, err := handler.cron.RunDueJobs(ctx, opts)
		if err != nil {
			handler.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		methodNotAllowed(w)
	}
}

// handleTaskRunner accepts GET as well so that schedulers limited to GET
// requests can trigger a pass.
func (handler *HttpRouteHandler) handleTaskRunner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	res, err := handler.tasks.RunDueTasks(r.Context())
	if err != nil {
		handler.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (handler *HttpRouteHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (handler *HttpRouteHandler) handleCronJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jobs, err := handler.cronStore.GetAll(r.Context(), getPageNumber(r), PageSize)
	if err != nil {
		handler.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (handler *HttpRouteHandler) handleCronJobExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jobID, err := strconv.ParseInt(r.URL.Query().Get("job_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid job_id"))
		return
	}
	executions, err := handler.cronStore.ListExecutions(r.Context(), jobID, getPageNumber(r), PageSize)
	if err != nil {
		handler.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (handler *HttpRouteHandler) handleChangeCronJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("bad request"))
		return
	}

	action := r.FormValue("action")
	id, err := strconv.ParseInt(r.FormValue("id"), 10, 64)
	if err != nil || (action != "activate" && action != "deactivate") {
		writeError(w, http.StatusBadRequest, errors.New("invalid parameters"))
		return
	}

	if action == "activate" {
		err = handler.cron.Activate(r.Context(), id)
	} else {
		err = handler.cron.Deactivate(r.Context(), id)
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("cron job %d not found", id))
		return
	}
	if err != nil {
		handler.fail(w, err)
		return
	}
	handler.log.Info().Int64("job_id", id).Str("action", action).Msg("cron job status changed")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": id, "is_active": action == "activate"})
}

func (handler *HttpRouteHandler) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status := state.TaskStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !isTaskStatus(status) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
		return
	}
	tasks, err := handler.taskStore.GetAll(r.Context(), getPageNumber(r), PageSize, status)
	if err != nil {
		handler.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (handler *HttpRouteHandler) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	counts, err := handler.tasks.Stats(r.Context())
	if err != nil {
		handler.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// fail maps manager errors to responses. A busy batch lock is a conflict,
// everything else is an infrastructure failure.
func (handler *HttpRouteHandler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, client.ErrLockNotAcquired) {
		writeError(w, http.StatusConflict, err)
		return
	}
	handler.log.Error().Err(err).Msg("request failed")
	writeInternalError(w, err)
}

// decodeOptionalBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptionalBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func isTaskStatus(s state.TaskStatus) bool {
	for _, v := range state.AllTaskStatuses {
		if v == s {
			return true
		}
	}
	return false
}
