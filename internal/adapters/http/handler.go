package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/deploy"
	"github.com/melih/lighthouse/internal/jobqueue"
	"github.com/melih/lighthouse/internal/tag"
)

// WorkspaceService is what the API needs from the deployment layer.
// *deploy.Service implements it.
type WorkspaceService interface {
	Submit(ctx context.Context, req deploy.SubmitRequest) ([]domain.JobID, error)
	Decommission(ctx context.Context, id domain.WorkspaceID) ([]domain.JobID, error)
	Workspace(ctx context.Context, id domain.WorkspaceID) (*domain.Workspace, error)
	Workspaces(ctx context.Context) ([]*domain.Workspace, error)
	Jobs(id domain.WorkspaceID) []domain.Job
	Job(id domain.JobID) (domain.Job, error)
}

// LogIngester accepts raw tagged log lines.
type LogIngester interface {
	Ingest(rawTag, text string, at time.Time) error
}

// ContainerReader reads output and usage of running containers.
type ContainerReader interface {
	ports.LogSource
	ports.StatsSource
}

var _ WorkspaceService = (*deploy.Service)(nil)

type WorkspaceHandler struct {
	service    WorkspaceService
	containers ContainerReader
	ingest     LogIngester
	logger     *log.Entry
}

func NewWorkspaceHandler(service WorkspaceService, containers ContainerReader, ingest LogIngester) *WorkspaceHandler {
	return &WorkspaceHandler{
		service:    service,
		containers: containers,
		ingest:     ingest,
		logger:  log.WithField("component", "api"),
	}
}

// Register mounts the workspace API on router.
func (h *WorkspaceHandler) Register(router fiber.Router) {
	workspaces := router.Group("/workspaces")
	workspaces.Get("/", h.ListWorkspaces)
	workspaces.Get("/:owner/:name", h.GetWorkspace)
	workspaces.Get("/:owner/:name/jobs", h.ListJobs)
	workspaces.Post("/:owner/:name/jobs", h.SubmitJob)
	workspaces.Post("/:owner/:name/decommission", h.Decommission)
	workspaces.Get("/:owner/:name/logs", h.GetWorkspaceLogs)
	workspaces.Get("/:owner/:name/stats", h.GetWorkspaceStats)

	router.Get("/jobs/:id", h.GetJob)
	router.Post("/logs", h.IngestLogs)
}

type SubmitJobRequest struct {
	Operation string `json:"operation"`
	Image     string `json:"image"`
	Source    string `json:"source"` // Git URL, optionally with #branch
}

type SubmitJobResponse struct {
	Jobs []domain.JobID `json:"jobs"`
}

func (h *WorkspaceHandler) SubmitJob(c *fiber.Ctx) error {
	id, err := workspaceID(c)
	if err != nil {
		return respondError(c, err)
	}
	var req SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	op, err := domain.ParseOperation(req.Operation)
	if err != nil {
		return respondError(c, errors.Join(deploy.ErrInvalidRequest, err))
	}

	ids, err := h.service.Submit(c.UserContext(), deploy.SubmitRequest{
		Workspace: id,
		Operation: op,
		Image:     req.Image,
		Source:    req.Source,
	})
	if err != nil {
		return respondError(c, err)
	}
	h.logger.WithFields(log.Fields{"workspace": id.String(), "operation": op}).Infof("Accepted %d job(s)", len(ids))
	return c.Status(fiber.StatusAccepted).JSON(SubmitJobResponse{Jobs: ids})
}

func (h *WorkspaceHandler) Decommission(c *fiber.Ctx) error {
	id, err := workspaceID(c)
	if err != nil {
		return respondError(c, err)
	}
	ids, err := h.service.Decommission(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(SubmitJobResponse{Jobs: ids})
}

func (h *WorkspaceHandler) ListWorkspaces(c *fiber.Ctx) error {
	workspaces, err := h.service.Workspaces(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if workspaces == nil {
		workspaces = []*domain.Workspace{}
	}
	return c.JSON(workspaces)
}

func (h *WorkspaceHandler) GetWorkspace(c *fiber.Ctx) error {
	id, err := workspaceID(c)
	if err != nil {
		return respondError(c, err)
	}
	ws, err := h.service.Workspace(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ws)
}

func (h *WorkspaceHandler) ListJobs(c *fiber.Ctx) error {
	id, err := workspaceID(c)
	if err != nil {
		return respondError(c, err)
	}
	jobs := h.service.Jobs(id)
	if jobs == nil {
		jobs = []domain.Job{}
	}
	return c.JSON(jobs)
}

func (h *WorkspaceHandler) GetJob(c *fiber.Ctx) error {
	raw, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Job ID must be a positive integer",
		})
	}
	job, err := h.service.Job(domain.JobID(raw))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(job)
}

// GetWorkspaceLogs returns the recent output of the workspace container.
func (h *WorkspaceHandler) GetWorkspaceLogs(c *fiber.Ctx) error {
	ws, err := h.workspaceWithContainer(c)
	if ws == nil {
		return err
	}
	logs, err := h.containers.GetContainerLogs(c.UserContext(), ws.ContainerID)
	if err != nil {
		return respondError(c, err)
	}
	// SendStream closes logs once the body is written.
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendStream(logs)
}

// StatsResponse carries the raw sample plus the sizes formatted the way
// `docker stats` prints them.
type StatsResponse struct {
	Workspace string `json:"workspace"`
	domain.ContainerStats
	Memory  string `json:"memory"`
	Network string `json:"network"`
	Block   string `json:"block"`
}

// GetWorkspaceStats samples the resource usage of the workspace container.
func (h *WorkspaceHandler) GetWorkspaceStats(c *fiber.Ctx) error {
	ws, err := h.workspaceWithContainer(c)
	if ws == nil {
		return err
	}
	stats, err := h.containers.ContainerStats(c.UserContext(), ws.ContainerID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(StatsResponse{
		Workspace:      ws.ID.String(),
		ContainerStats: stats,
		Memory:         units.BytesSize(float64(stats.MemoryBytes)) + " / " + units.BytesSize(float64(stats.MemoryLimit)),
		Network:        humanPair(stats.NetworkRx, stats.NetworkTx),
		Block:          humanPair(stats.BlockRead, stats.BlockWrite),
	})
}

func humanPair(in, out uint64) string {
	return units.HumanSizeWithPrecision(float64(in), 3) + " / " + units.HumanSizeWithPrecision(float64(out), 3)
}

// workspaceWithContainer resolves the workspace of the request. A nil
// workspace means the response has been written.
func (h *WorkspaceHandler) workspaceWithContainer(c *fiber.Ctx) (*domain.Workspace, error) {
	id, err := workspaceID(c)
	if err != nil {
		return nil, respondError(c, err)
	}
	ws, err := h.service.Workspace(c.UserContext(), id)
	if err != nil {
		return nil, respondError(c, err)
	}
	if ws.ContainerID == "" {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Workspace has no container",
		})
	}
	return ws, nil
}

// LogLine is one NDJSON line of POST /logs, as sent by fluentd's out_http.
type LogLine struct {
	Tag     string    `json:"tag"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type IngestLogsResponse struct {
	Accepted      int `json:"accepted"`
	MalformedTags int `json:"malformed_tags"`
	Invalid       int `json:"invalid"`
}

// IngestLogs feeds NDJSON lines into the log pipeline. Bad lines are counted
// and skipped.
func (h *WorkspaceHandler) IngestLogs(c *fiber.Ctx) error {
	var resp IngestLogsResponse
	scanner := bufio.NewScanner(bytes.NewReader(c.Body()))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line LogLine
		if err := json.Unmarshal(raw, &line); err != nil {
			resp.Invalid++
			continue
		}
		if line.Time.IsZero() {
			line.Time = time.Now()
		}
		switch err := h.ingest.Ingest(line.Tag, line.Message, line.Time); {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, tag.ErrMalformedTag):
			resp.MalformedTags++
		default:
			return respondError(c, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(resp)
}

func workspaceID(c *fiber.Ctx) (domain.WorkspaceID, error) {
	id := domain.WorkspaceID{Owner: c.Params("owner"), Name: c.Params("name")}
	if err := id.Validate(); err != nil {
		return id, errors.Join(deploy.ErrInvalidRequest, err)
	}
	return id, nil
}

func respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, deploy.ErrInvalidRequest):
		status = fiber.StatusBadRequest
	case errors.Is(err, ports.ErrWorkspaceNotFound), errors.Is(err, jobqueue.ErrUnknownJob):
		status = fiber.StatusNotFound
	case errors.Is(err, deploy.ErrTerminated):
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}
