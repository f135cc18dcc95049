package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/batonworks/baton/pkg/events"
	"github.com/batonworks/baton/pkg/models"
	"github.com/batonworks/baton/pkg/store"
)

// eventsPageLimit caps one catch-up page of GET /jobs/:id/events.
const eventsPageLimit = 1000

// createJobHandler handles POST /api/v1/jobs.
func (s *Server) createJobHandler(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	job, err := s.executor.CreateJob(c.Request.Context(), req.UserRequest, models.JobPriority(req.Priority), req.Tags)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, JobResponse{Job: job})
}

// listJobsHandler handles GET /api/v1/jobs: newest first, paged. The
// optional status query filters by job status.
func (s *Server) listJobsHandler(c *gin.Context) {
	status := c.Query("status")
	if status != "" && !models.JobStatus(status).IsValid() {
		writeBadRequest(c, "unknown status "+strconv.Quote(status))
		return
	}
	page, pageSize := 1, 25
	if v := c.Query("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		} else {
			writeBadRequest(c, "page must be a positive integer")
			return
		}
	}
	if v := c.Query("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			pageSize = n
		} else {
			writeBadRequest(c, "page_size must be an integer in [1,100]")
			return
		}
	}

	jobs, err := s.executor.Jobs(c.Request.Context(), status)
	if err != nil {
		writeError(c, err)
		return
	}
	total := len(jobs)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	c.JSON(http.StatusOK, JobListResponse{
		Jobs:     jobs[start:end],
		Count:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// getJobHandler handles GET /api/v1/jobs/:id: the job, its progress
// counters, and every graph task.
func (s *Server) getJobHandler(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.executor.Job(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	progress, err := s.executor.Progress(ctx, job)
	if err != nil {
		writeError(c, err)
		return
	}

	tasks := make([]*models.Task, 0, len(job.TaskIDs))
	for _, id := range job.TaskIDs {
		task, err := s.executor.Task(ctx, id)
		if err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	c.JSON(http.StatusOK, JobResponse{Job: job, Progress: progress, Tasks: tasks})
}

// cancelJobHandler handles POST /api/v1/jobs/:id/cancel.
func (s *Server) cancelJobHandler(c *gin.Context) {
	jobID := c.Param("id")
	if err := s.executor.CancelJob(c.Request.Context(), jobID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CancelResponse{JobID: jobID, Status: string(models.JobStatusCanceled)})
}

// jobEventsHandler handles GET /api/v1/jobs/:id/events: a non-blocking
// catch-up page of the job's event stream. The since query resumes after a
// previously returned id.
func (s *Server) jobEventsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := s.executor.Job(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	since := c.DefaultQuery("since", store.StreamStart)
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > eventsPageLimit {
			writeBadRequest(c, "limit must be an integer in [1,"+strconv.Itoa(eventsPageLimit)+"]")
			return
		}
		limit = n
	}

	entries, err := s.store.ReadFrom(ctx, store.JobStream(job.ID), since, limit, 0)
	if err != nil {
		writeError(c, err)
		return
	}

	page := EventsPageResponse{JobID: job.ID, Events: make([]EventRecord, 0, len(entries))}
	for _, entry := range entries {
		frame, err := events.FrameFromFields(entry.Fields)
		if err != nil {
			s.log.Warn("Skipping undecodable job event", "job_id", job.ID, "entry_id", entry.ID, "error", err)
			continue
		}
		page.Events = append(page.Events, EventRecord{ID: entry.ID, Event: frame})
		page.LastID = entry.ID
	}
	c.JSON(http.StatusOK, page)
}
