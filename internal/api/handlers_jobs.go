package api

import (
	"net/http"
	"strconv"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/gin-gonic/gin"
)

func jobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, engine.Errorf("api: job id", engine.CategoryValidation, "invalid job id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

type listJobsQuery struct {
	Status    string `form:"status"`
	Saved     *bool  `form:"saved"`
	EasyApply *bool  `form:"easy_apply"`
	Company   string `form:"company"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=200"`
	Offset    int    `form:"offset" binding:"omitempty,min=0"`
}

type listJobsResponse struct {
	Jobs   []jobs.ScrapedJob `json:"jobs"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

func (s *Server) listJobs(c *gin.Context) {
	var q listJobsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "api: list jobs", err)
		return
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	list, total, err := s.svc.ListJobs(c.Request.Context(), jobs.JobFilter{
		Status:    jobs.JobStatus(q.Status),
		Saved:     q.Saved,
		EasyApply: q.EasyApply,
		Company:   q.Company,
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if list == nil {
		list = []jobs.ScrapedJob{}
	}
	c.JSON(http.StatusOK, listJobsResponse{Jobs: list, Total: total, Limit: q.Limit, Offset: q.Offset})
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	j, err := s.svc.GetJob(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) jobEvents(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	events, err := s.svc.JobEvents(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	if events == nil {
		events = []jobs.JobEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type searchRequest struct {
	jobs.SearchParams
	Store bool `json:"store"`
}

type searchResponse struct {
	Jobs   []jobs.LinkedInJob `json:"jobs"`
	Count  int                `json:"count"`
	Report *jobs.RunReport    `json:"report,omitempty"`
}

func (s *Server) searchJobs(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "api: search", err)
		return
	}
	ctx := c.Request.Context()
	if req.Store {
		// Stored results are listed through GET /jobs; the report carries the counts.
		rep, err := s.svc.SearchAndStore(ctx, []jobs.SearchParams{req.SearchParams})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, searchResponse{Jobs: []jobs.LinkedInJob{}, Count: rep.Stats.Found, Report: rep})
		return
	}
	found, err := s.svc.Search(ctx, req.SearchParams)
	if err != nil {
		fail(c, err)
		return
	}
	if found == nil {
		found = []jobs.LinkedInJob{}
	}
	c.JSON(http.StatusOK, searchResponse{Jobs: found, Count: len(found)})
}

type applyRequest struct {
	DryRun bool `json:"dry_run" form:"dry_run"`
}

func (s *Server) applyJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req applyRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "api: apply", err)
		return
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "api: apply", err)
			return
		}
	}
	out, err := s.svc.Apply(c.Request.Context(), id, req.DryRun)
	if err != nil {
		var extra gin.H
		if out != nil {
			extra = gin.H{"outcome": out}
		}
		failWith(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, out)
}

type savedRequest struct {
	Saved *bool   `json:"saved" binding:"required"`
	Notes *string `json:"notes"`
}

func (s *Server) setSaved(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req savedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "api: set saved", err)
		return
	}
	ctx := c.Request.Context()
	j, err := s.svc.SetSaved(ctx, id, *req.Saved)
	if err == nil && req.Notes != nil {
		j, err = s.svc.UpdateNotes(ctx, id, *req.Notes)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) requeueJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	j, err := s.svc.Requeue(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) deleteJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	if err := s.svc.DeleteJob(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
