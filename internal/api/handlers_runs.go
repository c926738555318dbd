package api

import (
	"net/http"

	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/gin-gonic/gin"
)

type runRequest struct {
	Kind   string `json:"kind"`
	Wait   bool   `json:"wait"`
	DryRun bool   `json:"dry_run"`
}

// startRun starts a session in the background (202) or, with wait, runs it
// to completion and returns the report (200).
func (s *Server) startRun(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "api: start run", err)
			return
		}
	}
	kind, err := jobs.ParseSessionKind(req.Kind)
	if err != nil {
		fail(c, err)
		return
	}
	ro := jobs.RunOptions{DryRun: req.DryRun}
	if req.Wait {
		rep, err := s.svc.RunNow(c.Request.Context(), kind, ro)
		if rep == nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rep)
		return
	}
	sess, err := s.svc.StartRun(c.Request.Context(), kind, ro)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Location", "/api/v1/runs/"+sess.ID)
	c.JSON(http.StatusAccepted, sess)
}

type limitQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

func (s *Server) listRuns(c *gin.Context) {
	var q limitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "api: list runs", err)
		return
	}
	if q.Limit == 0 {
		q.Limit = 20
	}
	sessions, err := s.svc.Sessions(c.Request.Context(), q.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	if sessions == nil {
		sessions = []jobs.SessionData{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": sessions})
}

func (s *Server) getRun(c *gin.Context) {
	sess, err := s.svc.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type logsQuery struct {
	SessionID string `form:"session_id"`
	JobID     int64  `form:"job_id" binding:"omitempty,min=1"`
	Level     string `form:"level" binding:"omitempty,oneof=info warn error"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

func (s *Server) logs(c *gin.Context) {
	var q logsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "api: logs", err)
		return
	}
	if q.Limit == 0 {
		q.Limit = 100
	}
	logs, err := s.svc.Logs(c.Request.Context(), jobs.LogFilter{
		SessionID: q.SessionID,
		JobID:     q.JobID,
		Level:     q.Level,
		Limit:     q.Limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if logs == nil {
		logs = []jobs.AutomationLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) recoverStuck(c *gin.Context) {
	rep, err := s.svc.Recover(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type cleanupRequest struct {
	Days int `json:"days" binding:"required,min=1"`
}

func (s *Server) cleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "api: cleanup", err)
		return
	}
	rep, err := s.svc.Cleanup(c.Request.Context(), req.Days)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) getProfile(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Profile())
}

func (s *Server) putProfile(c *gin.Context) {
	var p jobs.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "api: profile", err)
		return
	}
	if err := s.svc.SaveProfile(&p); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Profile())
}
