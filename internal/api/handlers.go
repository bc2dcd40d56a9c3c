package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pdfqueue/internal/catalog"
	"pdfqueue/internal/model"
	"pdfqueue/internal/queue"
)

type generateRequest struct {
	URL      string          `json:"url" binding:"required,url"`
	FileName string          `json:"fileName" binding:"required,max=200"`
	Type     string          `json:"type" binding:"omitempty,max=64"`
	OwnerID  string          `json:"ownerId" binding:"omitempty,max=128"`
	Profile  string          `json:"profile" binding:"omitempty,oneof=standard print magazine"`
	Options  map[string]bool `json:"options"`
}

type statusResponse struct {
	JobID        string        `json:"jobId"`
	State        model.State   `json:"state"`
	Progress     int           `json:"progress"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"maxAttempts"`
	Result       *model.Result `json:"result"`
	FailedReason string        `json:"failedReason,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "online",
		"service":   s.cfg.ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) queueStats(c *gin.Context) {
	ctx := c.Request.Context()
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.internalError(c, "queue stats failed", err)
		return
	}
	outstanding, err := s.queue.Count(ctx)
	if err != nil {
		s.internalError(c, "queue count failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"states":      stats,
		"outstanding": outstanding,
		"ceiling":     s.cfg.Ceiling,
	})
}

// generate enqueues a render and returns the job id without waiting.
func (s *Server) generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	target, err := catalog.AppendOptions(req.URL, req.Options)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid url", "message": err.Error()})
		return
	}

	job, err := s.queue.Enqueue(c.Request.Context(), model.Payload{
		URL:      target,
		FileName: req.FileName,
		Type:     req.Type,
		OwnerID:  req.OwnerID,
		Profile:  req.Profile,
		Options:  req.Options,
	}, queue.WithCeiling(s.cfg.Ceiling))
	if err != nil {
		s.enqueueError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID})
}

func (s *Server) status(c *gin.Context) {
	job, err := s.queue.GetJob(c.Request.Context(), c.Param("jobId"))
	if errors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		s.internalError(c, "job lookup failed", err)
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		JobID:        job.ID,
		State:        job.State,
		Progress:     job.Progress,
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		Result:       job.Result,
		FailedReason: job.LastError,
	})
}

// generateAndWait resolves a catalog document, enqueues it and holds the
// request until the job is terminal.
func (s *Server) generateAndWait(v catalog.Variant) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("id")
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing ID"})
			return
		}

		flags := make(map[string]string, len(v.Options))
		for _, opt := range v.Options {
			if val, ok := c.GetQuery(opt.Name); ok {
				flags[opt.Name] = val
			}
		}
		docType := c.DefaultQuery("type", v.DefaultType)

		target, options, err := s.catalog.Resolve(v, catalog.Request{ID: id, Type: docType, Flags: flags})
		var unknown *catalog.UnknownTypeError
		if errors.As(err, &unknown) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid PDF type", "allowedTypes": unknown.Allowed})
			return
		}
		if err != nil {
			s.internalError(c, "resolve document failed", err)
			return
		}

		ctx := c.Request.Context()
		// Subscribe first so a fast job cannot finish unseen.
		events, release := s.queue.Subscribe(ctx)
		defer release()

		job, err := s.queue.Enqueue(ctx, model.Payload{
			URL:      target,
			FileName: catalog.FileName(docType, id),
			Type:     docType,
			OwnerID:  c.Query("userId"),
			Profile:  v.Profile,
			Options:  options,
		}, queue.WithCeiling(s.cfg.Ceiling))
		if err != nil {
			s.enqueueError(c, err)
			return
		}

		s.logger.Info("waiting for render",
			zap.String("job_id", job.ID),
			zap.String("url", target),
			zap.String("variant", v.Name),
		)
		s.wait(c, job.ID, events)
	}
}

func (s *Server) enqueueError(c *gin.Context, err error) {
	if errors.Is(err, queue.ErrQueueFull) {
		c.Header("Retry-After", strconv.Itoa(int(s.cfg.RetryAfter.Round(time.Second).Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Queue is full, try again later"})
		return
	}
	s.internalError(c, "enqueue failed", err)
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	_ = c.Error(err)
	s.logger.Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "message": err.Error()})
}
