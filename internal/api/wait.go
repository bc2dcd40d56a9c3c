package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pdfqueue/internal/model"
	"pdfqueue/internal/queue"
)

// wait blocks until job id is terminal, the wait times out or the client
// goes away. Events are only a hint to re-read the job; the ticker covers
// events that were dropped.
func (s *Server) wait(c *gin.Context, id string, events <-chan queue.Event) {
	ctx := c.Request.Context()

	ticker := time.NewTicker(s.cfg.WaitPollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(s.cfg.WaitTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.base.Err() != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server shutting down", "jobId": id})
				return
			}
			s.logger.Info("client disconnected, stop waiting", zap.String("job_id", id))
			return
		case <-timeout.C:
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error": "PDF generation timed out",
				"jobId": id,
			})
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.JobID != id || !finalEvent(ev) {
				continue
			}
		case <-ticker.C:
		}

		if s.respondIfDone(c, id) {
			return
		}
	}
}

func finalEvent(ev queue.Event) bool {
	return ev.Type == queue.EventCompleted || (ev.Type == queue.EventFailed && ev.Terminal)
}

func (s *Server) respondIfDone(c *gin.Context, id string) bool {
	job, err := s.queue.GetJob(c.Request.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "PDF generation failed", "message": "job no longer exists"})
		return true
	}
	if err != nil {
		if c.Request.Context().Err() != nil {
			// picked up by the ctx.Done case
			return false
		}
		s.internalError(c, "job lookup failed", err)
		return true
	}

	switch job.State {
	case model.StateCompleted:
		if job.Result == nil || job.Result.URL == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "PDF generation failed", "message": "job completed without a url"})
			return true
		}
		c.Redirect(http.StatusFound, job.Result.URL)
		return true
	case model.StateFailed:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "PDF generation failed",
			"message": job.LastError,
		})
		return true
	default:
		return false
	}
}
