package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/autovant/rca/internal/job"
	"github.com/autovant/rca/pkg/rcapi"
)

// sseSink adapts a gin response writer to stream.Sink, flushing each frame
// so clients see events as they happen.
type sseSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *sseSink) Send(frame rcapi.JobEventFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("event: " + frame.EventType + "\ndata: " + string(payload) + "\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseSink) Heartbeat() error {
	if _, err := s.w.Write([]byte(": heartbeat\n\n")); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// streamEvents replays the job's persisted event log, then forwards live
// events until the job is terminal.
func (s *Server) streamEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	sink := &sseSink{w: c.Writer, f: flusher}
	if err := s.streamer.Run(c.Request.Context(), c.Param("job_id"), sink); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		}
		// Client disconnects and context cancellations end the stream;
		// nothing useful to write at that point.
	}
}

func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}
