package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Popie52/httpjobs/internal/core"
	"github.com/Popie52/httpjobs/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// jobRequest is the body of POST /jobs and PATCH /jobs/:id. Durations are in
// milliseconds. With body_json set, body is any JSON value sent as JSON;
// otherwise body must be a string sent as raw text.
type jobRequest struct {
	URL          *string            `json:"url"`
	Method       *string            `json:"method"`
	Headers      *map[string]string `json:"headers"`
	Body         json.RawMessage    `json:"body"`
	BodyJSON     bool               `json:"body_json"`
	IntervalMs   *int64             `json:"interval_ms"`
	MaxRetries   *int               `json:"max_retries"`
	RetryDelayMs *int64             `json:"retry_delay_ms"`
	Active       *bool              `json:"active"`
}

type jobResponse struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         any               `json:"body,omitempty"`
	BodyJSON     bool              `json:"body_json"`
	IntervalMs   int64             `json:"interval_ms"`
	MaxRetries   int               `json:"max_retries"`
	RetryDelayMs int64             `json:"retry_delay_ms"`
	CreatedAt    time.Time         `json:"created_at"`
	LastRunAt    *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time        `json:"next_run_at,omitempty"`
	Active       bool              `json:"active"`
}

func toResponse(j *model.Job) jobResponse {
	r := jobResponse{
		ID:           j.ID,
		URL:          j.URL,
		Method:       j.Method,
		Headers:      j.Headers,
		IntervalMs:   j.Interval.Milliseconds(),
		MaxRetries:   j.MaxRetries,
		RetryDelayMs: j.RetryDelay.Milliseconds(),
		CreatedAt:    j.CreatedAt,
		LastRunAt:    j.LastRunAt,
		NextRunAt:    j.NextRunAt,
		Active:       j.Active,
	}
	if j.Body != nil {
		r.Body = j.Body.Payload
		r.BodyJSON = j.Body.JSON
	}
	return r
}

const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// ms converts a millisecond field, rejecting values a time.Duration cannot
// hold.
func ms(field string, v *int64) (time.Duration, error) {
	if v == nil {
		return 0, nil
	}
	if *v > maxMillis || *v < -maxMillis {
		return 0, &model.ValidationError{Field: field, Reason: "out of range"}
	}
	return time.Duration(*v) * time.Millisecond, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseBody decodes the body field. A nil result means no body.
func parseBody(raw json.RawMessage, asJSON bool) (*model.Body, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}

	if asJSON {
		var payload any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, &model.ValidationError{Field: "body", Reason: "malformed JSON"}
		}
		return &model.Body{Payload: payload, JSON: true}, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, &model.ValidationError{Field: "body", Reason: "must be a string unless body_json is set"}
	}
	return &model.Body{Payload: text}, nil
}

func (r jobRequest) spec() (model.JobSpec, error) {
	body, err := parseBody(r.Body, r.BodyJSON)
	if err != nil {
		return model.JobSpec{}, err
	}

	interval, err := ms("interval", r.IntervalMs)
	if err != nil {
		return model.JobSpec{}, err
	}
	retryDelay, err := ms("retry_delay", r.RetryDelayMs)
	if err != nil {
		return model.JobSpec{}, err
	}

	spec := model.JobSpec{
		Body:       body,
		Interval:   interval,
		RetryDelay: retryDelay,
		Active:     r.Active,
	}
	if r.URL != nil {
		spec.URL = *r.URL
	}
	if r.Method != nil {
		spec.Method = *r.Method
	}
	if r.Headers != nil {
		spec.Headers = *r.Headers
	}
	if r.MaxRetries != nil {
		spec.MaxRetries = *r.MaxRetries
	}
	return spec, nil
}

func (r jobRequest) patch() (model.JobPatch, error) {
	p := model.JobPatch{
		URL:        r.URL,
		Method:     r.Method,
		Headers:    r.Headers,
		MaxRetries: r.MaxRetries,
	}
	if r.IntervalMs != nil {
		d, err := ms("interval", r.IntervalMs)
		if err != nil {
			return model.JobPatch{}, err
		}
		p.Interval = &d
	}
	if r.RetryDelayMs != nil {
		d, err := ms("retry_delay", r.RetryDelayMs)
		if err != nil {
			return model.JobPatch{}, err
		}
		p.RetryDelay = &d
	}

	switch {
	case len(r.Body) == 0:
	case isNull(r.Body):
		p.ClearBody = true
	default:
		body, err := parseBody(r.Body, r.BodyJSON)
		if err != nil {
			return model.JobPatch{}, err
		}
		p.Body = body
	}
	return p, nil
}

type jobHandler struct {
	ctx      context.Context
	svc      *core.Service
	runLimit int
}

func writeError(c *gin.Context, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *jobHandler) create(c *gin.Context) {
	select {
	case <-h.ctx.Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	default:
	}

	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job data"})
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeError(c, err)
		return
	}

	job, err := h.svc.Create(c.Request.Context(), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(job))
}

func (h *jobHandler) list(c *gin.Context) {
	jobs, err := h.svc.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toResponse(j))
	}
	c.JSON(http.StatusOK, out)
}

func (h *jobHandler) get(c *gin.Context) {
	job, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(job))
}

func (h *jobHandler) update(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job data"})
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(c, err)
		return
	}

	job, err := h.svc.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(job))
}

func (h *jobHandler) remove(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *jobHandler) enable(c *gin.Context) {
	job, err := h.svc.Enable(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(job))
}

func (h *jobHandler) disable(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Disable(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	job, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(job))
}

func (h *jobHandler) runs(c *gin.Context) {
	limit := h.runLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	logs, err := h.svc.RunLogs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// requestLogger logs one line per request.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		})
		if len(c.Errors) > 0 {
			entry.WithError(c.Errors.Last()).Error("request failed")
			return
		}
		entry.Debug("request")
	}
}

func newRouter(ctx context.Context, svc *core.Service, metricsHandler http.Handler, runLimit int, log logrus.FieldLogger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	h := &jobHandler{ctx: ctx, svc: svc, runLimit: runLimit}

	jobs := router.Group("/jobs")
	jobs.POST("", h.create)
	jobs.GET("", h.list)
	jobs.GET("/:id", h.get)
	jobs.PATCH("/:id", h.update)
	jobs.DELETE("/:id", h.remove)
	jobs.POST("/:id/enable", h.enable)
	jobs.POST("/:id/disable", h.disable)
	jobs.GET("/:id/runs", h.runs)

	router.GET("/metrics", gin.WrapH(metricsHandler))
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	return router
}
