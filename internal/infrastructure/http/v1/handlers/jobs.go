package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"validahub-core/internal/infrastructure/http/v1/dto"
	"validahub-core/internal/job"
	"validahub-core/internal/outbox"
	"validahub-core/internal/usecase"
	"validahub-core/pkg/logger"
)

// streamHeartbeatInterval is how often an SSE heartbeat frame is sent to
// keep intermediaries from closing an idle stream.
const streamHeartbeatInterval = 20 * time.Second

// JobsHandler serves the /v1/jobs surface.
type JobsHandler struct {
	*BaseHandler
	service *usecase.JobService
	broker  *outbox.Broker
}

// NewJobsHandler creates a new jobs handler. broker may be nil when the
// event stream endpoint is disabled.
func NewJobsHandler(base *BaseHandler, service *usecase.JobService, broker *outbox.Broker) *JobsHandler {
	return &JobsHandler{BaseHandler: base, service: service, broker: broker}
}

// RegisterRoutes wires the jobs endpoints onto rg.
func (h *JobsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Submit)
	rg.GET("", h.List)
	rg.GET("/stream", h.Stream)
	rg.GET("/:job_id", h.Get)
	rg.POST("/:job_id/retry", h.Retry)
}

// Submit handles POST /v1/jobs.
func (h *JobsHandler) Submit(c *gin.Context) {
	var req dto.SubmitJobRequest
	if !h.BindJSON(c, &req) {
		return
	}

	key := c.GetString("idempotency_key")
	result, err := h.service.SubmitJob(c.Request.Context(), usecase.SubmitJobInput{
		TenantID:       h.TenantID(c),
		SellerID:       req.SellerID,
		Channel:        req.Channel,
		Type:           req.Type,
		FileRef:        req.FileRef,
		RulesProfileID: req.RulesProfileID,
		CallbackURL:    req.CallbackURL,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		h.Error(c, err)
		return
	}

	h.setRateLimitHeaders(c, result.RateLimit.Remaining, result.RateLimit.ResetAfter)
	h.Created(c, dto.SubmitJobResponse{
		Data: json.RawMessage(result.Payload),
		Meta: dto.NewSubmitMeta(key, result.RateLimit, result.IsReplay),
	})
}

// Get handles GET /v1/jobs/:job_id.
func (h *JobsHandler) Get(c *gin.Context) {
	j, err := h.service.GetJob(c.Request.Context(), h.TenantID(c), c.Param("job_id"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.GetJobResponse{Data: usecase.NewJobView(j)})
}

// List handles GET /v1/jobs.
func (h *JobsHandler) List(c *gin.Context) {
	var query dto.ListJobsQuery
	if !h.BindQuery(c, &query) {
		return
	}

	limit := query.Limit
	if limit == 0 {
		limit = 20
	}

	result, err := h.service.ListJobs(c.Request.Context(), h.TenantID(c), job.ListFilter{
		Status:  job.Status(query.Status),
		Channel: job.Channel(query.Channel),
		Type:    job.Type(query.Type),
	}, limit, query.Offset)
	if err != nil {
		h.Error(c, err)
		return
	}

	data := make([]usecase.JobView, 0, len(result.Jobs))
	for _, j := range result.Jobs {
		data = append(data, usecase.NewJobView(j))
	}
	h.OK(c, dto.ListJobsResponse{
		Data: data,
		Meta: dto.ListMeta{Total: result.Total, Limit: limit, Offset: query.Offset},
	})
}

// Retry handles POST /v1/jobs/:job_id/retry.
func (h *JobsHandler) Retry(c *gin.Context) {
	result, err := h.service.RetryJob(c.Request.Context(), h.TenantID(c), c.Param("job_id"))
	if err != nil {
		h.Error(c, err)
		return
	}

	h.setRateLimitHeaders(c, result.RateLimit.Remaining, result.RateLimit.ResetAfter)
	h.Created(c, dto.SubmitJobResponse{
		Data: json.RawMessage(result.Payload),
		Meta: dto.NewSubmitMeta("", result.RateLimit, false),
	})
}

// Stream handles GET /v1/jobs/stream: a server-sent-events feed of the
// tenant's dispatched job events, with a heartbeat every 20 seconds. Closes
// when the client disconnects.
func (h *JobsHandler) Stream(c *gin.Context) {
	if h.broker == nil {
		h.Error(c, fmt.Errorf("event stream not configured"))
		return
	}

	tenantID := h.TenantID(c)
	client := h.broker.Subscribe(tenantID)
	defer h.broker.Unsubscribe(client)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("heartbeat", "")
			return true
		case event := <-client.Events():
			payload, err := json.Marshal(event)
			if err != nil {
				logger.Error(ctx, "marshal stream event failed", "error", err)
				return true
			}
			c.SSEvent(string(event.Type), string(payload))
			return true
		}
	})
}

func (h *JobsHandler) setRateLimitHeaders(c *gin.Context, remaining int, reset time.Duration) {
	c.Header("X-RateLimit-Remaining", fmt.Sprint(remaining))
	c.Header("X-RateLimit-Reset", fmt.Sprint(int(reset.Seconds())))
}
