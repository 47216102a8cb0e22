package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/waggletail/dispatch/internal/notify"
	"github.com/waggletail/dispatch/internal/orchestrator"
)

// Dispatcher is the orchestration surface the handlers call into.
type Dispatcher interface {
	SendMessage(ctx context.Context, env *notify.Envelope, opts notify.DispatchOptions) (*notify.DeliveryOutcome, error)
	SendBulkMessages(ctx context.Context, envs []*notify.Envelope, opts notify.DispatchOptions) ([]*notify.DeliveryOutcome, error)
	SendCampaign(ctx context.Context, id uuid.UUID) (*orchestrator.CampaignResult, error)
	CancelScheduledSend(ctx context.Context, id uuid.UUID) (bool, error)
	GetStats() orchestrator.Stats
}

// ContentStore is the persistence surface for campaign and template CRUD.
type ContentStore interface {
	CreateCampaign(ctx context.Context, c *notify.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*notify.Campaign, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*notify.Template, error)
	ListTemplates(ctx context.Context, channel notify.Channel) ([]*notify.Template, error)
	SaveTemplate(ctx context.Context, t *notify.Template) error
	DeleteTemplate(ctx context.Context, id uuid.UUID) (bool, error)
	Ping(ctx context.Context) error
}

// Ingestor applies normalized webhook events.
type Ingestor interface {
	IngestBatch(ctx context.Context, events []*notify.DeliveryEvent) (int, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	dispatcher Dispatcher
	store      ContentStore
	ingestor   Ingestor
	templates  *notify.TemplateEngine
	validate   *validator.Validate
	queueLen   func(ctx context.Context) (int64, error)
	startTime  time.Time
}

// NewHandlers wires the handler set.
func NewHandlers(d Dispatcher, cs ContentStore, in Ingestor, te *notify.TemplateEngine, queueLen func(ctx context.Context) (int64, error)) *Handlers {
	return &Handlers{
		dispatcher: d,
		store:      cs,
		ingestor:   in,
		templates:  te,
		validate:   validator.New(),
		queueLen:   queueLen,
		startTime:  time.Now(),
	}
}

// ---- messages ----

type sendMessageRequest struct {
	Envelope *notify.Envelope       `json:"envelope" validate:"required"`
	Options  notify.DispatchOptions `json:"options"`
}

// SendMessage accepts one envelope for dispatch.
//
//	POST /api/messages
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.dispatcher.SendMessage(r.Context(), req.Envelope, req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

type sendBulkRequest struct {
	Envelopes []*notify.Envelope     `json:"envelopes" validate:"required,min=1,max=10000"`
	Options   notify.DispatchOptions `json:"options"`
}

// SendBulkMessages accepts a batch of envelopes for queued or scheduled
// delivery. The response carries one acceptance receipt per envelope.
//
//	POST /api/messages/bulk
func (h *Handlers) SendBulkMessages(w http.ResponseWriter, r *http.Request) {
	var req sendBulkRequest
	if !h.decode(w, r, &req) {
		return
	}

	outs, err := h.dispatcher.SendBulkMessages(r.Context(), req.Envelopes, req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   len(outs),
		"results": outs,
	})
}

// CancelScheduled cancels a pending scheduled send.
//
//	DELETE /api/scheduled/{id}
func (h *Handlers) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.dispatcher.CancelScheduledSend(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cancelled {
		writeError(w, http.StatusNotFound, "scheduled send not found or already promoted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// GetStats returns the orchestrator counters.
//
//	GET /api/stats
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.GetStats())
}

// ---- campaigns ----

type createCampaignRequest struct {
	Name        string                                    `json:"name" validate:"required,min=1,max=200"`
	Audience    notify.AudienceSpec                       `json:"audience"`
	Content     map[notify.Channel]*notify.ChannelContent `json:"content" validate:"required,min=1"`
	Category    notify.Category                           `json:"category"`
	ScheduledAt *time.Time                                `json:"scheduled_at"`
	Settings    notify.CampaignSettings                   `json:"settings"`
}

// CreateCampaign stores a new campaign in draft (or scheduled) state.
//
//	POST /api/campaigns
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !h.decode(w, r, &req) {
		return
	}

	c := &notify.Campaign{
		Name:        req.Name,
		Audience:    req.Audience,
		Content:     req.Content,
		Category:    req.Category,
		ScheduledAt: req.ScheduledAt,
		Settings:    req.Settings,
		Status:      notify.CampaignDraft,
	}
	if req.ScheduledAt != nil {
		c.Status = notify.CampaignScheduled
	}

	if err := h.store.CreateCampaign(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCampaign returns one campaign.
//
//	GET /api/campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	c, err := h.store.GetCampaign(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SendCampaign runs a campaign synchronously and returns the result.
//
//	POST /api/campaigns/{id}/send
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	result, err := h.dispatcher.SendCampaign(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ---- templates ----

// ListTemplates lists templates for one channel.
//
//	GET /api/templates?channel=email
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	channel := notify.Channel(r.URL.Query().Get("channel"))
	if !channel.Valid() {
		writeError(w, http.StatusBadRequest, "unknown or missing channel query parameter")
		return
	}

	templates, err := h.store.ListTemplates(r.Context(), channel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

// GetTemplate returns one template.
//
//	GET /api/templates/{id}
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	t, err := h.store.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type templateRequest struct {
	Type      notify.Channel            `json:"type" validate:"required"`
	Name      string                    `json:"name" validate:"required,min=1,max=200"`
	Subject   string                    `json:"subject"`
	Content   string                    `json:"content" validate:"required"`
	Variables []notify.TemplateVariable `json:"variables"`
	Active    bool                      `json:"active"`
}

// SaveTemplate creates a template after checking its syntax.
//
//	POST /api/templates
func (h *Handlers) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.templates.Parse(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, "template syntax error: "+err.Error())
		return
	}

	t := &notify.Template{
		Type:      req.Type,
		Name:      req.Name,
		Subject:   req.Subject,
		Content:   req.Content,
		Variables: req.Variables,
		Active:    req.Active,
	}
	if err := h.store.SaveTemplate(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// UpdateTemplate replaces a template's content and drops the stale compiled
// form from the render cache.
//
//	PUT /api/templates/{id}
func (h *Handlers) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	existing, err := h.store.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}

	var req templateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.templates.Parse(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, "template syntax error: "+err.Error())
		return
	}

	h.templates.Invalidate(existing.Content)

	existing.Type = req.Type
	existing.Name = req.Name
	existing.Subject = req.Subject
	existing.Content = req.Content
	existing.Variables = req.Variables
	existing.Active = req.Active

	if err := h.store.SaveTemplate(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// DeleteTemplate removes a template and its compiled form.
//
//	DELETE /api/templates/{id}
func (h *Handlers) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	existing, err := h.store.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}

	if _, err := h.store.DeleteTemplate(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.templates.Invalidate(existing.Content)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type previewRequest struct {
	Content string                 `json:"content" validate:"required"`
	Context map[string]interface{} `json:"context"`
}

// PreviewTemplate renders template source against a caller-supplied context,
// reporting syntax and render errors instead of degrading.
//
//	POST /api/templates/preview
func (h *Handlers) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !h.decode(w, r, &req) {
		return
	}

	rendered, err := h.templates.RenderStrict(req.Content, req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rendered": rendered})
}

// ---- health ----

// Health reports dependency status.
//
//	GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := h.store.Ping(ctx); err != nil {
		checks["database"] = "down: " + err.Error()
		healthy = false
	} else {
		checks["database"] = "up"
	}

	if h.queueLen != nil {
		if depth, err := h.queueLen(ctx); err != nil {
			checks["queue"] = "down: " + err.Error()
			healthy = false
		} else {
			checks["queue"] = "up"
			checks["queue_depth"] = strconv.FormatInt(depth, 10)
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
		"checks": checks,
	})
}

// ---- helpers ----

// decode parses and validates a JSON request body, writing the error response
// itself. Returns false when the caller should stop.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

