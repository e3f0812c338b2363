package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/community-platform/internal/dispatch"
	"github.com/ignite/community-platform/internal/pkg/distlock"
	"github.com/ignite/community-platform/internal/pkg/logger"
	"github.com/ignite/community-platform/internal/segmentation"
)

// LockFactory builds a distributed lock for a key. Nil disables locking.
type LockFactory func(key string) distlock.DistLock

// SegmentationAPI handles segment definition and audience endpoints
type SegmentationAPI struct {
	engine        *segmentation.Engine
	publisher     *dispatch.Publisher
	locks         LockFactory
	sampleSize    int
	maxSampleSize int
}

// NewSegmentationAPI creates a new segmentation API handler. The publisher
// may be nil; dispatch endpoints then report the queue as unavailable.
func NewSegmentationAPI(engine *segmentation.Engine, publisher *dispatch.Publisher, locks LockFactory, sampleSize, maxSampleSize int) *SegmentationAPI {
	if sampleSize <= 0 {
		sampleSize = 10
	}
	if maxSampleSize <= 0 {
		maxSampleSize = 100
	}
	return &SegmentationAPI{
		engine:        engine,
		publisher:     publisher,
		locks:         locks,
		sampleSize:    sampleSize,
		maxSampleSize: maxSampleSize,
	}
}

// RegisterRoutes registers segmentation routes. Callers mount these behind
// RequireCommunity.
func (api *SegmentationAPI) RegisterRoutes(r chi.Router) {
	r.Get("/fields", api.ListFields)

	r.Route("/segments", func(r chi.Router) {
		r.Get("/", api.ListSegments)
		r.Post("/", api.CreateSegment)
		r.Post("/defaults", api.CreateDefaultSegments)
		r.Post("/preview", api.PreviewRules)

		r.Route("/{segmentID}", func(r chi.Router) {
			r.Get("/", api.GetSegment)
			r.Put("/", api.UpdateSegment)
			r.Delete("/", api.DeleteSegment)
			r.Get("/count", api.GetSegmentCount)
			r.Get("/members", api.GetSegmentMembers)
			r.Post("/dispatch", api.DispatchSegment)
		})
	})
}

// ==========================================
// FIELD REGISTRY
// ==========================================

// ListFields returns the registry of segmentable fields for rule builders
func (api *SegmentationAPI) ListFields(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"fields": segmentation.Fields(),
	})
}

// ==========================================
// SEGMENT CRUD
// ==========================================

// CreateSegmentRequest is the request body for creating a segment
type CreateSegmentRequest struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Rules       segmentation.RuleSet `json:"rules"`
}

// ListSegments returns the community's segments
func (api *SegmentationAPI) ListSegments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)
	activeOnly := r.URL.Query().Get("active") == "true"

	segments, err := api.engine.Store().List(ctx, communityID, activeOnly)
	if err != nil {
		api.respondSegmentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"segments": segments})
}

// CreateSegment validates and stores a new segment
func (api *SegmentationAPI) CreateSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)

	var req CreateSegmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	segment, err := api.engine.Store().Create(ctx, communityID, req.Name, req.Description, req.Rules, GetUserIDFromContext(ctx))
	if err != nil {
		api.respondSegmentError(w, err)
		return
	}

	logger.Info("segment created", "community_id", communityID, "segment_id", segment.ID, "name", segment.Name)
	respondJSON(w, http.StatusCreated, segment)
}

// CreateDefaultSegments seeds the starter segments for the community
func (api *SegmentationAPI) CreateDefaultSegments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)

	created, err := api.engine.Store().CreateDefaults(ctx, communityID, GetUserIDFromContext(ctx))
	if err != nil {
		api.respondSegmentError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"created": created})
}

// GetSegment returns one segment by id
func (api *SegmentationAPI) GetSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)
	segmentID, err := uuid.Parse(chi.URLParam(r, "segmentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid segment id")
		return
	}

	segment, err := api.engine.Store().Get(ctx, communityID, segmentID)
	if err != nil {
		api.respondSegmentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, segment)
}

// UpdateSegment applies a partial update to a segment
func (api *SegmentationAPI) UpdateSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)
	segmentID, err := uuid.Parse(chi.URLParam(r, "segmentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid segment id")
		return
	}

	var patch segmentation.SegmentPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	segment, err := api.engine.Store().Update(ctx, communityID, segmentID, patch)
	if err != nil {
		api.respondSegmentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, segment)
}

// DeleteSegment removes a segment permanently
func (api *SegmentationAPI) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)
	segmentID, err := uuid.Parse(chi.URLParam(r, "segmentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid segment id")
		return
	}

	if err := api.engine.Store().Delete(ctx, communityID, segmentID); err != nil {
		api.respondSegmentError(w, err)
		return
	}
	logger.Info("segment deleted", "community_id", communityID, "segment_id", segmentID)
	w.WriteHeader(http.StatusNoContent)
}

// ==========================================
// EVALUATION
// ==========================================

// PreviewRules evaluates an ad-hoc rule set without saving it
func (api *SegmentationAPI) PreviewRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)

	var req struct {
		Rules segmentation.RuleSet `json:"rules"`
		Limit int                  `json:"limit,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = api.sampleSize
	}
	if limit > api.maxSampleSize {
		limit = api.maxSampleSize
	}

	count, sample, err := api.engine.Preview(ctx, communityID, req.Rules, limit)
	if err != nil {
		api.respondSegmentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":  count,
		"sample": sample,
	})
}

// GetSegmentCount returns the current audience size of a stored segment
func (api *SegmentationAPI) GetSegmentCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)
	segment, ok := api.loadSegment(w, r)
	if !ok {
		return
	}

	count, err := api.engine.Count(ctx, communityID, segment.Rules)
	if err != nil {
		api.respondSegmentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"segment_id": segment.ID,
		"count":      count,
	})
}

// GetSegmentMembers resolves the full audience of a stored segment
func (api *SegmentationAPI) GetSegmentMembers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)
	segment, ok := api.loadSegment(w, r)
	if !ok {
		return
	}

	members, err := api.engine.Resolve(ctx, communityID, segment.Rules)
	if err != nil {
		api.respondSegmentError(w, err)
		return
	}

	// Optional offset pagination over the resolved set
	limit := len(members)
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	start := offset
	if start > len(members) {
		start = len(members)
	}
	end := start + limit
	if end > len(members) {
		end = len(members)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"segment_id": segment.ID,
		"count":      len(members),
		"members":    members[start:end],
		"has_more":   end < len(members),
	})
}

// DispatchSegment resolves a segment and enqueues the audience for delivery
func (api *SegmentationAPI) DispatchSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)
	if api.publisher == nil {
		respondError(w, http.StatusServiceUnavailable, "dispatch queue is not configured")
		return
	}
	segment, ok := api.loadSegment(w, r)
	if !ok {
		return
	}

	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Channel == "" {
		req.Channel = "newsletter"
	}

	// One dispatch per segment at a time across all server instances.
	if api.locks != nil {
		lock := api.locks("dispatch:segment:" + segment.ID.String())
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			api.respondSegmentError(w, err)
			return
		}
		if !acquired {
			respondError(w, http.StatusConflict, "dispatch already in progress for this segment")
			return
		}
		defer lock.Release(ctx)
	}

	members, err := api.engine.Resolve(ctx, communityID, segment.Rules)
	if err != nil {
		api.respondSegmentError(w, err)
		return
	}

	envelopeID, err := api.publisher.Publish(ctx, communityID, &segment.ID, req.Channel, members)
	if err != nil {
		logger.Error("dispatch enqueue failed", "community_id", communityID, "segment_id", segment.ID, "error", err)
		respondError(w, http.StatusBadGateway, "failed to enqueue dispatch")
		return
	}

	logger.Info("segment dispatched", "community_id", communityID, "segment_id", segment.ID,
		"envelope_id", envelopeID, "audience_size", len(members), "channel", req.Channel)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"envelope_id": envelopeID,
		"members":     len(members),
		"channel":     req.Channel,
	})
}

// ==========================================
// HELPERS
// ==========================================

func (api *SegmentationAPI) loadSegment(w http.ResponseWriter, r *http.Request) (*segmentation.Segment, bool) {
	ctx := r.Context()
	communityID := GetCommunityIDFromContext(ctx)
	segmentID, err := uuid.Parse(chi.URLParam(r, "segmentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid segment id")
		return nil, false
	}
	segment, err := api.engine.Store().Get(ctx, communityID, segmentID)
	if err != nil {
		api.respondSegmentError(w, err)
		return nil, false
	}
	return segment, true
}

// respondSegmentError maps domain errors onto HTTP statuses. Validation
// failures carry the 1-based condition position so a rule builder can
// highlight the offending clause.
func (api *SegmentationAPI) respondSegmentError(w http.ResponseWriter, err error) {
	var verr *segmentation.ValidationError
	if errors.As(err, &verr) {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   "validation_failed",
			"details": verr,
		})
		return
	}
	if errors.Is(err, segmentation.ErrSegmentNotFound) {
		respondError(w, http.StatusNotFound, "segment not found")
		return
	}
	logger.Error("segmentation request failed", "error", err)
	respondError(w, http.StatusInternalServerError, "internal error")
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
