package http

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-gate-service/internal/config"
	"parking-gate-service/internal/service"
)

// Action header set by the camera controller. Lookup is case-insensitive,
// so x-parking-action and X-Parking-Action are both accepted. A missing
// header defaults to ENTRY.
const (
	headerParkingAction = "X-Parking-Action"
	headerBodyBase64    = "X-Body-Base64"

	defaultAction = "ENTRY"
)

// Plain-string gate responses consumed by the barrier controller.
const (
	responseImageDecodeError = "IMAGE_DECODE_ERROR"
	responseInvalidAction    = "INVALID_ACTION"
	responseInternalError    = "INTERNAL_ERROR"
)

type Handler struct {
	gateService *service.GateService
	config      *config.Config
	log         zerolog.Logger
}

func NewHandler(
	gateService *service.GateService,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		gateService: gateService,
		config:      cfg,
		log:         log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/gate", h.processGate)
		public.GET("/occupancy", h.getOccupancy)
	}

	// Protected endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.GET("/sessions/:plate", h.getSession)
		protected.GET("/events", h.listEvents)
	}
}

// processGate is the single-request orchestration endpoint. The body is a
// base64-encoded JPEG; the response body is a plain gate decision string.
func (h *Handler) processGate(c *gin.Context) {
	action := c.GetHeader(headerParkingAction)
	if action == "" {
		action = defaultAction
	}

	// The flag is read for the wire contract but not branched on: the body
	// is decoded as base64 either way.
	isBase64 := c.GetHeader(headerBodyBase64)
	h.log.Debug().Str("action", action).Str("body_base64", isBase64).Msg("gate request received")

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, responseImageDecodeError)
		return
	}

	image, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		h.log.Warn().Err(err).Msg("image body decode failed")
		c.String(http.StatusBadRequest, responseImageDecodeError)
		return
	}

	message, err := h.gateService.ProcessGateRequest(c.Request.Context(), action, image)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.String(http.StatusBadRequest, responseInvalidAction)
			return
		}
		h.log.Error().Err(err).Str("action", action).Msg("failed to process gate request")
		c.String(http.StatusInternalServerError, responseInternalError)
		return
	}

	c.String(http.StatusOK, message)
}

func (h *Handler) getOccupancy(c *gin.Context) {
	occ, err := h.gateService.GetOccupancy(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(occ))
}

func (h *Handler) getSession(c *gin.Context) {
	plate := strings.TrimSpace(c.Param("plate"))

	session, err := h.gateService.GetSessionByPlate(c.Request.Context(), plate)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(session))
}

func (h *Handler) listEvents(c *gin.Context) {
	var plateQuery *string
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		plateQuery = &plate
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	events, err := h.gateService.ListGateEvents(c.Request.Context(), plateQuery, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
