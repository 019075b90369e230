package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/rfq-engine/internal/domain"
	"github.com/Checker-Finance/rfq-engine/internal/metrics"
	"github.com/Checker-Finance/rfq-engine/internal/quoting"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
	"github.com/Checker-Finance/rfq-engine/internal/venue"
)

// RFQService is what the handlers need from quoting.Service.
type RFQService interface {
	Create(req quoting.CreateRequest) (*rfq.RFQ, error)
	Get(ctx context.Context, id domain.RFQID) (quoting.View, error)
	List(f rfq.Filter) []*rfq.RFQ
	Events(ctx context.Context, id domain.RFQID) ([]rfq.Event, error)
	Cancel(id domain.RFQID, reason string, expected uint64) (*rfq.RFQ, error)
	Select(id domain.RFQID, quoteID domain.QuoteID, expected uint64) (*rfq.RFQ, error)
	Execute(ctx context.Context, id domain.RFQID) (*rfq.RFQ, error)
	VenueHealth(id domain.VenueID) (venue.Health, error)
	VenuesHealth() []venue.Health
}

// RFQHandler serves the RFQ and venue endpoints.
type RFQHandler struct {
	logger  *zap.Logger
	service RFQService
	now     func() time.Time
}

func NewRFQHandler(logger *zap.Logger, service RFQService) *RFQHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RFQHandler{logger: logger, service: service, now: time.Now}
}

// Create opens an RFQ and starts quote collection.
func (h *RFQHandler) Create(c *fiber.Ctx) error {
	var req CreateRFQRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := req.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	in, err := req.toCreateRequest(h.now())
	if err != nil {
		return h.fail(c, "create", err)
	}
	r, err := h.service.Create(in)
	if err != nil {
		return h.fail(c, "create", err)
	}
	return c.Status(fiber.StatusCreated).JSON(r)
}

// Get returns the RFQ with its ranked quotes.
func (h *RFQHandler) Get(c *fiber.Ctx) error {
	id, err := domain.ParseRFQID(c.Params("id"))
	if err != nil {
		return h.fail(c, "get", err)
	}
	view, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return h.fail(c, "get", err)
	}
	return c.JSON(view)
}

// List filters RFQs held in memory, newest first.
func (h *RFQHandler) List(c *fiber.Ctx) error {
	f := rfq.Filter{
		ClientID: c.Query("client_id"),
		Symbol:   c.Query("symbol"),
		Limit:    c.QueryInt("limit", 100),
	}
	if s := c.Query("state"); s != "" {
		st, err := rfq.ParseState(s)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		f.State = st
	}
	if s := c.Query("since_ms"); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "since_ms must be unix milliseconds"})
		}
		f.Since = time.UnixMilli(ms)
	}
	out := h.service.List(f)
	return c.JSON(fiber.Map{"rfqs": out, "count": len(out)})
}

// Events returns the RFQ's event history.
func (h *RFQHandler) Events(c *fiber.Ctx) error {
	id, err := domain.ParseRFQID(c.Params("id"))
	if err != nil {
		return h.fail(c, "events", err)
	}
	evs, err := h.service.Events(c.UserContext(), id)
	if err != nil {
		return h.fail(c, "events", err)
	}
	return c.JSON(fiber.Map{"rfq_id": id.String(), "events": evs})
}

func (h *RFQHandler) Cancel(c *fiber.Ctx) error {
	id, err := domain.ParseRFQID(c.Params("id"))
	if err != nil {
		return h.fail(c, "cancel", err)
	}
	var req CancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}
	r, err := h.service.Cancel(id, req.Reason, req.ExpectedVersion)
	if err != nil {
		return h.fail(c, "cancel", err)
	}
	return c.JSON(r)
}

// Select commits the client's quote and, when asked, executes it in the same call.
func (h *RFQHandler) Select(c *fiber.Ctx) error {
	id, err := domain.ParseRFQID(c.Params("id"))
	if err != nil {
		return h.fail(c, "select", err)
	}
	var req SelectRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	qid, err := domain.ParseQuoteID(req.QuoteID)
	if err != nil {
		return h.fail(c, "select", err)
	}
	r, err := h.service.Select(id, qid, req.ExpectedVersion)
	if err != nil {
		return h.fail(c, "select", err)
	}
	if req.Execute {
		if r, err = h.service.Execute(c.UserContext(), id); err != nil {
			return h.fail(c, "execute", err)
		}
	}
	return c.JSON(r)
}

func (h *RFQHandler) Execute(c *fiber.Ctx) error {
	id, err := domain.ParseRFQID(c.Params("id"))
	if err != nil {
		return h.fail(c, "execute", err)
	}
	r, err := h.service.Execute(c.UserContext(), id)
	if err != nil {
		return h.fail(c, "execute", err)
	}
	return c.JSON(r)
}

func (h *RFQHandler) Venues(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"venues": h.service.VenuesHealth()})
}

func (h *RFQHandler) VenueHealth(c *fiber.Ctx) error {
	hl, err := h.service.VenueHealth(domain.VenueID(c.Params("id")))
	if err != nil {
		return h.fail(c, "venue_health", err)
	}
	return c.JSON(hl)
}

// fail maps domain errors to HTTP statuses.
func (h *RFQHandler) fail(c *fiber.Ctx, op string, err error) error {
	status := StatusFor(err)
	body := fiber.Map{"error": err.Error()}
	var re *rfq.RejectionError
	if errors.As(err, &re) {
		body["reason"] = re.Err.Error()
		if re.State != "" {
			body["state"] = re.State
		}
	}
	if status >= fiber.StatusInternalServerError {
		metrics.IncError("api", op)
		h.logger.Error("api."+op+".failed", zap.Error(err))
	} else {
		h.logger.Debug("api."+op+".rejected", zap.Int("status", status), zap.Error(err))
	}
	return c.Status(status).JSON(body)
}

// StatusFor is the HTTP status for an error returned by the service.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalid):
		return fiber.StatusBadRequest
	case errors.Is(err, rfq.ErrUnknownRFQ), errors.Is(err, venue.ErrUnknownVenue), errors.Is(err, rfq.ErrQuoteNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, rfq.ErrQuoteExpired):
		return fiber.StatusGone
	}
	var re *rfq.RejectionError
	if errors.As(err, &re) {
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}
