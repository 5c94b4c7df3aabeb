package appointment

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/apptflow/internal/platform/auth"
	"github.com/ehr/apptflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/appointments")
	g.POST("", h.Request)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PATCH("/:id", h.UpdateDetails)
	g.POST("/:id/propose-time", h.ProposeTime)
	g.POST("/:id/confirm", h.Confirm)
	g.POST("/:id/complete", h.Complete)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/feedback", h.SubmitFeedback)
	g.POST("/:id/messages", h.AddMessage)
	g.GET("/:id/messages", h.ListMessages)
}

type proposeTimeRequest struct {
	Date string `json:"date"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type feedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type messageRequest struct {
	Body string `json:"body"`
}

func (h *Handler) Request(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	var in RequestInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.Request(c.Request().Context(), caller, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, h.svc.projector.Project(a, caller))
}

func (h *Handler) List(c echo.Context) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.ListForCaller(c.Request().Context(), caller, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p))
}

func (h *Handler) Get(c echo.Context) error {
	caller, id, err := callerAndID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Get(c.Request().Context(), id, caller)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) UpdateDetails(c echo.Context) error {
	caller, id, err := callerAndID(c)
	if err != nil {
		return err
	}
	var in DetailsInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.respond(c, caller)(h.svc.UpdateDetails(c.Request().Context(), id, caller, in))
}

func (h *Handler) ProposeTime(c echo.Context) error {
	caller, id, err := callerAndID(c)
	if err != nil {
		return err
	}
	var req proposeTimeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.respond(c, caller)(h.svc.ProposeTime(c.Request().Context(), id, caller, req.Date))
}

func (h *Handler) Confirm(c echo.Context) error {
	caller, id, err := callerAndID(c)
	if err != nil {
		return err
	}
	return h.respond(c, caller)(h.svc.Confirm(c.Request().Context(), id, caller))
}

func (h *Handler) Complete(c echo.Context) error {
	caller, id, err := callerAndID(c)
	if err != nil {
		return err
	}
	return h.respond(c, caller)(h.svc.Complete(c.Request().Context(), id, caller))
}

func (h *Handler) Cancel(c echo.Context) error {
	caller, id, err := callerAndID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.respond(c, caller)(h.svc.Cancel(c.Request().Context(), id, caller, req.Reason))
}

func (h *Handler) SubmitFeedback(c echo.Context) error {
	caller, id, err := callerAndID(c)
	if err != nil {
		return err
	}
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.respond(c, caller)(h.svc.SubmitFeedback(c.Request().Context(), id, caller, req.Rating, req.Comment))
}

func (h *Handler) AddMessage(c echo.Context) error {
	caller, id, err := callerAndID(c)
	if err != nil {
		return err
	}
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := h.svc.AddMessage(c.Request().Context(), id, caller, req.Body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListMessages(c echo.Context) error {
	caller, id, err := callerAndID(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	msgs, total, err := h.svc.ListMessages(c.Request().Context(), id, caller, p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(msgs, total, p))
}

// respond renders a transition result as the caller's projected view.
func (h *Handler) respond(c echo.Context, caller Caller) func(*Appointment, error) error {
	return func(a *Appointment, err error) error {
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, h.svc.projector.Project(a, caller))
	}
}

func callerFrom(c echo.Context) (Caller, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return Caller{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return Caller{ID: id.UserID, Role: id.Role}, nil
}

func callerAndID(c echo.Context) (Caller, uuid.UUID, error) {
	caller, err := callerFrom(c)
	if err != nil {
		return Caller{}, uuid.Nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return Caller{}, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	return caller, id, nil
}

// httpError maps workflow errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":   err.Error(),
			"retryable": true,
		})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
