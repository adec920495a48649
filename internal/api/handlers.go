package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/service"
)

// BatchRequest is the body of POST /api/emails/batch.
type BatchRequest struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
}

// LabelRequest is the body of POST /api/emails/:id/labels.
type LabelRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// RegisterRequest is the body of POST /api/realtime/register.
type RegisterRequest struct {
	Topics []string `json:"topics"`
}

// SubscribeRequest is the body of the subscribe and unsubscribe routes.
type SubscribeRequest struct {
	Topics []string `json:"topics"`
}

// RegisterResponse returns the new client id.
type RegisterResponse struct {
	ClientID string   `json:"client_id"`
	Topics   []string `json:"topics,omitempty"`
}

// PollResponse carries the events of one long poll. An empty list means
// the poll timed out.
type PollResponse struct {
	Events []model.Event `json:"events"`
}

func pageParams(c *fiber.Ctx) (int, int) {
	return c.QueryInt("page", 1), c.QueryInt("page_size", service.DefaultPageSize)
}

func parseAction(name string) (model.Action, error) {
	a, err := model.ParseAction(name)
	if err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return a, nil
}

func (s *Server) listEmails(c *fiber.Ctx) error {
	page, size := pageParams(c)
	l := service.Listing{Mailbox: c.Query("mailbox"), Label: c.Query("label")}

	p, err := s.mail.GetPage(c.UserContext(), l, page, size)
	if err != nil {
		return err
	}
	return c.JSON(p)
}

func (s *Server) search(c *fiber.Ctx) error {
	page, size := pageParams(c)
	p, err := s.mail.Search(c.UserContext(), c.Query("q"), page, size)
	if err != nil {
		return err
	}
	return c.JSON(p)
}

func (s *Server) getEmail(c *fiber.Ctx) error {
	d, err := s.mail.GetDetail(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(d)
}

func (s *Server) getThread(c *fiber.Ctx) error {
	d, err := s.mail.GetThread(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(d)
}

func (s *Server) applyAction(c *fiber.Ctx) error {
	action, err := parseAction(c.Params("action"))
	if err != nil {
		return err
	}
	res, err := s.mail.ApplyAction(c.UserContext(), c.Params("id"), action)
	if err != nil {
		return err
	}
	if res.Status == service.StatusQueued {
		c.Status(fiber.StatusAccepted)
	}
	return c.JSON(res)
}

func (s *Server) batchApply(c *fiber.Ctx) error {
	var req BatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request: "+err.Error())
	}
	action, err := parseAction(req.Action)
	if err != nil {
		return err
	}
	res, err := s.mail.BatchApply(c.UserContext(), req.IDs, action)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (s *Server) triggerSync(c *fiber.Ctx) error {
	r := s.mail.TriggerSync(c.UserContext())
	switch r.Status {
	case service.SyncAlreadyRunning:
		c.Status(fiber.StatusAccepted)
	case service.SyncFailed:
		c.Status(fiber.StatusBadGateway)
	}
	return c.JSON(r)
}

// resetAuth clears an authentication halt and reports health afterwards.
func (s *Server) resetAuth(c *fiber.Ctx) error {
	s.mail.ResetAuth(c.UserContext())
	return c.JSON(s.mail.Health(c.UserContext()))
}

func (s *Server) stats(c *fiber.Ctx) error {
	st, err := s.mail.GetStats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *Server) retryOperation(c *fiber.Ctx) error {
	op, err := s.mail.RetryOperation(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(op)
}

func (s *Server) register(c *fiber.Ctx) error {
	var req RegisterRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request: "+err.Error())
		}
	}
	id, err := s.mail.RegisterClient(c.UserContext(), req.Topics)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(RegisterResponse{ClientID: id, Topics: req.Topics})
}

// poll parks the request until events arrive or the timeout, given in
// seconds, passes.
func (s *Server) poll(c *fiber.Ctx) error {
	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "timeout must be a non-negative number of seconds")
		}
		timeout = time.Duration(secs * float64(time.Second))
	}

	events, err := s.mail.Poll(c.UserContext(), c.Params("client"), timeout)
	if err != nil {
		return err
	}
	if events == nil {
		events = []model.Event{}
	}
	return c.JSON(PollResponse{Events: events})
}

func (s *Server) subscribe(c *fiber.Ctx) error {
	var req SubscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request: "+err.Error())
	}
	if err := s.mail.Subscribe(c.UserContext(), c.Params("client"), req.Topics); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) unsubscribe(c *fiber.Ctx) error {
	var req SubscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request: "+err.Error())
	}
	if err := s.mail.Unsubscribe(c.UserContext(), c.Params("client"), req.Topics); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) unregister(c *fiber.Ctx) error {
	if err := s.mail.Unregister(c.UserContext(), c.Params("client")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) health(c *fiber.Ctx) error {
	h := s.mail.Health(c.UserContext())
	if !h.Healthy() {
		c.Status(fiber.StatusServiceUnavailable)
	}
	return c.JSON(h)
}

func (s *Server) listLabels(c *fiber.Ctx) error {
	labels, err := s.mail.Labels(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(labels)
}

func (s *Server) createLabel(c *fiber.Ctx) error {
	var req model.Label
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request: "+err.Error())
	}
	label, err := s.mail.CreateLabel(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(label)
}

func (s *Server) deleteLabel(c *fiber.Ctx) error {
	if err := s.mail.DeleteLabel(c.UserContext(), c.Params("name")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) labelEmail(c *fiber.Ctx) error {
	var req LabelRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request: "+err.Error())
	}
	e, err := s.mail.LabelEmail(c.UserContext(), c.Params("id"), req.Add, req.Remove)
	if err != nil {
		return err
	}
	return c.JSON(e)
}
