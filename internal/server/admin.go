package server

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"crashgame/internal/apperror"
	"crashgame/internal/models"
	"crashgame/internal/stats"
	"crashgame/internal/store"
)

const crashHistoryLimit = 50

type crashRequest struct {
	Value float64 `json:"crashValue"`
}

type crashSequenceRequest struct {
	Values []float64 `json:"crashValues"`
}

type withdrawalReviewRequest struct {
	Approval string `json:"adminApproval"`
	Ref      string `json:"transactionId"`
	Reason   string `json:"rejectionReason"`
}

type depositReviewRequest struct {
	Status string `json:"status"`
	Reason string `json:"rejectionReason"`
}

// Crash control

func (s *FiberServer) setCrashHandler(c *fiber.Ctx) error {
	var req crashRequest
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "invalid request body"))
	}
	o, err := s.crash.SetOverride(c.UserContext(), req.Value)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(o)
}

func (s *FiberServer) setCrashSequenceHandler(c *fiber.Ctx) error {
	var req crashSequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "invalid request body"))
	}
	seq, err := s.crash.SetSequence(c.UserContext(), req.Values)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(seq)
}

func (s *FiberServer) getCrashSequenceHandler(c *fiber.Ctx) error {
	seq, err := s.crash.Sequence(c.UserContext())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"active":   seq != nil,
		"sequence": seq,
	})
}

func (s *FiberServer) deactivateCrashSequenceHandler(c *fiber.Ctx) error {
	n, err := s.crash.DeactivateSequence(c.UserContext())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{"deactivated": n})
}

func (s *FiberServer) crashHistoryHandler(c *fiber.Ctx) error {
	rounds, total, err := s.db.ListRounds(c.UserContext(), time.Time{}, store.Page{Page: 1, Limit: crashHistoryLimit})
	if err != nil {
		return s.respondError(c, apperror.Persistence(err, "list crash history"))
	}
	if rounds == nil {
		rounds = []models.RoundRecord{}
	}
	return c.JSON(fiber.Map{
		"history": rounds,
		"total":   total,
	})
}

// Reporting

func (s *FiberServer) betStatsHandler(c *fiber.Ctx) error {
	tf, err := stats.ParseTimeFrame(c.Query("timeFrame"))
	if err != nil {
		return s.respondError(c, err)
	}
	res, err := s.stats.BetStats(c.UserContext(), tf)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) gamesHandler(c *fiber.Ctx) error {
	tf, err := stats.ParseTimeFrame(c.Query("timeFrame"))
	if err != nil {
		return s.respondError(c, err)
	}
	res, err := s.stats.Games(c.UserContext(), tf, pageFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) gameReportHandler(c *fiber.Ctx) error {
	res, err := s.stats.GameReport(c.UserContext(), c.Params("gameId"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) userBetsHandler(c *fiber.Ctx) error {
	tf, err := stats.ParseTimeFrame(c.Query("timeFrame"))
	if err != nil {
		return s.respondError(c, err)
	}
	res, err := s.stats.UserBets(c.UserContext(), tf, pageFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(res)
}

// Review

func (s *FiberServer) reviewWithdrawalHandler(c *fiber.Ctx) error {
	var req withdrawalReviewRequest
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "invalid request body"))
	}
	tx, err := s.ledger.ReviewWithdrawal(c.UserContext(), c.Params("id"), models.Approval(req.Approval), req.Ref, req.Reason)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(tx)
}

func (s *FiberServer) reviewDepositHandler(c *fiber.Ctx) error {
	var req depositReviewRequest
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "invalid request body"))
	}
	tx, err := s.ledger.ReviewDeposit(c.UserContext(), c.Params("id"), models.TransactionStatus(req.Status), req.Reason)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(tx)
}

func (s *FiberServer) reconcileHandler(c *fiber.Ctx) error {
	rep, err := s.reconcile.Run(c.UserContext())
	if err != nil {
		return s.respondError(c, apperror.Persistence(err, "reconcile game ids"))
	}
	return c.JSON(rep)
}
