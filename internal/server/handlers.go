package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/apperror"
	"crashgame/internal/ledger"
	"crashgame/internal/models"
	"crashgame/internal/settlement"
	"crashgame/internal/store"
)

const defaultRecentCrashes = 10

type placeBetRequest struct {
	UserID        string          `json:"userId"`
	UserName      string          `json:"userName"`
	Amount        decimal.Decimal `json:"amount"`
	AutoCashoutAt float64         `json:"autoCashoutAt"`
	RoundID       string          `json:"roundId"`
}

type cashoutRequest struct {
	UserID     string  `json:"userId"`
	RoundID    string  `json:"roundId"`
	Multiplier float64 `json:"multiplier"`
}

type walletRequest struct {
	UserID   string          `json:"userId"`
	UserName string          `json:"userName"`
	Amount   decimal.Decimal `json:"amount"`
	Ref      string          `json:"transactionId"`
}

// Game handlers

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	return c.JSON(s.gameManager.GameState(c.UserContext()))
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req placeBetRequest
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "invalid request body"))
	}
	if req.UserID == "" {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "userId is required"))
	}

	bet, err := s.gameManager.PlaceBet(c.UserContext(), settlement.PlaceBetRequest{
		UserID:        req.UserID,
		UserName:      req.UserName,
		RoundID:       parseRoundID(req.RoundID),
		Stake:         req.Amount,
		AutoCashoutAt: req.AutoCashoutAt,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(bet)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req cashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "invalid request body"))
	}
	if req.UserID == "" {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "userId is required"))
	}

	res, err := s.gameManager.CashOut(c.UserContext(), req.UserID, parseRoundID(req.RoundID), req.Multiplier)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) recentCrashesHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultRecentCrashes)
	if limit <= 0 {
		limit = defaultRecentCrashes
	}
	rounds := s.gameManager.RecentCrashes(c.UserContext(), limit)
	return c.JSON(fiber.Map{
		"crashes": rounds,
		"count":   len(rounds),
	})
}

// Wallet handlers

func (s *FiberServer) getBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	balance, err := s.ledger.ComputeBalance(c.UserContext(), userID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"userId":  userID,
		"balance": balance,
	})
}

func (s *FiberServer) getTransactionsHandler(c *fiber.Ctx) error {
	filter := store.TransactionFilter{
		UserID: c.Params("userId"),
		GameID: c.Query("gameId"),
	}
	for _, raw := range splitList(c.Query("type")) {
		t := models.TransactionType(raw)
		if !t.Valid() {
			return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "unknown transaction type %q", raw))
		}
		filter.Types = append(filter.Types, t)
	}
	for _, raw := range splitList(c.Query("status")) {
		st := models.TransactionStatus(raw)
		if !st.Valid() {
			return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "unknown status %q", raw))
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	res, err := s.ledger.Query(c.UserContext(), filter, pageFrom(c))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(res)
}

func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	var req walletRequest
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "invalid request body"))
	}
	if req.UserID == "" {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "userId is required"))
	}
	tx, err := s.ledger.SubmitDeposit(c.UserContext(), ledger.DepositRequest{
		UserID:   req.UserID,
		UserName: req.UserName,
		Amount:   req.Amount,
		Ref:      req.Ref,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(tx)
}

func (s *FiberServer) withdrawalHandler(c *fiber.Ctx) error {
	var req walletRequest
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "invalid request body"))
	}
	if req.UserID == "" {
		return s.respondError(c, apperror.Validation(apperror.ReasonInvalidRequest, "userId is required"))
	}
	tx, err := s.ledger.SubmitWithdrawal(c.UserContext(), ledger.WithdrawalRequest{
		UserID:   req.UserID,
		UserName: req.UserName,
		Amount:   req.Amount,
		Ref:      req.Ref,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(tx)
}

// Errors

func statusFor(err error) int {
	switch apperror.KindOf(err) {
	case apperror.KindValidation:
		return fiber.StatusBadRequest
	case apperror.KindConflict:
		return fiber.StatusConflict
	case apperror.KindNotFound:
		return fiber.StatusNotFound
	case apperror.KindInvariant:
		return fiber.StatusUnprocessableEntity
	case apperror.KindPersistence:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *FiberServer) respondError(c *fiber.Ctx, err error) error {
	s.logActionError(c.Method()+" "+c.Path(), "", err)
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error":  apperror.PublicMessage(err),
		"reason": apperror.ReasonOf(err),
	})
}

func (s *FiberServer) logActionError(action, userID string, err error) {
	fields := []zap.Field{zap.String("action", action), zap.String("reason", apperror.ReasonOf(err)), zap.Error(err)}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	switch apperror.KindOf(err) {
	case apperror.KindValidation, apperror.KindNotFound:
		s.log.Debug("request rejected", fields...)
	case apperror.KindConflict:
		s.log.Info("request conflict", fields...)
	default:
		s.log.Error("request failed", fields...)
	}
}

func pageFrom(c *fiber.Ctx) store.Page {
	return store.Page{
		Page:  c.QueryInt("page", 1),
		Limit: c.QueryInt("limit", 0),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
