package server

import (
	"context"
	"encoding/json"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"go.uber.org/zap"

	"crashgame/internal/apperror"
	"crashgame/internal/game"
	"crashgame/internal/roundid"
	"crashgame/internal/settlement"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORSOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.getGameStateHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashoutHandler)
	api.Get("/game/recent-crashes", s.recentCrashesHandler)

	api.Get("/wallet/:userId/balance", s.getBalanceHandler)
	api.Get("/wallet/:userId/transactions", s.getTransactionsHandler)
	api.Post("/wallet/deposit", s.depositHandler)
	api.Post("/wallet/withdrawal", s.withdrawalHandler)

	admin := api.Group("/admin")
	admin.Post("/crash", s.setCrashHandler)
	admin.Post("/crash-sequence", s.setCrashSequenceHandler)
	admin.Get("/crash-sequence", s.getCrashSequenceHandler)
	admin.Post("/crash-sequence/deactivate", s.deactivateCrashSequenceHandler)
	admin.Get("/crash-history", s.crashHistoryHandler)
	admin.Get("/bet-stats", s.betStatsHandler)
	admin.Get("/games", s.gamesHandler)
	admin.Get("/games/:gameId", s.gameReportHandler)
	admin.Get("/user-bets", s.userBetsHandler)
	admin.Put("/withdrawals/:id", s.reviewWithdrawalHandler)
	admin.Put("/deposits/:id", s.reviewDepositHandler)
	admin.Post("/reconcile", s.reconcileHandler)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	cacheHealth := map[string]string{"status": "disabled"}
	if s.cache != nil {
		cacheHealth = s.cache.Health()
	}
	st := s.gameManager.State()
	health := fiber.Map{
		"database": s.db.Health(),
		"cache":    cacheHealth,
		"game": fiber.Map{
			"status":            "running",
			"round_status":      st.Status,
			"connected_clients": s.gameHub.GetClientCount(),
		},
	}
	return c.JSON(health)
}

// gameWebSocketHandler streams round events to one connection and serves
// its bet and cash-out actions.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")
	log := s.log.With(zap.String("user_id", userID))
	log.Debug("websocket connected")

	client := s.gameHub.RegisterClient(conn, userID)
	defer s.gameHub.UnregisterClient(client)

	ctx := context.Background()
	if err := client.Send(game.NewMessage(game.EventGameState, s.gameManager.GameState(ctx))); err != nil {
		log.Debug("initial state not sent", zap.Error(err))
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Debug("websocket read ended", zap.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg game.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.sendError(client, apperror.Validation(apperror.ReasonInvalidRequest, "malformed message"))
			continue
		}
		if msg.UserID == "" {
			msg.UserID = userID
		}
		s.handleClientMessage(ctx, client, msg)
	}
}

func (s *FiberServer) handleClientMessage(ctx context.Context, client *game.Client, msg game.ClientMessage) {
	switch msg.Type {
	case game.ActionPlaceBet:
		// bet_confirmed is pushed by the manager on success
		_, err := s.gameManager.PlaceBet(ctx, settlement.PlaceBetRequest{
			UserID:        msg.UserID,
			UserName:      msg.UserName,
			RoundID:       parseRoundID(msg.RoundID),
			Stake:         msg.Amount,
			AutoCashoutAt: msg.AutoCashoutAt,
		})
		if err != nil {
			s.logActionError(msg.Type, msg.UserID, err)
			s.sendError(client, err)
		}

	case game.ActionCashOut:
		_, err := s.gameManager.CashOut(ctx, msg.UserID, parseRoundID(msg.RoundID), msg.Multiplier)
		if err != nil {
			s.logActionError(msg.Type, msg.UserID, err)
			s.sendError(client, err)
		}

	case game.ActionRequestGameID:
		s.send(client, game.NewMessage(game.EventGameID, game.GameID{RoundID: s.gameManager.State().RoundID}))

	case game.ActionPing:
		s.send(client, game.NewMessage(game.EventPong, nil))

	default:
		s.sendError(client, apperror.Validation(apperror.ReasonInvalidRequest, "unknown message type %q", msg.Type))
	}
}

func (s *FiberServer) send(client *game.Client, msg game.WSMessage) {
	if err := client.Send(msg); err != nil {
		s.log.Debug("websocket reply dropped", zap.String("user_id", client.UserID()), zap.String("type", msg.Type), zap.Error(err))
	}
}

func (s *FiberServer) sendError(client *game.Client, err error) {
	s.send(client, game.NewMessage(game.EventError, game.ErrorMessage{
		Reason:  apperror.ReasonOf(err),
		Message: apperror.PublicMessage(err),
	}))
}

// parseRoundID maps a client supplied round id to its canonical form. Empty
// means the current round.
func parseRoundID(raw string) roundid.ID {
	if raw == "" {
		return ""
	}
	id, _ := roundid.Normalize(raw)
	return id
}
