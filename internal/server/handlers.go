package server

import (
	"crypto/subtle"
	"strings"
	"time"

	"crashgame/internal/game"

	"github.com/gofiber/fiber/v2"
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{}
	status := fiber.StatusOK
	for name, svc := range s.health {
		stats := svc.Health()
		if stats["status"] != "up" {
			status = fiber.StatusServiceUnavailable
		}
		health[name] = stats
	}
	snap := s.rounds.Snapshot()
	health["game"] = fiber.Map{
		"status":            "running",
		"round_id":          snap.RoundID,
		"phase":             snap.Phase,
		"connected_clients": s.hub.GetClientCount(),
	}
	return c.Status(status).JSON(health)
}

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	snap := s.rounds.Snapshot()
	if snap.RoundID == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	return c.JSON(snap)
}

func (s *FiberServer) getGameHistoryHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"history": s.rounds.History(),
	})
}

func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	balance, err := s.wallet.GetBalance(c.UserContext(), userID)
	if err != nil {
		s.log.Error().Err(err).Str("participant", userID).Msg("balance lookup failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to read balance",
		})
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
	})
}

// requireAdmin guards the admin group with X-Admin-Token. The group is
// closed when no token is configured.
func (s *FiberServer) requireAdmin(c *fiber.Ctx) error {
	if !s.isAdmin(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Admin token required",
		})
	}
	return c.Next()
}

func (s *FiberServer) isAdmin(c *fiber.Ctx) bool {
	want := s.cfg.AdminToken
	return want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(c.Get("X-Admin-Token"))) == 1
}

// requireParticipant admits the admin token or a bearer token issued to :userId.
func (s *FiberServer) requireParticipant(c *fiber.Ctx) error {
	if s.isAdmin(c) {
		return c.Next()
	}
	raw, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || s.verifier == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Bearer token required",
		})
	}
	id, err := s.verifier.Verify(strings.TrimSpace(raw))
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid token",
		})
	}
	if id.ParticipantID != c.Params("userId") {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Token does not belong to this user",
		})
	}
	return c.Next()
}

func (s *FiberServer) setUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")

	var body struct {
		Balance float64 `json:"balance"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if body.Balance < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Balance must not be negative",
		})
	}

	if err := s.balances.SetBalance(c.UserContext(), userID, body.Balance); err != nil {
		s.log.Error().Err(err).Str("participant", userID).Msg("set balance failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to set balance",
		})
	}
	s.log.Warn().Str("participant", userID).Float64("balance", body.Balance).Msg("balance set by admin")

	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": body.Balance,
		"message": "Balance updated successfully",
	})
}

func (s *FiberServer) createOverrideHandler(c *fiber.Ctx) error {
	var body struct {
		At     time.Time `json:"at"`
		Target float64   `json:"target"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if body.At.IsZero() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "at is required",
		})
	}
	if body.Target < s.game.MinCrash || body.Target > s.game.MaxCrash {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "target outside the allowed crash range",
			"min":   s.game.MinCrash,
			"max":   s.game.MaxCrash,
		})
	}

	o, err := s.overrides.CreateOverride(c.UserContext(), game.Override{At: body.At, Target: body.Target})
	if err != nil {
		s.log.Error().Err(err).Msg("create override failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store override",
		})
	}
	s.log.Warn().Str("override", o.ID).Time("at", o.At).Float64("target", o.Target).Msg("crash override scheduled")
	return c.Status(fiber.StatusCreated).JSON(o)
}

func (s *FiberServer) deadLettersHandler(c *fiber.Ctx) error {
	if s.deadLetters == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "Dead letters are kept in the durable queue",
		})
	}
	items := s.deadLetters.DeadLetters()
	return c.JSON(fiber.Map{
		"count": len(items),
		"items": items,
	})
}
