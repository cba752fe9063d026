package etf

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sheetal-kulkarni/finblocker-etf/internal/types"
	"github.com/sheetal-kulkarni/finblocker-etf/pkg/response"
)

// GinHandlers contains HTTP handlers for ETF trade endpoints. Each request
// is served by the service of the party named in its token.
type GinHandlers struct {
	services map[string]*Service
}

// NewGinHandlers creates a new set of HTTP handlers over the given party services
func NewGinHandlers(services ...*Service) *GinHandlers {
	h := &GinHandlers{services: make(map[string]*Service, len(services))}
	for _, s := range services {
		h.services[s.Party()] = s
	}
	return h
}

// Register mounts the ETF routes on the given group
func (h *GinHandlers) Register(group *gin.RouterGroup) {
	group.GET("/me", h.MeHandler())
	group.POST("/inception", h.InceptionHandler())
	group.POST("/trigger-exercising", h.TriggerExercisingHandler())
	group.GET("/trades", h.ListTradesHandler())
	group.GET("/trades/:ref_id", h.GetTradeHandler())
	group.GET("/trades/:ref_id/history", h.HistoryHandler())
	group.POST("/trades/:ref_id/exercise", h.ExerciseHandler())
	group.POST("/trades/:ref_id/book", h.BookHandler())
	group.POST("/trades/:ref_id/settle", h.SettleHandler())
	group.GET("/transactions/:tx_id", h.TransactionHandler())
}

// service resolves the party service for the authenticated caller
func (h *GinHandlers) service(c *gin.Context) (*Service, bool) {
	party := c.GetString("party")
	if party == "" {
		response.Unauthorized(c, "Missing party in token")
		return nil, false
	}
	s, ok := h.services[party]
	if !ok {
		response.Forbidden(c, "Party "+party+" is not hosted by this node")
		return nil, false
	}
	return s, true
}

// MeHandler handles GET requests for the identity of the calling node
func (h *GinHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.service(c)
		if !ok {
			return
		}
		response.Success(c, s.Me())
	}
}

// InceptionHandler handles POST requests to book a new trade
// An optional Idempotency-Key header makes retries safe
func (h *GinHandlers) InceptionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.service(c)
		if !ok {
			return
		}

		var req types.InceptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		resp, err := s.InitiateTrade(c.Request.Context(), req, c.GetHeader("Idempotency-Key"))
		response.Handle(c, resp, err)
	}
}

// TriggerExercisingHandler handles POST requests to exercise and then book a trade
// Query parameters: refid, etfrate
func (h *GinHandlers) TriggerExercisingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.service(c)
		if !ok {
			return
		}

		refID := c.Query("refid")
		if refID == "" {
			response.BadRequest(c, "refid is required")
			return
		}
		rate, ok := parseRate(c, c.Query("etfrate"))
		if !ok {
			return
		}

		resp, err := s.ExerciseAndBook(c.Request.Context(), refID, rate)
		response.Handle(c, resp, err)
	}
}

// ExerciseHandler handles POST requests to exercise a trade without booking it
// Query parameter: etfrate
func (h *GinHandlers) ExerciseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.service(c)
		if !ok {
			return
		}
		rate, ok := parseRate(c, c.Query("etfrate"))
		if !ok {
			return
		}

		resp, err := s.Exercise(c.Request.Context(), c.Param("ref_id"), rate)
		response.Handle(c, resp, err)
	}
}

// BookHandler handles POST requests to book an exercised trade
func (h *GinHandlers) BookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.service(c)
		if !ok {
			return
		}
		resp, err := s.Book(c.Request.Context(), c.Param("ref_id"))
		response.Handle(c, resp, err)
	}
}

// SettleHandler handles POST requests to settle a booked trade
func (h *GinHandlers) SettleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.service(c)
		if !ok {
			return
		}
		resp, err := s.Settle(c.Request.Context(), c.Param("ref_id"))
		response.Handle(c, resp, err)
	}
}

// GetTradeHandler handles GET requests for the latest version of a trade
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.service(c)
		if !ok {
			return
		}
		trade, err := s.GetTrade(c.Request.Context(), c.Param("ref_id"))
		response.Handle(c, trade, err)
	}
}

// HistoryHandler handles GET requests for every version of a trade
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.service(c)
		if !ok {
			return
		}
		history, err := s.History(c.Request.Context(), c.Param("ref_id"))
		response.Handle(c, history, err)
	}
}

// TransactionHandler handles GET requests for a recorded transition
func (h *GinHandlers) TransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.service(c)
		if !ok {
			return
		}
		tx, err := s.Transaction(c.Request.Context(), c.Param("tx_id"))
		response.Handle(c, tx, err)
	}
}

// ListTradesHandler handles GET requests for live trades
// Optional query parameter: status
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.service(c)
		if !ok {
			return
		}
		trades, err := s.ListTrades(c.Request.Context(), types.TradeStatus(c.Query("status")))
		response.Handle(c, trades, err)
	}
}

func parseRate(c *gin.Context, raw string) (float64, bool) {
	if raw == "" {
		response.BadRequest(c, "etfrate is required")
		return 0, false
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		response.BadRequest(c, "etfrate must be a number")
		return 0, false
	}
	return rate, true
}
