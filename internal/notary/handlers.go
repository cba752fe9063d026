package notary

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sheetal-kulkarni/finblocker-etf/pkg/response"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 100
)

// StatusResponse describes the notary answering a request
type StatusResponse struct {
	Name   string `json:"name"`
	Height int64  `json:"height"`
}

// ConsumptionResponse reports whether a trade version has been consumed
type ConsumptionResponse struct {
	LinearID    string `json:"linear_id"`
	IterationNo int64  `json:"iteration_no"`
	Consumed    bool   `json:"consumed"`
	ConsumedBy  string `json:"consumed_by,omitempty"`
}

// GinHandlers exposes the notary commit log for audit
type GinHandlers struct {
	notary *Notary
}

// NewGinHandlers creates the audit handlers over n
func NewGinHandlers(n *Notary) *GinHandlers {
	return &GinHandlers{notary: n}
}

// Register mounts the notary routes on the given group
func (h *GinHandlers) Register(group *gin.RouterGroup) {
	group.GET("/status", h.StatusHandler())
	group.GET("/log", h.LogHandler())
	group.GET("/receipts/:tx_id", h.ReceiptHandler())
	group.GET("/states/:linear_id/:iteration", h.ConsumedByHandler())
}

// StatusHandler handles GET requests for the notary name and height
func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, StatusResponse{Name: h.notary.Name(), Height: h.notary.Height()})
	}
}

// LogHandler handles GET requests for receipts in sequence order
// Query parameters: from (default 1), limit (default 50, at most 100)
func (h *GinHandlers) LogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, err := strconv.ParseInt(c.DefaultQuery("from", "1"), 10, 64)
		if err != nil || from < 1 {
			response.BadRequest(c, "from must be a positive sequence")
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLogLimit)))
		if err != nil || limit < 1 {
			response.BadRequest(c, "limit must be a positive number")
			return
		}
		if limit > maxLogLimit {
			limit = maxLogLimit
		}

		ids, err := h.notary.Log(from, limit)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		receipts := make([]*Receipt, 0, len(ids))
		for _, id := range ids {
			r, err := h.notary.Lookup(c.Request.Context(), id)
			if err != nil {
				response.Handle(c, nil, err)
				return
			}
			receipts = append(receipts, r)
		}
		response.Success(c, receipts)
	}
}

// ReceiptHandler handles GET requests for the receipt of one transition
func (h *GinHandlers) ReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := h.notary.Lookup(c.Request.Context(), c.Param("tx_id"))
		response.Handle(c, r, err)
	}
}

// ConsumedByHandler handles GET requests for the transition that consumed a
// trade version
func (h *GinHandlers) ConsumedByHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		iteration, err := strconv.ParseInt(c.Param("iteration"), 10, 64)
		if err != nil || iteration < 0 {
			response.BadRequest(c, "iteration must be a non-negative number")
			return
		}
		linearID := c.Param("linear_id")
		by, ok, err := h.notary.ConsumedBy(linearID, iteration)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, ConsumptionResponse{
			LinearID:    linearID,
			IterationNo: iteration,
			Consumed:    ok,
			ConsumedBy:  by,
		})
	}
}
