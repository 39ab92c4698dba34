package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/engine"
	"fenrir/internal/sequencer"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultDepth   = 50
	maxDepth       = 1000
	requestTimeout = 5 * time.Second
)

// Gateway is the sequencer surface behind the HTTP handlers.
type Gateway interface {
	Submit(ctx context.Context, req common.OrderRequest) (engine.Result, error)
	Cancel(ctx context.Context, symbol, orderID, reason string) (engine.Result, error)
	Amend(ctx context.Context, symbol, orderID string, change common.Amendment) (engine.Result, error)
	Snapshot(symbol string) (*engine.Snapshot, error)
	Order(symbol, orderID string) (common.OrderStatusEvent, bool)
	Pairs() []string
	Limits(symbol string) (engine.Limits, error)
	Halted(symbol string) bool
	Err() error
}

type Server struct {
	gateway Gateway
	hub     *Hub
}

func New(gateway Gateway, hub *Hub) *Server {
	registerValidators()
	return &Server{gateway: gateway, hub: hub}
}

var registerOnce sync.Once

// registerValidators adds the "decimal" binding tag: a string holding a
// strictly positive decimal within the accepted scale and precision.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		if err := v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
			d, err := decimal.NewFromString(fl.Field().String())
			return err == nil && d.IsPositive() && common.CheckDecimal(d) == nil
		}); err != nil {
			log.Error().Err(err).Msg("unable to register decimal validator")
		}
	})
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealth)
	if s.hub != nil {
		r.GET("/ws", s.hub.HandleWebSocket)
	}

	api := r.Group("/api/v1")
	api.GET("/pairs", s.handlePairs)
	api.GET("/depth/:symbol", s.handleDepth)

	orders := api.Group("/orders")
	orders.POST("", s.handleSubmit)
	orders.GET("/:symbol/:id", s.handleOrderGet)
	orders.DELETE("/:symbol/:id", s.handleCancel)
	orders.PATCH("/:symbol/:id", s.handleAmend)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.gateway.Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "halted", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pairs": len(s.gateway.Pairs())})
}

type pairInfo struct {
	Symbol string        `json:"symbol"`
	Limits engine.Limits `json:"limits"`
	Halted bool          `json:"halted"`
}

func (s *Server) handlePairs(c *gin.Context) {
	out := make([]pairInfo, 0)
	for _, symbol := range s.gateway.Pairs() {
		l, err := s.gateway.Limits(symbol)
		if err != nil {
			writeError(c, err)
			return
		}
		out = append(out, pairInfo{Symbol: symbol, Limits: l, Halted: s.gateway.Halted(symbol)})
	}
	c.JSON(http.StatusOK, out)
}

type depthQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

func (s *Server) handleDepth(c *gin.Context) {
	var q depthQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultDepth
	}
	snap, err := s.gateway.Snapshot(c.Param("symbol"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap.Truncate(min(q.Limit, maxDepth)))
}

// orderBody is the JSON form of a new order. Decimals travel as strings.
type orderBody struct {
	Symbol        string `json:"symbol" binding:"required,uppercase,max=16"`
	Side          string `json:"side" binding:"required,oneof=BUY SELL"`
	Type          string `json:"type" binding:"required,oneof=MARKET LIMIT STOP_LOSS STOP_LIMIT TAKE_PROFIT"`
	Quantity      string `json:"quantity" binding:"required,decimal"`
	Price         string `json:"price" binding:"omitempty,decimal"`
	StopPrice     string `json:"stopPrice" binding:"omitempty,decimal"`
	TimeInForce   string `json:"timeInForce" binding:"omitempty,oneof=GTC IOC FOK"`
	ClientOrderID string `json:"clientOrderId" binding:"max=36"`
	Owner         string `json:"owner" binding:"max=64"`
}

// Request converts the bound body. Enum and decimal syntax were already
// checked by the binding tags; per-type price rules are checked here.
func (b orderBody) Request() (common.OrderRequest, error) {
	side, err := common.ParseSide(b.Side)
	if err != nil {
		return common.OrderRequest{}, err
	}
	typ, err := common.ParseOrderType(b.Type)
	if err != nil {
		return common.OrderRequest{}, err
	}
	tif, err := common.ParseTimeInForce(b.TimeInForce)
	if err != nil {
		return common.OrderRequest{}, err
	}
	qty, err := decimal.NewFromString(b.Quantity)
	if err != nil {
		return common.OrderRequest{}, err
	}
	price, err := optionalDecimal(b.Price)
	if err != nil {
		return common.OrderRequest{}, err
	}
	stop, err := optionalDecimal(b.StopPrice)
	if err != nil {
		return common.OrderRequest{}, err
	}
	return common.NewOrderRequest(common.OrderFields{
		Symbol:        b.Symbol,
		Side:          side,
		Type:          typ,
		Quantity:      qty,
		Price:         price,
		StopPrice:     stop,
		TimeInForce:   tif,
		ClientOrderID: b.ClientOrderID,
		Owner:         b.Owner,
	})
}

func optionalDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// commandResponse is the synchronous answer to a command.
type commandResponse struct {
	engine.Result
	Trades []common.Trade            `json:"trades,omitempty"`
	Status *common.OrderStatusEvent `json:"order,omitempty"`
}

func newCommandResponse(res engine.Result) commandResponse {
	out := commandResponse{Result: res, Trades: res.Trades()}
	for _, ev := range res.Events {
		if st, ok := ev.(common.OrderStatusEvent); ok && st.OrderID == res.OrderID {
			out.Status = &st
		}
	}
	return out
}

func (s *Server) handleSubmit(c *gin.Context) {
	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := body.Request()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	res, err := s.gateway.Submit(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Kind == engine.Rejected {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, newCommandResponse(res))
}

func (s *Server) handleCancel(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	res, err := s.gateway.Cancel(ctx, c.Param("symbol"), c.Param("id"), c.Query("reason"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCommandResponse(res))
}

type amendBody struct {
	Quantity string `json:"quantity" binding:"omitempty,decimal"`
	Price    string `json:"price" binding:"omitempty,decimal"`
}

func (s *Server) handleAmend(c *gin.Context) {
	var body amendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	qty, err := optionalDecimal(body.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	price, err := optionalDecimal(body.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	res, err := s.gateway.Amend(ctx, c.Param("symbol"), c.Param("id"), common.Amendment{Quantity: qty, Price: price})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Kind == engine.Rejected {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, newCommandResponse(res))
}

func (s *Server) handleOrderGet(c *gin.Context) {
	symbol := c.Param("symbol")
	if _, err := s.gateway.Limits(symbol); err != nil {
		writeError(c, err)
		return
	}
	st, ok := s.gateway.Order(symbol, c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// writeError maps gateway errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sequencer.ErrUnknownPair):
		status = http.StatusNotFound
	case errors.Is(err, sequencer.ErrBusy),
		errors.Is(err, sequencer.ErrHalted),
		errors.Is(err, sequencer.ErrClosed),
		errors.Is(err, sequencer.ErrNotStarted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
