package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// MarketReader is the read side of the market store.
type MarketReader interface {
	GetByID(ctx context.Context, marketID int64) (domain.MarketRecord, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error)
	Count(ctx context.Context) (int64, error)
}

// MarketHandler serves the indexed market rows.
type MarketHandler struct {
	markets MarketReader
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger}
}

type marketView struct {
	MarketID         int64     `json:"market_id"`
	Question         string    `json:"question"`
	Image            string    `json:"image"`
	Description      string    `json:"description"`
	Outcomes         []string  `json:"outcomes"`
	Prices           []float64 `json:"prices"`
	Resolved         bool      `json:"resolved"`
	WinningOutcome   int64     `json:"winning_outcome"`
	EndTime          time.Time `json:"end_time"`
	LiquidityParam   string    `json:"liquidity_param"`
	OutcomeCount     int       `json:"outcome_count"`
	Volume           string    `json:"volume"`
	LastIndexedBlock uint64    `json:"last_indexed_block"`
	LastIndexedAt    time.Time `json:"last_indexed_at"`
}

func toMarketView(m domain.MarketRecord) marketView {
	return marketView{
		MarketID:         m.MarketID,
		Question:         m.Question,
		Image:            m.Image,
		Description:      m.Description,
		Outcomes:         m.Outcomes,
		Prices:           m.Prices,
		Resolved:         m.Resolved,
		WinningOutcome:   m.WinningOutcome,
		EndTime:          m.EndTime,
		LiquidityParam:   m.LiquidityParam,
		OutcomeCount:     m.OutcomeCount,
		Volume:           m.Volume,
		LastIndexedBlock: m.LastIndexedBlock,
		LastIndexedAt:    m.LastIndexedAt,
	}
}

type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Total   int64        `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns indexed markets ordered by id.
// GET /markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	rows, err := h.markets.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.markets.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	views := make([]marketView, 0, len(rows))
	for _, m := range rows {
		views = append(views, toMarketView(m))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market.
// GET /markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	m, err := h.markets.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.Int64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, toMarketView(m))
}
