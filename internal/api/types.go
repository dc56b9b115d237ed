package api

import (
	"time"

	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type QuotesResponse struct {
	Count      int           `json:"count"`
	Quotes     []model.Quote `json:"quotes"`
	ComputedAt time.Time     `json:"computed_at"`
}

type OpportunitiesResponse struct {
	Count         int                 `json:"count"`
	Profitable    bool                `json:"profitable"`
	Opportunities []model.Opportunity `json:"opportunities"`
	ComputedAt    time.Time           `json:"computed_at"`
}

type HistoryResponse struct {
	Symbol string        `json:"symbol"`
	Count  int           `json:"count"`
	Quotes []model.Quote `json:"quotes"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
