package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity is a tracked instrument eligible for ingestion.
type Entity struct {
	Symbol    string
	Name      string
	AssetType string
	Exchange  string
	Active    bool
	Delisted  bool
	AddedAt   time.Time
}

// FundamentalRow is one quarterly statement landed from the upstream API.
// ContentHash fingerprints the business fields so a re-fetch of identical
// content skips the write.
type FundamentalRow struct {
	Symbol            string
	PeriodEnd         time.Time
	FiledAt           *time.Time
	Revenue           *decimal.Decimal
	NetIncome         *decimal.Decimal
	EPS               *decimal.Decimal
	OperatingCashFlow *decimal.Decimal
	TotalAssets       *decimal.Decimal
	ContentHash       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CoverageSnapshot is a persisted DCS observation, kept for trend export.
type CoverageSnapshot struct {
	Symbol     string
	DCS        float64
	ObservedAt time.Time
}

// SyncRun summarises one plan execution.
type SyncRun struct {
	ID         int64
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time
	Planned    int
	Succeeded  int
	Failed     int
	Skipped    int
	Excluded   int
}
