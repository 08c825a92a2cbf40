package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrRateLimited signals the upstream rejected the call for quota reasons.
// The execution loop reports it to the rate limiter instead of counting it
// as an ordinary transient failure.
var ErrRateLimited = errors.New("upstream rate limited")

// Statement is one decoded quarterly statement.
type Statement struct {
	PeriodEnd         time.Time
	FiledAt           *time.Time
	Revenue           *decimal.Decimal
	NetIncome         *decimal.Decimal
	EPS               *decimal.Decimal
	OperatingCashFlow *decimal.Decimal
	TotalAssets       *decimal.Decimal
}

// Fields returns the business fields used for content hashing.
func (s Statement) Fields() map[string]any {
	fields := map[string]any{
		"period_end": s.PeriodEnd.Format("2006-01-02"),
	}
	if s.FiledAt != nil {
		fields["filed_at"] = s.FiledAt.Format("2006-01-02")
	}
	put := func(key string, d *decimal.Decimal) {
		if d != nil {
			fields[key] = d.String()
		}
	}
	put("revenue", s.Revenue)
	put("net_income", s.NetIncome)
	put("eps", s.EPS)
	put("operating_cash_flow", s.OperatingCashFlow)
	put("total_assets", s.TotalAssets)
	return fields
}

// Payload is the decoded upstream response for one entity, with the raw
// bytes retained for whole-payload change detection.
type Payload struct {
	Symbol     string
	Statements []Statement
	Raw        json.RawMessage
}

// LatestPeriodEnd returns the newest period in the payload, or nil when the
// payload carries no statements.
func (p Payload) LatestPeriodEnd() *time.Time {
	var latest *time.Time
	for i := range p.Statements {
		end := p.Statements[i].PeriodEnd
		if latest == nil || end.After(*latest) {
			latest = &end
		}
	}
	return latest
}

// FundamentalsFetcher retrieves quarterly statements for one entity.
type FundamentalsFetcher interface {
	FetchFundamentals(ctx context.Context, symbol string) (Payload, error)
}
