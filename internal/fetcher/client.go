package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const fundamentalsPath = "/fundamentals"

// ClientOptions parameterise the fundamentals API client.
type ClientOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Client fetches quarterly statements from the fundamentals API.
type Client struct {
	opts    ClientOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs a fundamentals API client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.fundamentaldata.io/v1"
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "fundamentals_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchFundamentals retrieves the quarterly statement history for a symbol.
func (c *Client) FetchFundamentals(ctx context.Context, symbol string) (Payload, error) {
	if symbol == "" {
		return Payload{}, errors.New("symbol required")
	}
	if c.opts.APIKey == "" {
		return Payload{}, errors.New("api key required")
	}

	endpoint := fmt.Sprintf("%s%s/%s?period=quarterly&apikey=%s",
		c.baseURL, fundamentalsPath, url.PathEscape(symbol), url.QueryEscape(c.opts.APIKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Payload{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "fundsync/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Payload{}, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Payload{}, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Payload{}, fmt.Errorf("fundamentals api (%d): %w", resp.StatusCode, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return Payload{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var decoded fundamentalsResponse
	if err := json.Unmarshal(payloadBytes, &decoded); err != nil {
		return Payload{}, fmt.Errorf("decode fundamentals response: %w", err)
	}

	statements := make([]Statement, 0, len(decoded.Quarterly))
	for _, raw := range decoded.Quarterly {
		statement, err := raw.toStatement()
		if err != nil {
			return Payload{}, fmt.Errorf("statement for %s: %w", symbol, err)
		}
		statements = append(statements, statement)
	}

	c.logger.Debug().
		Str("symbol", symbol).
		Int("statements", len(statements)).
		Msg("fundamentals fetched")

	return Payload{Symbol: symbol, Statements: statements, Raw: json.RawMessage(payloadBytes)}, nil
}

type fundamentalsResponse struct {
	Symbol    string         `json:"symbol"`
	Quarterly []rawStatement `json:"quarterly"`
}

type rawStatement struct {
	PeriodEnd         string `json:"period_end"`
	FiledAt           string `json:"filed_at,omitempty"`
	Revenue           string `json:"revenue,omitempty"`
	NetIncome         string `json:"net_income,omitempty"`
	EPS               string `json:"eps,omitempty"`
	OperatingCashFlow string `json:"operating_cash_flow,omitempty"`
	TotalAssets       string `json:"total_assets,omitempty"`
}

const dateLayout = "2006-01-02"

func (r rawStatement) toStatement() (Statement, error) {
	periodEnd, err := time.ParseInLocation(dateLayout, r.PeriodEnd, time.UTC)
	if err != nil {
		return Statement{}, fmt.Errorf("parse period_end %q: %w", r.PeriodEnd, err)
	}

	statement := Statement{PeriodEnd: periodEnd}

	if r.FiledAt != "" {
		filedAt, err := time.ParseInLocation(dateLayout, r.FiledAt, time.UTC)
		if err != nil {
			return Statement{}, fmt.Errorf("parse filed_at %q: %w", r.FiledAt, err)
		}
		statement.FiledAt = &filedAt
	}

	fields := []struct {
		raw  string
		dest **decimal.Decimal
		name string
	}{
		{r.Revenue, &statement.Revenue, "revenue"},
		{r.NetIncome, &statement.NetIncome, "net_income"},
		{r.EPS, &statement.EPS, "eps"},
		{r.OperatingCashFlow, &statement.OperatingCashFlow, "operating_cash_flow"},
		{r.TotalAssets, &statement.TotalAssets, "total_assets"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		value, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Statement{}, fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dest = &value
	}

	return statement, nil
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("fundamentals api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("fundamentals api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("fundamentals api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("fundamentals api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("fundamentals api error (%d)", status)
}

var _ FundamentalsFetcher = (*Client)(nil)
