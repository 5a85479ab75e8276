// Package yahoo is the market-data provider client: quote metadata and daily
// OHLCV history. It distinguishes three failure classes the downloader cares
// about: transient provider errors, unknown/delisted symbols (ErrNotFound),
// and empty-but-successful history responses.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/rfmelo/carteira/internal/domain"
)

// ErrNotFound means the provider does not know the symbol (delisted or
// invalid). The downloader turns this into a permanent skip.
var ErrNotFound = fmt.Errorf("yahoo: symbol not found")

const (
	quoteURL = "https://query1.finance.yahoo.com/v7/finance/quote"
	chartURL = "https://query1.finance.yahoo.com/v8/finance/chart"
)

// Client is a Yahoo Finance API client.
type Client struct {
	client *http.Client
	log    zerolog.Logger
}

// NewClient creates a client with the given request timeout.
func NewClient(timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("client", "yahoo").Logger(),
	}
}

// QuoteInfo is the metadata snapshot the pipeline consumes for one symbol.
type QuoteInfo struct {
	Symbol          string
	ForwardPE       float64
	ForwardEPS      float64
	DividendYield   float64
	AverageVolume   float64
	TargetMeanPrice float64
	CurrentPrice    float64
}

// GetQuoteInfo fetches quote metadata for a symbol. Returns ErrNotFound when
// the provider has no result for the symbol.
func (c *Client) GetQuoteInfo(ctx context.Context, symbol string) (*QuoteInfo, error) {
	params := url.Values{}
	params.Add("symbols", symbol)
	params.Add("fields", "symbol,regularMarketPrice,currentPrice,forwardPE,epsForward,"+
		"dividendYield,averageDailyVolume3Month,targetMeanPrice,quoteType")

	body, err := c.get(ctx, quoteURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		QuoteResponse struct {
			Result []map[string]any `json:"result"`
			Error  any              `json:"error"`
		} `json:"quoteResponse"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("yahoo: malformed quote payload for %s: %w", symbol, err)
	}
	if len(parsed.QuoteResponse.Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	info := parsed.QuoteResponse.Result[0]
	price := getFloat(info, "currentPrice")
	if price == 0 {
		price = getFloat(info, "regularMarketPrice")
	}

	return &QuoteInfo{
		Symbol:          symbol,
		ForwardPE:       getFloat(info, "forwardPE"),
		ForwardEPS:      getFloat(info, "epsForward"),
		DividendYield:   getFloat(info, "dividendYield"),
		AverageVolume:   getFloat(info, "averageDailyVolume3Month"),
		TargetMeanPrice: getFloat(info, "targetMeanPrice"),
		CurrentPrice:    price,
	}, nil
}

// GetDailyHistory fetches daily bars for [start, end). An empty slice with a
// nil error means the provider had no data for the window; callers record
// those dates as permanent skips.
func (c *Client) GetDailyHistory(ctx context.Context, symbol string, start, end time.Time) ([]domain.PriceBar, error) {
	params := url.Values{}
	params.Add("period1", fmt.Sprintf("%d", start.Unix()))
	params.Add("period2", fmt.Sprintf("%d", end.Unix()))
	params.Add("interval", "1d")
	params.Add("events", "history")

	body, err := c.get(ctx, chartURL+"/"+url.PathEscape(symbol)+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("yahoo: malformed chart payload for %s: %w", symbol, err)
	}
	if parsed.Chart.Error != nil {
		if parsed.Chart.Error.Code == "Not Found" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
		}
		return nil, fmt.Errorf("yahoo: chart error for %s: %s", symbol, parsed.Chart.Error.Description)
	}
	if len(parsed.Chart.Result) == 0 {
		return nil, nil
	}

	result := parsed.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, nil
	}
	quote := result.Indicators.Quote[0]

	var bars []domain.PriceBar
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == nil {
			continue
		}
		bar := domain.PriceBar{
			Symbol: symbol,
			Date:   time.Unix(ts, 0).UTC().Truncate(24 * time.Hour),
			Close:  *quote.Close[i],
		}
		if i < len(quote.Open) && quote.Open[i] != nil {
			bar.Open = *quote.Open[i]
		}
		if i < len(quote.High) && quote.High[i] != nil {
			bar.High = *quote.High[i]
		}
		if i < len(quote.Low) && quote.Low[i] != nil {
			bar.Low = *quote.Low[i]
		}
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			bar.Volume = *quote.Volume[i]
		}
		bars = append(bars, bar)
	}

	return bars, nil
}

func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("yahoo: create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("yahoo: status %d: %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

func getFloat(info map[string]any, key string) float64 {
	if v, ok := info[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}
