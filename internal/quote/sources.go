package quote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// HTTPSource fetches a JSON price document and extracts fields with gjson paths.
// URL may contain {symbol} and {address} placeholders.
type HTTPSource struct {
	Label     string
	URL       string
	PricePath string
	// TimePath is optional; without it the response time is used.
	TimePath string
	Client   *http.Client
	Now      func() time.Time
}

func (s *HTTPSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "http"
}

func (s *HTTPSource) Quote(ctx context.Context, ref Ref) (Quote, error) {
	url := strings.NewReplacer(
		"{symbol}", ref.Symbol,
		"{address}", strings.ToLower(ref.Address.Hex()),
	).Replace(s.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Quote{}, fmt.Errorf("read price: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("price feed returned %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return Quote{}, fmt.Errorf("price feed returned invalid json")
	}

	priceField := gjson.GetBytes(body, s.PricePath)
	if !priceField.Exists() {
		return Quote{}, fmt.Errorf("price path %q missing", s.PricePath)
	}
	price, err := decimal.NewFromString(priceField.String())
	if err != nil {
		return Quote{}, fmt.Errorf("parse price %q: %w", priceField.String(), err)
	}

	ts := s.now()
	if s.TimePath != "" {
		field := gjson.GetBytes(body, s.TimePath)
		switch field.Type {
		case gjson.Number:
			ts = time.Unix(field.Int(), 0)
		case gjson.String:
			ts = field.Time()
		default:
			return Quote{}, fmt.Errorf("timestamp path %q missing", s.TimePath)
		}
	}

	return Quote{Price: price, Timestamp: ts, Source: s.Name()}, nil
}

func (s *HTTPSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// StaticSource serves operator-configured prices, keyed by symbol.
type StaticSource struct {
	Prices map[string]decimal.Decimal
	Now    func() time.Time
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Quote(_ context.Context, ref Ref) (Quote, error) {
	price, ok := s.Prices[ref.Symbol]
	if !ok {
		return Quote{}, fmt.Errorf("no static price for %s", ref.Symbol)
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	return Quote{Price: price, Timestamp: now, Source: s.Name()}, nil
}
