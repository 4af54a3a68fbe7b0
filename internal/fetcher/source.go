package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"rate-alarms/internal/rates"
)

var (
	codeFields    = []string{"code", "symbol", "asset_code", "key"}
	nameFields    = []string{"name", "display_name", "title", "full_name"}
	sellFields    = []string{"selling", "sell", "sell_price", "satis", "ask"}
	changeFields  = []string{"change_percent", "change", "degisim", "daily_change"}
	jewelerFields = []string{"jeweler_selling", "jeweler_sell", "retail_sell"}
)

// HTTPOptions parameterise an upstream JSON endpoint.
type HTTPOptions struct {
	Name      string
	URL       string
	Timeout   time.Duration
	UserAgent string
	APIKey    string
}

// HTTPSource fetches a rate table from one JSON endpoint.
//
// The payload is an object keyed by category ("currencies", "golds",
// "silvers"), each holding either an array of rows or an object of rows keyed
// by asset code. Row field names vary between providers; several aliases are
// accepted for each.
type HTTPSource struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPSource constructs an HTTP rate source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Name == "" {
		opts.Name = opts.URL
	}

	return &HTTPSource{
		opts:   opts,
		logger: logger.With().Str("component", "rate_source").Str("source", opts.Name).Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Name identifies the source in logs and metrics.
func (s *HTTPSource) Name() string { return s.opts.Name }

// Fetch downloads and parses the upstream table.
func (s *HTTPSource) Fetch(ctx context.Context) (Table, error) {
	if s.opts.URL == "" {
		return nil, errors.New("source url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "rate-alarms/1.0")
	}
	if s.opts.APIKey != "" {
		req.Header.Set("Authorization", "apikey "+s.opts.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(s.opts.Name, resp.StatusCode, payload)
	}

	return s.parse(payload)
}

func (s *HTTPSource) parse(payload []byte) (Table, error) {
	if !gjson.ValidBytes(payload) {
		return nil, errors.New("malformed json payload")
	}

	root := gjson.ParseBytes(payload)
	if data := root.Get("data"); data.IsObject() {
		root = data
	}

	table := make(Table)
	for _, cat := range rates.Categories {
		node := root.Get(string(cat))
		if !node.Exists() {
			continue
		}
		if !node.IsArray() && !node.IsObject() {
			return nil, fmt.Errorf("category %s is neither list nor object", cat)
		}

		rows := make([]Record, 0)
		node.ForEach(func(key, item gjson.Result) bool {
			if rec, ok := s.record(cat, key, item); ok {
				rows = append(rows, rec)
			}
			return true
		})
		table[cat] = rows
	}

	if len(table) == 0 {
		return nil, errors.New("payload carries none of the currencies, golds or silvers fields")
	}
	return table, nil
}

func (s *HTTPSource) record(cat rates.Category, key, item gjson.Result) (Record, bool) {
	if !item.IsObject() {
		return Record{}, false
	}

	code := ""
	if v, ok := firstField(item, codeFields...); ok {
		code = v.String()
	} else if key.Type == gjson.String {
		code = key.Str
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		s.logger.Warn().Str("category", string(cat)).Msg("row without asset code skipped")
		return Record{}, false
	}

	rec := Record{Code: code, Name: code}
	if v, ok := firstField(item, nameFields...); ok && strings.TrimSpace(v.String()) != "" {
		rec.Name = strings.TrimSpace(v.String())
	}
	rec.Sell = s.number(item, code, "sell", sellFields)
	rec.ChangePercent = s.number(item, code, "change", changeFields)
	if _, ok := firstField(item, jewelerFields...); ok {
		rec.JewelerSell = s.number(item, code, "jeweler_sell", jewelerFields)
	}
	return rec, true
}

// number never fails: absent or unparseable values become zero and are logged.
func (s *HTTPSource) number(item gjson.Result, code, field string, names []string) decimal.Decimal {
	v, ok := firstField(item, names...)
	if !ok {
		s.logger.Debug().Str("asset", code).Str("field", field).Msg("field missing; defaulting to 0")
		return decimal.Zero
	}
	d, err := numberFrom(v)
	if err != nil {
		s.logger.Warn().Err(err).Str("asset", code).Str("field", field).Msg("unparseable value; defaulting to 0")
		return decimal.Zero
	}
	return d
}

func parseHTTPError(source string, status int, payload []byte) error {
	if gjson.ValidBytes(payload) {
		for _, field := range []string{"message", "error", "description"} {
			if v := gjson.GetBytes(payload, field); v.Type == gjson.String && v.Str != "" {
				return fmt.Errorf("%s api error (%d): %s", source, status, v.Str)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", source, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", source, status)
}

var _ Source = (*HTTPSource)(nil)
