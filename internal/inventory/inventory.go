// Package inventory is the HTTP client for the external vehicle search source.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// ErrNotConfigured is returned by a client built without a base URL.
var ErrNotConfigured = errors.New("inventory API not configured")

// Config holds the external inventory API configuration.
type Config struct {
	BaseURL     string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey      string        `yaml:"api_key"`
	SearchPath  string        `yaml:"search_path" default:"/search"`
	Timeout     time.Duration `yaml:"timeout" default:"10s" validate:"gte=1s"`
	MaxRetries  int           `yaml:"max_retries" default:"2" validate:"gte=0,lte=10"`
	RetryWaitMS int           `yaml:"retry_wait_ms" default:"200" validate:"gte=0,lte=10000"`
	PageSize    int           `yaml:"page_size" default:"20" validate:"gte=1,lte=100"`
}

// Client queries the external inventory API.
type Client struct {
	cfg    Config
	client *resty.Client
}

var validate = validator.New()

// NewClient creates a client after applying defaults and validating cfg.
func NewClient(cfg Config) (*Client, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply inventory defaults: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid inventory config: %w", err)
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(time.Duration(cfg.RetryWaitMS)*time.Millisecond).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		rc.SetAuthToken(cfg.APIKey)
	}
	slog.Debug("inventory.NewClient", "base_url_set", cfg.BaseURL != "", "timeout", cfg.Timeout)
	return &Client{cfg: cfg, client: rc}, nil
}

// Search queries the API with the filter and returns the parsed listings.
func (c *Client) Search(ctx context.Context, filter models.SearchFilter) ([]models.SearchResult, error) {
	if c.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(queryParams(filter, c.cfg.PageSize)).
		Get(c.cfg.SearchPath)
	if err != nil {
		return nil, fmt.Errorf("inventory request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("inventory request failed: status %d", resp.StatusCode())
	}
	results, err := ParseResults(resp.Body())
	if err != nil {
		return nil, err
	}
	slog.Debug("Client.Search", "key", filter.Key(), "count", len(results))
	return results, nil
}

func queryParams(f models.SearchFilter, pageSize int) map[string]string {
	f = f.Normalize()
	params := map[string]string{"limit": strconv.Itoa(pageSize)}
	if f.Brand != "" {
		params["brand"] = f.Brand
	}
	if f.Model != "" {
		params["model"] = f.Model
	}
	if f.PriceMin > 0 {
		params["price_min"] = strconv.FormatInt(f.PriceMin, 10)
	}
	if f.PriceMax > 0 {
		params["price_max"] = strconv.FormatInt(f.PriceMax, 10)
	}
	if f.YearMin > 0 {
		params["year_min"] = strconv.Itoa(f.YearMin)
	}
	if f.YearMax > 0 {
		params["year_max"] = strconv.Itoa(f.YearMax)
	}
	return params
}

// ParseResults decodes a listing response. The listings may be the top-level array or sit under
// "items", "results" or "data"; entries without an id are skipped.
func ParseResults(body []byte) ([]models.SearchResult, error) {
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return nil, fmt.Errorf("inventory response decode failed: %w", err)
	}
	list := parsed
	for _, path := range []string{"items", "results", "data"} {
		if parsed.Exists(path) {
			list = parsed.Path(path)
			break
		}
	}
	children := list.Children()
	out := make([]models.SearchResult, 0, len(children))
	for _, item := range children {
		id := stringField(item, "id", "vin")
		if id == "" {
			continue
		}
		out = append(out, models.SearchResult{
			ID:       id,
			Source:   "external",
			Brand:    stringField(item, "brand", "make"),
			Model:    stringField(item, "model"),
			Year:     int(numberField(item, "year")),
			Price:    numberField(item, "price"),
			Mileage:  numberField(item, "mileage"),
			ImageURL: stringField(item, "image_url", "photo"),
			URL:      stringField(item, "url", "link"),
		})
	}
	return out, nil
}

func stringField(c *gabs.Container, keys ...string) string {
	for _, k := range keys {
		switch v := c.Path(k).Data().(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func numberField(c *gabs.Container, key string) int64 {
	switch v := c.Path(key).Data().(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseFloat(v, 64)
		return int64(n)
	}
	return 0
}
