package inventory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResultsShapes(t *testing.T) {
	cases := map[string]string{
		"top-level": `[{"id":"v1","brand":"Toyota","model":"Camry","year":2020,"price":21000}]`,
		"items":     `{"items":[{"vin":"v1","make":"Toyota","model":"Camry","year":"2020","price":"21000"}]}`,
		"data":      `{"total":1,"data":[{"id":"v1","brand":"Toyota","model":"Camry","year":2020,"price":21000},{"brand":"noid"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ParseResults([]byte(body))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, models.SearchResult{
				ID: "v1", Source: "external", Brand: "Toyota", Model: "Camry", Year: 2020, Price: 21000,
			}, got[0])
		})
	}
}

func TestParseResultsRejectsGarbage(t *testing.T) {
	_, err := ParseResults([]byte("not json"))
	require.Error(t, err)
}

func TestClientSearch(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"id":"x1","brand":"bmw","model":"x5","year":2021,"price":55000}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "secret", SearchPath: "/v1/search"})
	require.NoError(t, err)

	res, err := c.Search(context.Background(), models.SearchFilter{Brand: "BMW", PriceMax: 60000})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "x1", res[0].ID)
	assert.Equal(t, "bmw", gotQuery["brand"])
	assert.Equal(t, "60000", gotQuery["price_max"])
	assert.Equal(t, "20", gotQuery["limit"])
	_, hasMin := gotQuery["price_min"]
	assert.False(t, hasMin)
}

func TestClientSearchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, MaxRetries: 0})
	require.NoError(t, err)
	_, err = c.Search(context.Background(), models.SearchFilter{Brand: "bmw"})
	require.Error(t, err)
}

func TestClientDefaultsAndValidation(t *testing.T) {
	c, err := NewClient(Config{})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, c.cfg.Timeout)
	assert.Equal(t, "/search", c.cfg.SearchPath)

	_, err = c.Search(context.Background(), models.SearchFilter{})
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient(Config{BaseURL: "not a url"})
	require.Error(t, err)
}
