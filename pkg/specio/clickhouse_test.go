package specio

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astropipe/deltafit/pkg/spectrum"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestClickHouseConfig_Validate(t *testing.T) {
	cfg := &ClickHouseConfig{}
	assert.ErrorIs(t, cfg.Validate(), ErrClickHouseURLRequired)

	cfg.URL = "http://localhost:8123"
	assert.NoError(t, cfg.Validate())
}

func TestClickHouseWriter_Save(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		queries = append(queries, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &ClickHouseConfig{
		URL:      srv.URL,
		Database: "deltafit",
		Table:    "deltas",
		Timeout:  5 * time.Second,
	}
	w, err := NewClickHouseWriter(context.Background(), testLog(), cfg)
	require.NoError(t, err)

	// The constructor pings first.
	require.Len(t, queries, 1)
	assert.Equal(t, "SELECT 1", queries[0])

	m := flatModel(t)
	specs := []*spectrum.Spectrum{
		fittedSpectrum(t, 1, 2.5),
		fittedSpectrum(t, 2, 2.6),
	}
	n, err := w.Save(context.Background(), specs, m, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, queries, 2)
	insert := queries[1]
	assert.True(t, strings.HasPrefix(insert, "INSERT INTO deltafit.deltas FORMAT JSONEachRow\n"), "got %q", insert)
	assert.Contains(t, insert, `"target_id":1`)
	assert.Contains(t, insert, `"target_id":2`)
	assert.Contains(t, insert, `"cont_a":2`)

	// One JSON row per record plus the statement line.
	assert.Equal(t, 3, strings.Count(insert, "\n"))
}

func TestClickHouseWriter_SaveEmpty(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &ClickHouseConfig{URL: srv.URL, Database: "d", Table: "t", Timeout: 5 * time.Second}
	w, err := NewClickHouseWriter(context.Background(), testLog(), cfg)
	require.NoError(t, err)

	n, err := w.Save(context.Background(), nil, flatModel(t), 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Only the ping; nothing to insert means no request.
	assert.Equal(t, 1, calls)
}

func TestClickHouseWriter_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Code: 60. DB::Exception: Table does not exist", http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := &ClickHouseConfig{URL: srv.URL, Database: "d", Table: "t", Timeout: 5 * time.Second}
	_, err := NewClickHouseWriter(context.Background(), testLog(), cfg)
	assert.ErrorIs(t, err, ErrClickHouseResponse)
}

func TestClickHouseWriter_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "writer" || pass != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &ClickHouseConfig{
		URL:      srv.URL,
		Database: "d",
		Table:    "t",
		Username: "writer",
		Password: "secret",
		Timeout:  5 * time.Second,
	}
	_, err := NewClickHouseWriter(context.Background(), testLog(), cfg)
	assert.NoError(t, err)
}
