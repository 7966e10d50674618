package specio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astropipe/deltafit/pkg/continuum"
	"github.com/astropipe/deltafit/pkg/observability"
	"github.com/astropipe/deltafit/pkg/spectrum"
)

var (
	// ErrClickHouseURLRequired is returned when the sink has no endpoint
	ErrClickHouseURLRequired = errors.New("clickhouse url is required")
	// ErrClickHouseResponse is returned on a non-200 ClickHouse reply
	ErrClickHouseResponse = errors.New("clickhouse error")
)

// ClickHouseConfig holds the delta sink settings for the ClickHouse HTTP
// interface.
type ClickHouseConfig struct {
	URL      string        `yaml:"url"`
	Database string        `yaml:"database" default:"deltafit"`
	Table    string        `yaml:"table" default:"deltas"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout" default:"60s"`
}

// Validate checks if the configuration is valid.
func (c *ClickHouseConfig) Validate() error {
	if c.URL == "" {
		return ErrClickHouseURLRequired
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("invalid clickhouse url: %w", err)
	}
	return nil
}

// ClickHouseWriter inserts delta records over the ClickHouse HTTP interface
// using JSONEachRow, with the wavelength, delta and weight arrays stored as
// Array(Float64) columns.
type ClickHouseWriter struct {
	cfg        *ClickHouseConfig
	log        logrus.FieldLogger
	httpClient *http.Client
}

// NewClickHouseWriter creates the sink and verifies the endpoint responds.
func NewClickHouseWriter(ctx context.Context, log logrus.FieldLogger, cfg *ClickHouseConfig) (*ClickHouseWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		cfg:        cfg,
		log:        log.WithField("component", "clickhouse-sink"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if _, err := w.execute(ctx, "SELECT 1"); err != nil {
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return w, nil
}

// Save implements DeltaWriter.
func (w *ClickHouseWriter) Save(ctx context.Context, spectra []*spectrum.Spectrum, model *continuum.Model, rank int) (int, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "INSERT INTO %s.%s FORMAT JSONEachRow\n", w.cfg.Database, w.cfg.Table)

	total := 0
	for _, spec := range spectra {
		for _, rec := range ComputeDeltas(spec, model) {
			row, err := json.Marshal(rec)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal delta for target %d: %w", rec.TargetID, err)
			}
			buf.Write(row)
			buf.WriteByte('\n')
			total++
		}
	}
	if total == 0 {
		return 0, nil
	}

	if _, err := w.execute(ctx, buf.String()); err != nil {
		return 0, fmt.Errorf("delta insert failed: %w", err)
	}

	w.log.WithFields(logrus.Fields{"rows": total, "rank": rank}).Info("Inserted deltas")
	observability.RecordDeltas("clickhouse", total)
	return total, nil
}

func (w *ClickHouseWriter) execute(ctx context.Context, query string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader([]byte(query)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	if w.cfg.Username != "" {
		req.SetBasicAuth(w.cfg.Username, w.cfg.Password)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrClickHouseResponse, resp.StatusCode, string(body))
	}

	return body, nil
}

var _ DeltaWriter = (*ClickHouseWriter)(nil)
