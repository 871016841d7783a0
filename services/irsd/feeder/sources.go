package feeder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"irsvenue/crypto"
)

// Quote is one upstream reading: a per-second rate scaled by 1e18 and the
// unix time it was observed.
type Quote struct {
	Rate      *uint256.Int
	UpdatedAt uint64
}

// Source resolves the current floating rate from an upstream feed.
type Source interface {
	Name() string
	Reporter() crypto.Address
	Fetch(ctx context.Context) (Quote, error)
}

// HTTPSource reads a JSON document and extracts the rate and timestamp by
// top-level key. Values may be JSON numbers or decimal strings.
type HTTPSource struct {
	name     string
	reporter crypto.Address
	endpoint string
	rateKey  string
	timeKey  string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPSource builds an HTTP JSON source.
func NewHTTPSource(client *http.Client, name string, reporter crypto.Address, endpoint, rateKey, timeKey string, headers map[string]string) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if rateKey == "" {
		rateKey = "rate_per_second"
	}
	if timeKey == "" {
		timeKey = "updated_at"
	}
	return &HTTPSource{
		name:     strings.TrimSpace(name),
		reporter: reporter,
		endpoint: strings.TrimSpace(endpoint),
		rateKey:  rateKey,
		timeKey:  timeKey,
		headers:  headers,
		client:   client,
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Reporter() crypto.Address { return s.reporter }

// Fetch retrieves and parses the upstream document.
func (s *HTTPSource) Fetch(ctx context.Context) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Quote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%s: unexpected status %d", s.name, resp.StatusCode)
	}
	var doc map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Quote{}, fmt.Errorf("%s: decode: %w", s.name, err)
	}
	rawRate, ok := doc[s.rateKey]
	if !ok {
		return Quote{}, fmt.Errorf("%s: missing %q", s.name, s.rateKey)
	}
	rateStr, err := scalar(rawRate)
	if err != nil {
		return Quote{}, fmt.Errorf("%s: %s: %w", s.name, s.rateKey, err)
	}
	rate, err := uint256.FromDecimal(rateStr)
	if err != nil {
		return Quote{}, fmt.Errorf("%s: invalid rate %q: %w", s.name, rateStr, err)
	}
	rawTime, ok := doc[s.timeKey]
	if !ok {
		return Quote{}, fmt.Errorf("%s: missing %q", s.name, s.timeKey)
	}
	timeStr, err := scalar(rawTime)
	if err != nil {
		return Quote{}, fmt.Errorf("%s: %s: %w", s.name, s.timeKey, err)
	}
	updatedAt, err := strconv.ParseUint(timeStr, 10, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("%s: invalid timestamp %q: %w", s.name, timeStr, err)
	}
	return Quote{Rate: rate, UpdatedAt: updatedAt}, nil
}

// scalar unwraps a JSON string or number into its textual form.
func scalar(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("empty value")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
