// Package geocoding resolves shipping addresses to coordinates.
package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/remedio/internal/config"
)

// Coordinates is a resolved latitude/longitude pair in degrees.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// ErrNoMatch is returned when the provider knows no place for the address.
var ErrNoMatch = errors.New("geocoding: no match")

// Geocoder looks up an address.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*Coordinates, error)
}

// Module provides the configured Geocoder.
var Module = fx.Provide(New)

// New returns a Nominatim client, or a disabled geocoder when turned off.
func New(cfg config.Config, logger *zap.Logger) Geocoder {
	if !cfg.Geocoding.Enabled {
		logger.Info("geocoding disabled; delivery tasks will carry no customer coordinates")
		return Disabled{}
	}
	return NewNominatim(cfg.Geocoding, &http.Client{Timeout: cfg.Geocoding.Timeout})
}

// Disabled never resolves anything.
type Disabled struct{}

func (Disabled) Geocode(context.Context, string) (*Coordinates, error) {
	return nil, ErrNoMatch
}

// Nominatim queries an OpenStreetMap Nominatim search endpoint.
type Nominatim struct {
	baseURL       string
	userAgent     string
	countrySuffix string
	client        *http.Client
}

// NewNominatim builds a client against cfg.BaseURL.
func NewNominatim(cfg config.Geocoding, client *http.Client) *Nominatim {
	if client == nil {
		client = http.DefaultClient
	}
	return &Nominatim{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:     cfg.UserAgent,
		countrySuffix: cfg.CountrySuffix,
		client:        client,
	}
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode returns the first match for address.
func (n *Nominatim) Geocode(ctx context.Context, address string) (*Coordinates, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrNoMatch
	}
	q := address
	if n.countrySuffix != "" {
		q = address + ", " + n.countrySuffix
	}
	params := url.Values{}
	params.Set("format", "json")
	params.Set("limit", "1")
	params.Set("q", q)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build geocoding request: %w", err)
	}
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocoding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoding: unexpected status %d", resp.StatusCode)
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode geocoding response: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNoMatch
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parse latitude %q: %w", results[0].Lat, err)
	}
	lng, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("parse longitude %q: %w", results[0].Lon, err)
	}
	return &Coordinates{Latitude: lat, Longitude: lng}, nil
}
