package geocoding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Additional-Code/remedio/internal/config"
)

func TestNominatimGeocode(t *testing.T) {
	var gotQuery, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("q")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"lat":"-23.5505","lon":"-46.6333"}]`))
	}))
	defer srv.Close()

	n := NewNominatim(config.Geocoding{BaseURL: srv.URL + "/", UserAgent: "RemedioDelivery/1.0", CountrySuffix: "Brasil"}, srv.Client())
	coords, err := n.Geocode(context.Background(), "Av. Paulista, 1000")
	if err != nil {
		t.Fatalf("geocode: %v", err)
	}
	if coords.Latitude != -23.5505 || coords.Longitude != -46.6333 {
		t.Fatalf("unexpected coordinates: %+v", coords)
	}
	if gotQuery != "Av. Paulista, 1000, Brasil" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if gotAgent != "RemedioDelivery/1.0" {
		t.Fatalf("unexpected user agent %q", gotAgent)
	}
}

func TestNominatimNoMatchAndErrors(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer empty.Close()

	n := NewNominatim(config.Geocoding{BaseURL: empty.URL}, empty.Client())
	if _, err := n.Geocode(context.Background(), "nowhere"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	n = NewNominatim(config.Geocoding{BaseURL: failing.URL}, failing.Client())
	if _, err := n.Geocode(context.Background(), "somewhere"); err == nil || errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected transport error, got %v", err)
	}

	if _, err := (Disabled{}).Geocode(context.Background(), "x"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("disabled geocoder should report no match")
	}
}
