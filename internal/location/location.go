package location

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sosalert/internal/config"
	"sosalert/internal/domain"

	"googlemaps.github.io/maps"
)

// Provider resolves current device position.
// Params: context bounding the lookup.
// Returns: snapshot (possibly unavailable) or lookup error.
type Provider interface {
	Current(ctx context.Context) (domain.LocationSnapshot, error)
}

// StaticProvider serves fixed coordinates from configuration.
// Params: location config and clock.
// Returns: provider for stationary devices.
type StaticProvider struct {
	cfg config.LocationConfig
	now func() time.Time
}

// NewStaticProvider creates config-backed provider.
// Params: location config and now func (nil uses time.Now).
// Returns: provider.
func NewStaticProvider(cfg config.LocationConfig, now func() time.Time) *StaticProvider {
	if now == nil {
		now = time.Now
	}
	return &StaticProvider{cfg: cfg, now: now}
}

// Current returns configured fix or unavailable snapshot.
func (p *StaticProvider) Current(_ context.Context) (domain.LocationSnapshot, error) {
	at := p.now().UTC()
	if !p.cfg.Enabled {
		return domain.UnavailableLocation(at), nil
	}
	lat, lon := p.cfg.Latitude, p.cfg.Longitude
	snapshot := domain.LocationSnapshot{
		Available: true,
		Latitude:  &lat,
		Longitude: &lon,
		Address:   strings.TrimSpace(p.cfg.Address),
		Timestamp: at,
	}
	if p.cfg.Accuracy > 0 {
		accuracy := p.cfg.Accuracy
		snapshot.Accuracy = &accuracy
	}
	return snapshot, nil
}

// ReverseGeocoder resolves coordinates into addresses.
// Params: geocoding request with LatLng set.
// Returns: ranked results.
type ReverseGeocoder interface {
	ReverseGeocode(ctx context.Context, request *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// NewMapsGeocoder creates Google Maps client for reverse geocoding.
// Params: geocode config.
// Returns: maps client or setup error.
func NewMapsGeocoder(cfg config.GeocodeConfig) (*maps.Client, error) {
	client, err := maps.NewClient(maps.WithAPIKey(strings.TrimSpace(cfg.APIKey)))
	if err != nil {
		return nil, fmt.Errorf("init maps client: %w", err)
	}
	return client, nil
}

// GeocodingProvider fills snapshot address through reverse geocoding.
// Params: wrapped provider, geocoder, language and logger.
// Returns: provider whose address lookup failures never fail the snapshot.
type GeocodingProvider struct {
	next     Provider
	geocoder ReverseGeocoder
	language string
	timeout  time.Duration
	logger   *slog.Logger
}

type geocodeResult struct {
	results []maps.GeocodingResult
	err     error
}

// NewGeocodingProvider wraps provider with reverse geocoding.
// Params: wrapped provider, geocoder, result language, per-lookup bound (<=0 means 750ms) and logger.
// Returns: provider that keeps the wrapped fix when the address lookup fails or overruns.
func NewGeocodingProvider(next Provider, geocoder ReverseGeocoder, language string, timeout time.Duration, logger *slog.Logger) *GeocodingProvider {
	if timeout <= 0 {
		timeout = 750 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeocodingProvider{next: next, geocoder: geocoder, language: language, timeout: timeout, logger: logger}
}

// Current resolves position then address when missing.
func (p *GeocodingProvider) Current(ctx context.Context) (domain.LocationSnapshot, error) {
	snapshot, err := p.next.Current(ctx)
	if err != nil || !snapshot.Available || snapshot.Address != "" {
		return snapshot, err
	}
	if snapshot.Latitude == nil || snapshot.Longitude == nil {
		return snapshot, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan geocodeResult, 1)
	request := &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: *snapshot.Latitude, Lng: *snapshot.Longitude},
		Language: p.language,
	}
	go func() {
		results, err := p.geocoder.ReverseGeocode(lookupCtx, request)
		done <- geocodeResult{results: results, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			p.logger.Warn("reverse geocode failed", "error", res.err.Error())
			return snapshot, nil
		}
		if len(res.results) > 0 {
			snapshot.Address = res.results[0].FormattedAddress
		}
	case <-lookupCtx.Done():
		p.logger.Warn("reverse geocode abandoned", "timeout", p.timeout.String(), "error", lookupCtx.Err().Error())
	}
	return snapshot, nil
}
