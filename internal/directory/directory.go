package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sosalert/internal/config"
	"sosalert/internal/domain"

	gocache "github.com/patrickmn/go-cache"
)

// Directory resolves who gets told about an emergency.
// Params: context and subject id.
// Returns: ordered contacts or staff, or lookup error.
type Directory interface {
	Contacts(ctx context.Context, subjectID string) ([]domain.Contact, error)
	Staff(ctx context.Context, subjectID string) ([]domain.StaffMember, error)
}

// Static serves contacts and staff declared in configuration.
type Static struct {
	contacts []domain.Contact
	staff    []domain.StaffMember
}

// NewStatic creates config-backed directory.
// Params: directory config with [[directory.contact]] and [[directory.staff]] tables.
// Returns: directory ignoring subject id.
func NewStatic(cfg config.DirectoryConfig) *Static {
	return &Static{
		contacts: append([]domain.Contact(nil), cfg.Contact...),
		staff:    append([]domain.StaffMember(nil), cfg.Staff...),
	}
}

// Contacts returns configured contacts, primary contacts first.
func (s *Static) Contacts(_ context.Context, _ string) ([]domain.Contact, error) {
	return primaryFirst(s.contacts), nil
}

// Staff returns configured staff members.
func (s *Static) Staff(_ context.Context, _ string) ([]domain.StaffMember, error) {
	return append([]domain.StaffMember(nil), s.staff...), nil
}

func primaryFirst(contacts []domain.Contact) []domain.Contact {
	out := make([]domain.Contact, 0, len(contacts))
	for _, contact := range contacts {
		if contact.Primary {
			out = append(out, contact)
		}
	}
	for _, contact := range contacts {
		if !contact.Primary {
			out = append(out, contact)
		}
	}
	return out
}

// HTTPDirectory reads contacts and staff from the care backend.
// Params: base endpoint, bearer token and HTTP client.
// Returns: directory issuing GET {endpoint}/subjects/{id}/contacts|staff.
type HTTPDirectory struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPDirectory creates backend directory client.
// Params: directory config; requests are bounded by cfg.FetchTimeout() (<=0 means 1s).
// Returns: HTTP directory.
func NewHTTPDirectory(cfg config.DirectoryConfig) *HTTPDirectory {
	timeout := cfg.FetchTimeout()
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HTTPDirectory{
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		token:    strings.TrimSpace(cfg.Token),
		client:   &http.Client{Timeout: timeout},
	}
}

// Contacts fetches subject contacts.
func (d *HTTPDirectory) Contacts(ctx context.Context, subjectID string) ([]domain.Contact, error) {
	var contacts []domain.Contact
	if err := d.get(ctx, subjectID, "contacts", &contacts); err != nil {
		return nil, err
	}
	return primaryFirst(contacts), nil
}

// Staff fetches staff responsible for subject.
func (d *HTTPDirectory) Staff(ctx context.Context, subjectID string) ([]domain.StaffMember, error) {
	var staff []domain.StaffMember
	if err := d.get(ctx, subjectID, "staff", &staff); err != nil {
		return nil, err
	}
	return staff, nil
}

func (d *HTTPDirectory) get(ctx context.Context, subjectID, resource string, dst any) error {
	if d.endpoint == "" {
		return errors.New("directory endpoint is empty")
	}
	target := d.endpoint + "/subjects/" + url.PathEscape(subjectID) + "/" + resource
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", resource, err)
	}
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("fetch %s: unexpected status %d", resource, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	return nil
}

// Cached remembers last good directory answers per subject.
// Params: wrapped directory, freshness ttl, fetch bound and logger.
// Returns: directory that serves cached entries when the source fails or overruns.
type Cached struct {
	next         Directory
	cache        *gocache.Cache
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewCached wraps directory with go-cache.
// Params: wrapped directory, ttl after which a fallback entry is reported stale (<=0 means 5m),
// per-fetch bound (<=0 means 1s) and logger.
// Returns: cached directory; entries never expire so a fallback exists however long ago it was stored.
func NewCached(next Directory, ttl, fetchTimeout time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if fetchTimeout <= 0 {
		fetchTimeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		next:         next,
		cache:        gocache.New(gocache.NoExpiration, 0),
		ttl:          ttl,
		fetchTimeout: fetchTimeout,
		now:          time.Now,
		logger:       logger,
	}
}

type cachedEntry[T any] struct {
	value  []T
	stored time.Time
}

type fetchResult[T any] struct {
	value []T
	err   error
}

// Contacts returns fresh contacts or last known list on source failure.
func (c *Cached) Contacts(ctx context.Context, subjectID string) ([]domain.Contact, error) {
	return lookup(ctx, c, "contacts:"+subjectID, func(ctx context.Context) ([]domain.Contact, error) {
		return c.next.Contacts(ctx, subjectID)
	})
}

// Staff returns fresh staff or last known list on source failure.
func (c *Cached) Staff(ctx context.Context, subjectID string) ([]domain.StaffMember, error) {
	return lookup(ctx, c, "staff:"+subjectID, func(ctx context.Context) ([]domain.StaffMember, error) {
		return c.next.Staff(ctx, subjectID)
	})
}

func lookup[T any](ctx context.Context, c *Cached, key string, fetch func(context.Context) ([]T, error)) ([]T, error) {
	value, err := boundedFetch(ctx, c.fetchTimeout, fetch)
	if err == nil {
		c.cache.Set(key, cachedEntry[T]{value: value, stored: c.now()}, gocache.NoExpiration)
		return value, nil
	}

	raw, found := c.cache.Get(key)
	if !found {
		return nil, err
	}
	entry := raw.(cachedEntry[T])
	age := c.now().Sub(entry.stored)
	c.logger.Warn("directory lookup failed; serving cached entry", "key", key, "age", age.String(), "stale", age > c.ttl, "error", err.Error())
	return append([]T(nil), entry.value...), nil
}

// boundedFetch calls the source under the fetch bound; a source ignoring its context is abandoned.
func boundedFetch[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) ([]T, error)) ([]T, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan fetchResult[T], 1)
	go func() {
		value, err := fn(fetchCtx)
		done <- fetchResult[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-fetchCtx.Done():
		return nil, fmt.Errorf("directory source: %w", fetchCtx.Err())
	}
}
