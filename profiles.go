package tidysync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidylist/tidysync/internal/debounce"
	"github.com/tidylist/tidysync/pkg/backend"
	"github.com/tidylist/tidysync/pkg/models"
)

const defaultFullName = "User"

// EnsureProfile returns the caller's profile, creating it when missing with
// the email's local part as username.
func (c *Client) EnsureProfile(ctx context.Context) (models.Profile, error) {
	id, err := c.identity(ctx)
	if err != nil {
		return models.Profile{}, err
	}

	existing, err := c.profile(ctx, id.Subject)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return models.Profile{}, err
	}

	username, fullName := id.Username(), defaultFullName
	row, err := c.tables.Profiles.Insert(ctx, models.Profile{
		ID:       id.Subject,
		Username: &username,
		FullName: &fullName,
	})
	if errors.Is(err, backend.ErrConflict) {
		// Another device created it first.
		if existing, ferr := c.profile(ctx, id.Subject); ferr == nil {
			return existing, nil
		}
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("tidysync: failed to create profile: %w", err)
	}
	c.logger.Info("tidysync.Client created profile", "user_id", id.Subject, "username", username)
	return row, nil
}

func (c *Client) profile(ctx context.Context, id models.ID) (models.Profile, error) {
	rows, err := c.tables.Profiles.Select(ctx, backend.ByID(id))
	if err != nil {
		return models.Profile{}, err
	}
	if len(rows) == 0 {
		return models.Profile{}, fmt.Errorf("%w: profile %s", backend.ErrNotFound, id)
	}
	return rows[0], nil
}

// SearchProfiles returns up to SearchLimit profiles whose username starts
// with prefix, ignoring case. The caller is excluded.
func (c *Client) SearchProfiles(ctx context.Context, prefix string) ([]models.Profile, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, nil
	}
	id, err := c.identity(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := c.tables.Profiles.Select(ctx, backend.Where(backend.Prefix("username", prefix)).
		Order("username", false).
		WithLimit(c.cfg.SearchLimit+1))
	if err != nil {
		return nil, err
	}

	out := make([]models.Profile, 0, len(rows))
	for _, p := range rows {
		if p.ID != id.Subject && len(out) < c.cfg.SearchLimit {
			out = append(out, p)
		}
	}
	return out, nil
}

// SearchResult is delivered by a ProfileSearch.
type SearchResult struct {
	Query    string
	Profiles []models.Profile
	Err      error
}

// ProfileSearch runs SearchProfiles for the last query typed after the
// search has been quiet for SearchDebounce.
type ProfileSearch struct {
	client    *Client
	debouncer *debounce.Debouncer
	onResult  func(SearchResult)

	mu   sync.Mutex
	last string
}

func (c *Client) NewProfileSearch(onResult func(SearchResult)) *ProfileSearch {
	return &ProfileSearch{
		client:    c,
		debouncer: debounce.New(c.cfg.SearchDebounce),
		onResult:  onResult,
	}
}

// Type records query as the latest input. A blank query cancels the pending
// search and reports an empty result at once.
func (s *ProfileSearch) Type(query string) {
	query = strings.TrimSpace(query)

	s.mu.Lock()
	s.last = query
	s.mu.Unlock()

	if query == "" {
		s.debouncer.Stop()
		s.onResult(SearchResult{})
		return
	}

	s.debouncer.Trigger(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.client.cfg.RefetchTimeout)
		defer cancel()

		profiles, err := s.client.SearchProfiles(ctx, query)

		s.mu.Lock()
		stale := s.last != query
		s.mu.Unlock()
		if stale {
			return
		}
		s.onResult(SearchResult{Query: query, Profiles: profiles, Err: err})
	})
}

// Stop cancels the pending search.
func (s *ProfileSearch) Stop() {
	s.debouncer.Stop()
}
