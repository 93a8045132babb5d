// ABOUTME: User Directory client and LRU-cached participant profile resolver
// ABOUTME: Lookups that miss the cache run off the loop and post results back

package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/2389/ums-session/internal/protocol"
)

// Profile is a participant's display identity.
type Profile struct {
	ID       string
	Nickname string
	Avatar   string
	// Fallback is set when the profile is a placeholder label, not directory data.
	Fallback bool
}

// Fallback returns the placeholder shown until, or instead of, a directory profile.
func Fallback(id, role string) Profile {
	label := "Agent"
	switch role {
	case protocol.RoleConsumer:
		label = "You"
	case protocol.RoleManager:
		label = "Manager"
	case protocol.RoleController:
		label = "Bot"
	case protocol.RoleReader:
		label = "Observer"
	}
	return Profile{ID: id, Nickname: label, Fallback: true}
}

// Source fetches one profile from the directory backend.
type Source interface {
	Fetch(ctx context.Context, id string) (Profile, error)
}

// HTTPSource reads profiles from the account's user directory.
type HTTPSource struct {
	baseURL   string
	accountID string
	token     func() string
	client    *http.Client
}

// NewHTTPSource creates a directory client. token supplies the bearer credential at
// request time so refreshed credentials are picked up.
func NewHTTPSource(domain, accountID string, token func() string, timeout time.Duration) *HTTPSource {
	base := strings.TrimSuffix(domain, "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &HTTPSource{
		baseURL:   base,
		accountID: accountID,
		token:     token,
		client:    &http.Client{Timeout: timeout},
	}
}

type userResponse struct {
	ID         json.Number `json:"id"`
	Nickname   string      `json:"nickname"`
	FullName   string      `json:"fullName"`
	PictureURL string      `json:"pictureUrl"`
}

// Fetch returns the profile for a participant id.
func (s *HTTPSource) Fetch(ctx context.Context, id string) (Profile, error) {
	endpoint := fmt.Sprintf("%s/api/account/%s/configuration/le-users/users/%s",
		s.baseURL, url.PathEscape(s.accountID), url.PathEscape(userKey(id)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != nil {
		if tok := s.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Profile{}, fmt.Errorf("directory returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var u userResponse
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return Profile{}, fmt.Errorf("decoding user: %w", err)
	}
	nickname := u.Nickname
	if nickname == "" {
		nickname = u.FullName
	}
	return Profile{ID: id, Nickname: nickname, Avatar: u.PictureURL}, nil
}

// userKey strips the "<account>." prefix participant ids carry.
func userKey(id string) string {
	if i := strings.LastIndexByte(id, '.'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Resolver caches profiles and resolves misses in the background.
type Resolver struct {
	src     Source
	cache   *lru.Cache
	post    func(func())
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a resolver holding up to size profiles. post runs a callback on
// the session loop. Pass nil logger for default.
func NewResolver(src Source, size int, post func(func()), timeout time.Duration, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating profile cache: %w", err)
	}
	return &Resolver{
		src:     src,
		cache:   cache,
		post:    post,
		timeout: timeout,
		logger:  logger.With("component", "directory"),
	}, nil
}

// Lookup calls done with the participant's profile. A cached profile is delivered
// synchronously; a miss is fetched on another goroutine and delivered through post.
// Failed fetches are logged and done is not called, so the fallback label stays.
func (r *Resolver) Lookup(id string, done func(Profile)) {
	if val, ok := r.cache.Get(id); ok {
		done(val.(Profile))
		return
	}
	if r.src == nil {
		return
	}

	go func() {
		ctx := context.Background()
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		p, err := r.src.Fetch(ctx, id)
		if err != nil {
			r.logger.Debug("directory lookup failed", "participant_id", id, "error", err)
			return
		}
		r.cache.Add(id, p)
		r.post(func() { done(p) })
	}()
}

// Cached returns a cached profile without fetching.
func (r *Resolver) Cached(id string) (Profile, bool) {
	val, ok := r.cache.Get(id)
	if !ok {
		return Profile{}, false
	}
	return val.(Profile), true
}
