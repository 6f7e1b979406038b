package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/guregu/null/v6"
	"vodum/internal/models"
)

var (
	ErrMissingConfig   = errors.New("missing provider configuration")
	ErrUnsupportedType = errors.New("unsupported provider type")
)

// Provider talks to one media server.
type Provider interface {
	Name() string
	// ActiveSessions returns the playbacks currently running on the server.
	ActiveSessions(ctx context.Context) ([]Session, error)
	// SendSessionMessage shows a message on the client. It returns false when the server has no
	// way to do it.
	SendSessionMessage(ctx context.Context, sessionKey, title, text string) (bool, error)
	TerminateSession(ctx context.Context, sessionKey, reason string) error
	Ping(ctx context.Context) error
}

// Session is a playback normalized across providers.
type Session struct {
	Provider       string
	SessionKey     string
	ExternalUserID string
	Username       string
	MediaKey       string
	// MediaType is one of movie, serie, music, other
	MediaType   string
	Title       string
	State       string
	ProgressMs  null.Int
	DurationMs  null.Int
	IsTranscode bool
	PlayMethod  string
	Bitrate     null.Int
	VideoCodec  string
	AudioCodec  string
	Client      string
	Device      string
	IP          string
	RawJSON     string
}

// Config is the connection information of a server, cleaned up from its database row.
type Config struct {
	ID               int64
	Type             string
	URL              string
	LocalURL         string
	PublicURL        string
	Token            string
	ServerIdentifier string
	SettingsJSON     string
}

var invalidLiterals = map[string]bool{"": true, "none": true, "null": true, "undefined": true}

func clean(s null.String) string {
	v := strings.TrimSpace(s.ValueOrZero())
	if invalidLiterals[strings.ToLower(v)] {
		return ""
	}
	return v
}

func ConfigFromServer(server models.Server) Config {
	return Config{
		ID:               server.ID,
		Type:             strings.ToLower(strings.TrimSpace(server.Type)),
		URL:              clean(server.URL),
		LocalURL:         clean(server.LocalURL),
		PublicURL:        clean(server.PublicURL),
		Token:            clean(server.Token),
		ServerIdentifier: clean(server.ServerIdentifier),
		SettingsJSON:     clean(server.SettingsJSON),
	}
}

// CandidateBases lists the base URLs to try, in order url, local_url, public_url. Entries without
// an http(s) scheme are skipped.
func (c Config) CandidateBases() []string {
	var bases []string
	seen := make(map[string]bool)
	for _, u := range []string{c.URL, c.LocalURL, c.PublicURL} {
		b := strings.TrimRight(strings.TrimSpace(u), "/")
		if invalidLiterals[strings.ToLower(b)] {
			continue
		}
		if !strings.HasPrefix(b, "http://") && !strings.HasPrefix(b, "https://") {
			continue
		}
		if seen[b] {
			continue
		}
		seen[b] = true
		bases = append(bases, b)
	}
	return bases
}

func (c Config) validate(name string) error {
	if len(c.CandidateBases()) == 0 {
		return fmt.Errorf("%w: %s server %d has no usable URL", ErrMissingConfig, name, c.ID)
	}
	if c.Token == "" {
		return fmt.Errorf("%w: %s server %d has no token", ErrMissingConfig, name, c.ID)
	}
	return nil
}

// Constructor builds a provider. A nil client means the provider's default.
type Constructor func(cfg Config, client *http.Client) (Provider, error)

type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	client       *http.Client
}

// NewRegistry returns a registry knowing plex and jellyfin.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register(models.ProviderPlex, NewPlex)
	r.Register(models.ProviderJellyfin, NewJellyfin)
	return r
}

func (r *Registry) Register(typ string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.ToLower(typ)] = c
}

// WithClient sets the HTTP client handed to every constructor.
func (r *Registry) WithClient(client *http.Client) *Registry {
	r.client = client
	return r
}

func (r *Registry) For(server models.Server) (Provider, error) {
	cfg := ConfigFromServer(server)

	r.mu.RLock()
	ctor, ok := r.constructors[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, server.Type)
	}
	return ctor(cfg, r.client)
}

// Supports reports whether a server type has an adapter.
func (r *Registry) Supports(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[strings.ToLower(typ)]
	return ok
}

// IsConfigError reports errors caused by the server's configuration rather than its availability.
func IsConfigError(err error) bool {
	if errors.Is(err, ErrMissingConfig) || errors.Is(err, ErrUnsupportedType) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
	}
	return false
}
