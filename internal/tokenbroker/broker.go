// Package tokenbroker implements the Docker Registry v2 bearer-token
// challenge/response dance: parsing a Www-Authenticate challenge, fetching a
// token from its realm, and caching it per (mirror, scope). The bounded
// cache shape is grounded on the teacher's accelerator LRU cache
// (internal/accelerator/cache.go); coalescing concurrent fetches for the
// same scope uses golang.org/x/sync/singleflight, which the teacher's own
// cache does not do.
package tokenbroker

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"cyp-registry-proxy/internal/proxyerr"
	"cyp-registry-proxy/pkg/metrics"
)

const cacheSize = 4096

const defaultTokenTTL = 60 * time.Second

// expirySafetyMargin keeps a cached token from being handed out so close to
// expiry that it dies in flight; tokens within this margin of expiresAt are
// treated as already expired.
const expirySafetyMargin = 30 * time.Second

// Challenge is a parsed Www-Authenticate: Bearer header.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

var challengeParamRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseChallenge parses a Www-Authenticate header value of the form
// `Bearer realm="...",service="...",scope="..."`. It returns false if the
// header does not describe a Bearer challenge.
func ParseChallenge(header string) (Challenge, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return Challenge{}, false
	}
	var c Challenge
	for _, m := range challengeParamRe.FindAllStringSubmatch(header, -1) {
		switch m[1] {
		case "realm":
			c.Realm = m[2]
		case "service":
			c.Service = m[2]
		case "scope":
			c.Scope = m[2]
		}
	}
	return c, c.Realm != ""
}

type cacheEntry struct {
	token     string
	expiresAt time.Time
}

type cacheKey struct {
	mirrorID int64
	scope    string
}

// Broker fetches and caches bearer tokens.
type Broker struct {
	cache   *lru.Cache[cacheKey, cacheEntry]
	group   singleflight.Group
	client  *http.Client
	metrics *metrics.Metrics
}

// New constructs a Broker with a bounded LRU token cache.
func New(m *metrics.Metrics) (*Broker, error) {
	c, err := lru.New[cacheKey, cacheEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("tokenbroker: new cache: %w", err)
	}
	return &Broker{
		cache:   c,
		client:  &http.Client{Timeout: 10 * time.Second},
		metrics: m,
	}, nil
}

// Token returns a valid bearer token for the given challenge, serving from
// cache when available and coalescing concurrent fetches for the same
// (mirrorID, scope) so a burst of requests for the same scope issues a
// single realm round trip.
func (b *Broker) Token(mirrorID int64, c Challenge) (string, error) {
	key := cacheKey{mirrorID: mirrorID, scope: c.Scope}

	if entry, ok := b.cache.Get(key); ok && time.Now().Before(entry.expiresAt.Add(-expirySafetyMargin)) {
		return entry.token, nil
	}

	v, err, _ := b.group.Do(fmt.Sprintf("%d|%s", mirrorID, c.Scope), func() (any, error) {
		entry, err := b.fetch(c)
		if err != nil {
			b.observe("error")
		} else {
			b.observe("fetched")
		}
		return entry, err
	})
	if err != nil {
		return "", proxyerr.New(proxyerr.AuthFailure, err)
	}
	entry := v.(cacheEntry)
	b.cache.Add(key, entry)
	return entry.token, nil
}

func (b *Broker) observe(outcome string) {
	if b.metrics != nil {
		b.metrics.TokenFetchesTotal.WithLabelValues(outcome).Inc()
	}
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (b *Broker) fetch(c Challenge) (cacheEntry, error) {
	req, err := http.NewRequest(http.MethodGet, c.Realm, nil)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("build token request: %w", err)
	}
	q := req.URL.Query()
	if c.Service != "" {
		q.Set("service", c.Service)
	}
	if c.Scope != "" {
		q.Set("scope", c.Scope)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := b.client.Do(req)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("realm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cacheEntry{}, fmt.Errorf("realm returned status %s", strconv.Itoa(resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("read realm response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return cacheEntry{}, fmt.Errorf("decode realm response: %w", err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return cacheEntry{}, fmt.Errorf("realm response carried no token")
	}

	ttl := defaultTokenTTL
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	return cacheEntry{token: token, expiresAt: time.Now().Add(ttl)}, nil
}
