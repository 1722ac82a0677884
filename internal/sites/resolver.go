// Package sites maps request hosts and paths to registered sites.
package sites

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/laurikarhu/stealth-gate/internal/models"
)

// maxCachedHosts bounds the number of hosts kept in the resolver cache
const maxCachedHosts = 1024

// Lookup lists the sites registered under a host
type Lookup interface {
	ListSitesByHost(ctx context.Context, host string) ([]*models.Site, error)
}

// Resolver resolves sites with a short in-process cache of every site per
// host. Requests for hosts that are not registered resolve to the fallback site.
type Resolver struct {
	lookup   Lookup
	fallback *models.Site
	cache    *expirable.LRU[string, []*models.Site]
}

// NewResolver creates a resolver. fallback may be nil, ttl <= 0 disables caching.
func NewResolver(lookup Lookup, fallback *models.Site, ttl time.Duration) *Resolver {
	r := &Resolver{lookup: lookup, fallback: fallback}
	if ttl > 0 {
		r.cache = expirable.NewLRU[string, []*models.Site](maxCachedHosts, nil, ttl)
	}
	return r
}

// ResolveSite returns the site whose path is the longest prefix of path on
// host. When the lookup fails the fallback site is returned with the error.
func (r *Resolver) ResolveSite(ctx context.Context, host, path string) (*models.Site, error) {
	host = normalizeHost(host)

	sites, err := r.sitesOf(ctx, host)
	if err != nil {
		return r.fallback, err
	}
	if site := longestMatch(sites, path); site != nil {
		return site, nil
	}
	return r.fallback, nil
}

// Forget drops all cached hosts
func (r *Resolver) Forget() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

func (r *Resolver) sitesOf(ctx context.Context, host string) ([]*models.Site, error) {
	if r.cache != nil {
		if sites, ok := r.cache.Get(host); ok {
			return sites, nil
		}
	}

	sites, err := r.lookup.ListSitesByHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Add(host, sites)
	}
	return sites, nil
}

// longestMatch picks the site with the deepest path containing p
func longestMatch(sites []*models.Site, p string) *models.Site {
	var best *models.Site
	for _, s := range sites {
		if !containsPath(s.Path, p) {
			continue
		}
		if best == nil || len(s.Path) > len(best.Path) {
			best = s
		}
	}
	return best
}

// containsPath reports whether request path p lies under site path base
func containsPath(base, p string) bool {
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		return true
	}
	return p == base || strings.HasPrefix(p, base+"/")
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
