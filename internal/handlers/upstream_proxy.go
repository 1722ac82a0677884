package handlers

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/laurikarhu/stealth-gate/internal/middleware"
	"github.com/rs/zerolog/log"
)

// UpstreamProxyHandler forwards requests the gate let through to the CMS
type UpstreamProxyHandler struct {
	upstream *url.URL
	client   *http.Client
}

// NewUpstreamProxyHandler creates a proxy to the CMS at upstreamURL
func NewUpstreamProxyHandler(upstreamURL string) (*UpstreamProxyHandler, error) {
	u, err := url.Parse(strings.TrimSuffix(upstreamURL, "/"))
	if err != nil {
		return nil, err
	}
	return &UpstreamProxyHandler{
		upstream: u,
		client: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse // Redirects are the browser's business
			},
		},
	}, nil
}

// ServeHTTP proxies the request to the upstream
func (h *UpstreamProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := *h.upstream
	target.Path = h.upstream.Path + r.URL.Path
	target.RawQuery = r.URL.RawQuery

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create proxy request")
		http.Error(w, "Failed to create request", http.StatusInternalServerError)
		return
	}
	proxyReq.ContentLength = r.ContentLength

	copyHeaders(proxyReq.Header, r.Header)

	if clientIP := getClientIP(r); clientIP != "" {
		proxyReq.Header.Set("X-Forwarded-For", clientIP)
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)
	proxyReq.Header.Set("X-Forwarded-Proto", getProto(r))
	proxyReq.Host = r.Host

	resp, err := h.client.Do(proxyReq)
	if err != nil {
		log.Error().Err(err).Str("url", target.String()).Msg("Upstream request failed")
		http.Error(w, "Upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	if loc := resp.Header.Get("Location"); loc != "" {
		w.Header().Set("Location", h.rewriteLocation(loc))
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("Upstream response copy interrupted")
	}
}

// rewriteLocation turns absolute redirects to the internal upstream address
// into site-relative ones. Other locations pass unchanged.
func (h *UpstreamProxyHandler) rewriteLocation(loc string) string {
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() {
		return loc
	}
	if !strings.EqualFold(u.Scheme, h.upstream.Scheme) || !strings.EqualFold(u.Host, h.upstream.Host) {
		return loc
	}

	p := u.Path
	if base := h.upstream.Path; base != "" {
		if p != base && !strings.HasPrefix(p, base+"/") {
			return loc
		}
		p = strings.TrimPrefix(p, base)
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	rel := url.URL{Path: p, RawQuery: u.RawQuery, Fragment: u.Fragment}
	return rel.String()
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// isHopByHopHeader returns true if the header is a hop-by-hop header
func isHopByHopHeader(header string) bool {
	switch http.CanonicalHeaderKey(header) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

// getProto returns the protocol (http or https) from the request
func getProto(r *http.Request) string {
	if middleware.IsTLS(r) {
		return "https"
	}
	return "http"
}
