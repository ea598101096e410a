package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/agrisense/mandicast/internal/api"
)

// ExternalTimeout bounds the optional external forecast-source call. On
// expiry the statistical path proceeds immediately; the external source is
// never retried.
const ExternalTimeout = 10 * time.Second

// ExternalClient proxies forecast requests to a caller-supplied source.
// Failures are recoverable: callers treat a failed call as "fall through to
// the statistical method".
type ExternalClient struct {
	client  *http.Client
	resolve func(ctx context.Context, host string) ([]net.IP, error)
}

// NewExternalClient builds a client with the hard timeout and no redirect
// following (a redirect could escape the address validation below).
func NewExternalClient() *ExternalClient {
	return &ExternalClient{
		client: &http.Client{
			Timeout: ExternalTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		resolve: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
	}
}

// ValidateSourceURL rejects URLs that do not use secure transport or that
// point at loopback, private, link-local, or metadata-service addresses.
// It runs before any request is attempted and returns a ValidationError so
// the caller sees a 4xx, never a silent internal dial.
func (c *ExternalClient) ValidateSourceURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &api.ValidationError{Field: "external_source_url", Reason: "malformed URL"}
	}
	if u.Scheme != "https" {
		return &api.ValidationError{Field: "external_source_url", Reason: "only https sources are allowed"}
	}
	host := u.Hostname()
	if host == "" {
		return &api.ValidationError{Field: "external_source_url", Reason: "missing host"}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := c.resolve(ctx, host)
	if err != nil || len(ips) == 0 {
		return &api.ValidationError{Field: "external_source_url", Reason: "host does not resolve"}
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// checkIP rejects loopback, private, link-local, unspecified, and cloud
// metadata addresses.
func checkIP(ip net.IP) error {
	blocked := ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.Equal(net.ParseIP("169.254.169.254"))
	if blocked {
		return &api.ValidationError{
			Field:  "external_source_url",
			Reason: fmt.Sprintf("address %s is not routable from this service", ip),
		}
	}
	return nil
}

// TryExternal posts the request to the external source and decodes a
// ForecastResponse. Any error is an UpstreamUnavailableError: the caller
// falls back to the statistical path and the end caller never sees it.
func (c *ExternalClient) TryExternal(ctx context.Context, sourceURL string, req *api.ForecastRequest) (*api.ForecastResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &api.UpstreamUnavailableError{URL: sourceURL, Reason: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, ExternalTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, sourceURL, bytes.NewReader(body))
	if err != nil {
		return nil, &api.UpstreamUnavailableError{URL: sourceURL, Reason: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &api.UpstreamUnavailableError{URL: sourceURL, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &api.UpstreamUnavailableError{
			URL:    sourceURL,
			Reason: fmt.Sprintf("status %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &api.UpstreamUnavailableError{URL: sourceURL, Reason: err.Error()}
	}

	var out api.ForecastResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &api.UpstreamUnavailableError{URL: sourceURL, Reason: "malformed response"}
	}
	if !out.Success || len(out.Forecasts) == 0 {
		return nil, &api.UpstreamUnavailableError{URL: sourceURL, Reason: "unusable response"}
	}

	out.Source = "external"
	return &out, nil
}
