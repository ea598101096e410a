package forecast

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/agrisense/mandicast/internal/api"
)

// resolverTo returns a client whose DNS lookups always yield the given
// addresses, so validation can be tested without real name resolution.
func resolverTo(ips ...string) *ExternalClient {
	c := NewExternalClient()
	c.resolve = func(context.Context, string) ([]net.IP, error) {
		var out []net.IP
		for _, s := range ips {
			out = append(out, net.ParseIP(s))
		}
		return out, nil
	}
	return c
}

func TestValidateSourceURL_Rejections(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"plain http", "http://forecasts.example.com/v1"},
		{"ftp scheme", "ftp://forecasts.example.com/v1"},
		{"missing host", "https:///v1"},
		{"malformed", "https://%zz"},
		{"loopback literal", "https://127.0.0.1/v1"},
		{"ipv6 loopback", "https://[::1]/v1"},
		{"private 10", "https://10.0.0.8/v1"},
		{"private 172", "https://172.16.4.2/v1"},
		{"private 192", "https://192.168.1.1/v1"},
		{"link local", "https://169.254.0.5/v1"},
		{"metadata service", "https://169.254.169.254/latest/meta-data"},
		{"unspecified", "https://0.0.0.0/v1"},
	}

	c := resolverTo("203.0.113.10")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ValidateSourceURL(context.Background(), tt.url)
			if err == nil {
				t.Fatalf("%s accepted", tt.url)
			}
			if !api.IsValidation(err) {
				t.Errorf("error for %s is %T, want a validation error", tt.url, err)
			}
		})
	}
}

func TestValidateSourceURL_ResolvedAddressBlocked(t *testing.T) {
	// Hostname looks public but resolves into a private range. Validation
	// must act on the resolved addresses, not the name.
	c := resolverTo("203.0.113.10", "10.0.0.8")

	err := c.ValidateSourceURL(context.Background(), "https://forecasts.example.com/v1")
	if !api.IsValidation(err) {
		t.Fatalf("dns-rebound URL accepted, err = %v", err)
	}
}

func TestValidateSourceURL_ResolveFailure(t *testing.T) {
	c := NewExternalClient()
	c.resolve = func(context.Context, string) ([]net.IP, error) {
		return nil, errors.New("no such host")
	}

	err := c.ValidateSourceURL(context.Background(), "https://nonexistent.example.com/v1")
	if !api.IsValidation(err) {
		t.Fatalf("unresolvable host accepted, err = %v", err)
	}
}

func TestValidateSourceURL_AllowsPublicSource(t *testing.T) {
	c := resolverTo("203.0.113.10")
	if err := c.ValidateSourceURL(context.Background(), "https://forecasts.example.com/v1"); err != nil {
		t.Fatalf("public https source rejected: %v", err)
	}

	c2 := NewExternalClient()
	if err := c2.ValidateSourceURL(context.Background(), "https://203.0.113.10/v1"); err != nil {
		t.Fatalf("public IP literal rejected: %v", err)
	}
}
