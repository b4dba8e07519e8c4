package geoip

import (
	"errors"
	"net"
	"testing"
)

func TestOpenBlankPath(t *testing.T) {
	r, err := Open("  ")
	if err != nil || r != nil {
		t.Fatalf("Open(blank) = %v, %v; want nil, nil", r, err)
	}
	if _, err := r.Country("8.8.8.8"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("nil resolver error = %v, want ErrUnavailable", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() on nil resolver: %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open("/nonexistent/GeoLite2-Country.mmdb"); err == nil {
		t.Fatal("expected error for a missing database")
	}
}

func TestRoutable(t *testing.T) {
	cases := map[string]bool{
		"10.1.2.3":    false,
		"192.168.0.1": false,
		"127.0.0.1":   false,
		"::1":         false,
		"0.0.0.0":     false,
		"169.254.1.1": false,
		"8.8.8.8":     true,
		"2001:4860::": true,
	}
	for ip, want := range cases {
		if got := routable(net.ParseIP(ip)); got != want {
			t.Errorf("routable(%s) = %v, want %v", ip, got, want)
		}
	}
}
