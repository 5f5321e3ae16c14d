package mlabns

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestQueryHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ndt_ssl" {
			t.Errorf("got path %q, want /ndt_ssl", r.URL.Path)
		}
		json.NewEncoder(w).Encode(lookupResult{FQDN: "ndt-iupui-mlab1-lga05.measurement-lab.org"})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Tool: "ndt_ssl"}
	fqdn, err := c.Query(context.Background())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if fqdn != "ndt-iupui-mlab1-lga05.measurement-lab.org" {
		t.Errorf("fqdn = %q", fqdn)
	}
}

func TestQueryEmptyFQDNIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(lookupResult{})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Tool: "ndt_ssl"}
	if _, err := c.Query(context.Background()); err == nil {
		t.Fatal("expected an error for an empty fqdn")
	}
}

func TestQueryAllAcceptsArrayResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]lookupResult{
			{FQDN: "ndt-a.measurement-lab.org"},
			{FQDN: "ndt-b.measurement-lab.org"},
		})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Tool: "ndt_ssl"}
	candidates, err := c.QueryAll(context.Background())
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	want := []string{"ndt-a.measurement-lab.org", "ndt-b.measurement-lab.org"}
	if len(candidates) != len(want) {
		t.Fatalf("got %v, want %v", candidates, want)
	}
	for i := range want {
		if candidates[i] != want[i] {
			t.Fatalf("got %v, want %v", candidates, want)
		}
	}
}

func TestQueryAllAcceptsSingletonResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(lookupResult{FQDN: "ndt-solo.measurement-lab.org"})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Tool: "ndt_ssl"}
	candidates, err := c.QueryAll(context.Background())
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if len(candidates) != 1 || candidates[0] != "ndt-solo.measurement-lab.org" {
		t.Fatalf("got %v", candidates)
	}
}

func TestQueryNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Tool: "ndt_ssl"}
	if _, err := c.Query(context.Background()); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
