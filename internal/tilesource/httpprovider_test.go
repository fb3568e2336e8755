package tilesource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExpandTileURL(t *testing.T) {
	got := expandTileURL("https://imagery.example.com/{year}/{z}/{y}/{x}.jpeg", 2021, 18, 100, 200)
	want := "https://imagery.example.com/2021/18/200/100.jpeg"
	if got != want {
		t.Errorf("expandTileURL = %q, want %q", got, want)
	}
}

func TestHTTPProviderName(t *testing.T) {
	p := NewHTTPProvider("https://imagery.example.com/{year}/{z}/{y}/{x}.jpeg", 2021)
	if p.Name() != "http:2021" {
		t.Errorf("Name() = %q, want %q", p.Name(), "http:2021")
	}
}

func TestHTTPProviderFetchTileOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/{year}/{z}/{y}/{x}.jpeg", 2021)
	body, err := p.FetchTile(context.Background(), 18, 1, 2)
	if err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if string(body) != "tile-bytes" {
		t.Errorf("FetchTile body = %q, want %q", body, "tile-bytes")
	}
}

func TestHTTPProviderFetchTileNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/{year}/{z}/{y}/{x}.jpeg", 2021)
	_, err := p.FetchTile(context.Background(), 18, 1, 2)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}

	var permErr *PermanentError
	if !errors.As(err, &permErr) {
		t.Errorf("expected a *PermanentError, got %T: %v", err, err)
	}
}

func TestHTTPProviderFetchTileAuthFailureIsPermanent(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		p := NewHTTPProvider(srv.URL+"/{year}/{z}/{y}/{x}.jpeg", 2021)
		_, err := p.FetchTile(context.Background(), 18, 1, 2)
		srv.Close()

		if err == nil {
			t.Fatalf("expected error for %d response", status)
		}

		var permErr *PermanentError
		if !errors.As(err, &permErr) {
			t.Errorf("status %d: expected a *PermanentError, got %T: %v", status, err, err)
		}
	}
}

func TestHTTPProviderQueryAPIKey(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("api_key")
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/{year}/{z}/{y}/{x}.jpeg", 2021, WithQueryAPIKey("api_key", "shhh"))
	if _, err := p.FetchTile(context.Background(), 18, 1, 2); err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if gotQuery != "shhh" {
		t.Errorf("api_key query param = %q, want %q", gotQuery, "shhh")
	}
}

func TestHTTPProviderHeaderAPIKey(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/{year}/{z}/{y}/{x}.jpeg", 2021, WithHeaderAPIKey("X-Api-Key", "shhh"))
	if _, err := p.FetchTile(context.Background(), 18, 1, 2); err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if gotHeader != "shhh" {
		t.Errorf("X-Api-Key header = %q, want %q", gotHeader, "shhh")
	}
}

func TestHTTPProviderFetchTileServerErrorIsNotPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/{year}/{z}/{y}/{x}.jpeg", 2021)
	_, err := p.FetchTile(context.Background(), 18, 1, 2)
	if err == nil {
		t.Fatal("expected error for 500 response")
	}

	var permErr *PermanentError
	if errors.As(err, &permErr) {
		t.Error("did not expect a 500 response to be classified permanent")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status code in error message, got: %v", err)
	}
}
