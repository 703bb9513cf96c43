package bearerauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexe-app/lexe-node/infrastructure/testutil"
)

func newTestServer(t *testing.T, onRequest func()) *httptest.Server {
	t.Helper()
	return testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		onRequest()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(authResponse{
			Token:    "tok-1",
			ExpiryMs: time.Now().Add(time.Hour).UnixMilli(),
		})
	}))
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(url, priv, "regtest", nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTokenMintsAndCaches(t *testing.T) {
	var calls int32
	srv := newTestServer(t, func() { atomic.AddInt32(&calls, 1) })
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	tok1, err := c.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tok2, err := c.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != "tok-1" || tok2 != "tok-1" {
		t.Fatalf("unexpected tokens: %q %q", tok1, tok2)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one backend call, got %d", calls)
	}
}

func TestTokenSingleFlightsConcurrentCallers(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(authResponse{Token: "tok-1", ExpiryMs: time.Now().Add(time.Hour).UnixMilli()})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.Token(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly one backend call across %d concurrent callers, got %d", n, calls)
	}
}

func TestTokenRejectsNonOKStatus(t *testing.T) {
	srv := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("denied"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Token(context.Background()); err == nil {
		t.Error("expected error for non-200 response")
	}
}
