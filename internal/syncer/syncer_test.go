package syncer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/ralt/crosspkg/internal/catalog"
	"github.com/ralt/crosspkg/internal/constraint"
	"github.com/ralt/crosspkg/internal/fetch"
	"github.com/ralt/crosspkg/internal/models"
	"github.com/ralt/crosspkg/internal/verify"
	"github.com/ralt/crosspkg/internal/version"
)

const packagesIndex = `Package: editor
Version: 2.0-1
Architecture: amd64
Filename: pool/main/e/editor_2.0-1_amd64.deb
SHA256: aa11
Description: modal text editor

Package: libterm
Version: 1.2
Architecture: amd64
Filename: pool/main/l/libterm_1.2_amd64.deb
SHA256: bb22
Description: terminal handling library
`

func openTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testFetcher(t *testing.T) *fetch.Fetcher {
	t.Helper()
	f := fetch.NewFetcher(fetch.WithMaxRetries(0), fetch.WithBaseDelay(time.Millisecond))
	t.Cleanup(f.Close)
	return f
}

func testTarget(t *testing.T, s *catalog.Store, baseURL string) Target {
	t.Helper()
	ctx := context.Background()
	repo, err := s.AddRepository(ctx, "main", baseURL, models.FormatDeb, 0)
	if err != nil {
		t.Fatalf("AddRepository failed: %v", err)
	}
	comp, err := s.AddComponent(ctx, repo, baseURL+"/dists/stable/main/binary-amd64", "stable", "main", "amd64")
	if err != nil {
		t.Fatalf("AddComponent failed: %v", err)
	}
	return Target{Repo: repo, Components: []models.Component{comp}}
}

func countEditor(t *testing.T, s *catalog.Store) int {
	t.Helper()
	term := constraint.Term{Name: "editor", Eco: version.EcosystemDeb}
	pkgs, err := s.FindPackages(context.Background(), term, "amd64", 0)
	if err != nil {
		t.Fatalf("FindPackages failed: %v", err)
	}
	return len(pkgs)
}

func TestSyncStaleThenUnchanged(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(packagesIndex))
	}))
	defer srv.Close()

	s := openTestStore(t)
	target := testTarget(t, s, srv.URL)
	sy := New(s, testFetcher(t), 2)

	results, err := sy.Sync(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(results) != 1 || results[0].State != StateStale {
		t.Fatalf("first sync = %+v, want StateStale", results)
	}
	if results[0].Packages != 2 {
		t.Errorf("ingested %d packages, want 2", results[0].Packages)
	}
	if countEditor(t, s) != 1 {
		t.Fatal("package not queryable after sync")
	}

	results, err = sy.Sync(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if results[0].State != StateUnchanged {
		t.Fatalf("second sync state = %v, want StateUnchanged", results[0].State)
	}
	if countEditor(t, s) != 1 {
		t.Error("rows changed on an unchanged sync")
	}
}

func TestSyncFreshnessWindowSkipsNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write([]byte(packagesIndex))
	}))
	defer srv.Close()

	s := openTestStore(t)
	target := testTarget(t, s, srv.URL)
	sy := New(s, testFetcher(t), 2)

	if _, err := sy.Sync(context.Background(), []Target{target}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	results, err := sy.Sync(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if results[0].State != StateUnchanged {
		t.Fatalf("state = %v, want StateUnchanged inside the freshness window", results[0].State)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("server hit %d times, want 1 (second sync must not touch the network)", got)
	}
}

func TestSyncFailureIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/broken/") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(packagesIndex))
	}))
	defer srv.Close()

	s := openTestStore(t)
	ctx := context.Background()
	repo, err := s.AddRepository(ctx, "main", srv.URL, models.FormatDeb, 0)
	if err != nil {
		t.Fatalf("AddRepository failed: %v", err)
	}
	good, err := s.AddComponent(ctx, repo, srv.URL+"/good", "stable", "main", "amd64")
	if err != nil {
		t.Fatalf("AddComponent failed: %v", err)
	}
	broken, err := s.AddComponent(ctx, repo, srv.URL+"/broken", "stable", "broken", "amd64")
	if err != nil {
		t.Fatalf("AddComponent failed: %v", err)
	}

	sy := New(s, testFetcher(t), 2)
	results, err := sy.Sync(ctx, []Target{{Repo: repo, Components: []models.Component{good, broken}}})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	states := make(map[int64]ComponentResult)
	for _, r := range results {
		states[r.Component.ID] = r
	}
	if states[good.ID].State != StateStale || states[good.ID].Err != nil {
		t.Errorf("good component = %+v, want clean StateStale", states[good.ID])
	}
	if states[broken.ID].State == StateStale || states[broken.ID].Err == nil {
		t.Errorf("broken component = %+v, want recorded failure", states[broken.ID])
	}
	if countEditor(t, s) != 1 {
		t.Error("good component's packages missing after partial failure")
	}
}

func TestSyncVerifiedDocument(t *testing.T) {
	entity, err := openpgp.NewEntity("release", "", "release@example.org", nil)
	if err != nil {
		t.Fatalf("NewEntity failed: %v", err)
	}
	var sig bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&sig, entity, bytes.NewReader([]byte(packagesIndex)), nil); err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/dists/stable/main/binary-amd64/Packages":
			w.Write([]byte(packagesIndex))
		case r.URL.Path == "/dists/stable/main/binary-amd64/Packages.asc":
			w.Write(sig.Bytes())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := openTestStore(t)
	target := testTarget(t, s, srv.URL)
	target.Verifier = verify.NewVerifierFromKeyring(openpgp.EntityList{entity})

	sy := New(s, testFetcher(t), 2)
	results, err := sy.Sync(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if results[0].State != StateStale || results[0].Err != nil {
		t.Fatalf("result = %+v, want verified StateStale", results[0])
	}
	if countEditor(t, s) != 1 {
		t.Error("verified document not ingested")
	}
}

func TestSyncFailedVerificationDiscards(t *testing.T) {
	trusted, err := openpgp.NewEntity("trusted", "", "trusted@example.org", nil)
	if err != nil {
		t.Fatalf("NewEntity failed: %v", err)
	}
	rogue, err := openpgp.NewEntity("rogue", "", "rogue@example.org", nil)
	if err != nil {
		t.Fatalf("NewEntity failed: %v", err)
	}
	var sig bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&sig, rogue, bytes.NewReader([]byte(packagesIndex)), nil); err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dists/stable/main/binary-amd64/Packages":
			w.Header().Set("ETag", `"v1"`)
			w.Write([]byte(packagesIndex))
		case "/dists/stable/main/binary-amd64/Packages.asc":
			w.Write(sig.Bytes())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := openTestStore(t)
	target := testTarget(t, s, srv.URL)
	target.Verifier = verify.NewVerifierFromKeyring(openpgp.EntityList{trusted})

	sy := New(s, testFetcher(t), 2)
	results, err := sy.Sync(context.Background(), []Target{target})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if results[0].Err == nil || results[0].State == StateStale {
		t.Fatalf("result = %+v, want discarded document", results[0])
	}
	if countEditor(t, s) != 0 {
		t.Error("unverified document was ingested")
	}

	// Validators must not be memoized for a discarded document, or the
	// next sync would skip the re-download.
	indexURL := target.Components[0].URL + "/Packages"
	_, found, err := s.DownloadRecord(context.Background(), indexURL)
	if err != nil {
		t.Fatalf("DownloadRecord failed: %v", err)
	}
	if found {
		t.Error("validators stored for a document that failed verification")
	}
}
