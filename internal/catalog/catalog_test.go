package catalog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ralt/crosspkg/internal/constraint"
	"github.com/ralt/crosspkg/internal/models"
	"github.com/ralt/crosspkg/internal/version"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRepo(t *testing.T, s *Store, name string, priority int) (models.Repository, models.Component) {
	t.Helper()
	ctx := context.Background()
	repo, err := s.AddRepository(ctx, name, "https://pkgs.example.com/"+name, models.FormatDeb, priority)
	if err != nil {
		t.Fatalf("AddRepository failed: %v", err)
	}
	comp, err := s.AddComponent(ctx, repo, repo.BaseURL+"/dists/stable/main/binary-amd64", "stable", "main", "amd64")
	if err != nil {
		t.Fatalf("AddComponent failed: %v", err)
	}
	return repo, comp
}

func ingest(t *testing.T, s *Store, repo models.Repository, comp models.Component, recs []models.RawPackageRecord) {
	t.Helper()
	ctx := context.Background()
	u, err := s.BeginUpdate(ctx, repo, comp)
	if err != nil {
		t.Fatalf("BeginUpdate failed: %v", err)
	}
	for _, rec := range recs {
		if err := u.AddPackage(ctx, rec); err != nil {
			u.Rollback()
			t.Fatalf("AddPackage(%s) failed: %v", rec.Name, err)
		}
	}
	if err := u.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func rowCount(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func sampleRecords() []models.RawPackageRecord {
	return []models.RawPackageRecord{
		{
			Name: "editor", Version: "2.0-1", Architecture: "amd64",
			Description: "modal text editor with syntax highlighting",
			Homepage:    "https://editor.example.org",
			Filename:    "pool/main/e/editor_2.0-1_amd64.deb",
			SHA256Sum:   "aa11", Depends: "libterm (>= 1.0)",
			Files: []models.FileEntry{
				{Path: "/usr/bin/editor", Command: "editor"},
				{Path: "/usr/share/doc/editor/changelog.gz"},
			},
		},
		{
			Name: "editor", Version: "1.9-3", Architecture: "amd64",
			Description: "modal text editor with syntax highlighting",
			Filename:    "pool/main/e/editor_1.9-3_amd64.deb",
			SHA256Sum:   "aa10", Depends: "libterm (>= 1.0)",
		},
		{
			Name: "libterm", Version: "1.2", Architecture: "amd64",
			Description: "terminal handling library",
			Filename:    "pool/main/l/libterm_1.2_amd64.deb",
			SHA256Sum:   "bb22", Provides: "terminfo-reader",
		},
		{
			Name: "docs", Version: "1.0", Architecture: "all",
			Description: "offline documentation browser for the modal editor",
			Filename:    "pool/main/d/docs_1.0_all.deb",
			SHA256Sum:   "cc33",
		},
	}
}

func TestIngestIdempotent(t *testing.T) {
	s := openTestStore(t)
	repo, comp := testRepo(t, s, "main", 0)

	ingest(t, s, repo, comp, sampleRecords())
	packages := rowCount(t, s, "packages")
	provisions := rowCount(t, s, "provisions")
	files := rowCount(t, s, "files")
	fts := rowCount(t, s, "packages_fts")

	ingest(t, s, repo, comp, sampleRecords())
	if got := rowCount(t, s, "packages"); got != packages {
		t.Errorf("packages = %d after re-ingest, want %d", got, packages)
	}
	if got := rowCount(t, s, "provisions"); got != provisions {
		t.Errorf("provisions = %d after re-ingest, want %d", got, provisions)
	}
	if got := rowCount(t, s, "files"); got != files {
		t.Errorf("files = %d after re-ingest, want %d", got, files)
	}
	if got := rowCount(t, s, "packages_fts"); got != fts {
		t.Errorf("packages_fts = %d after re-ingest, want %d", got, fts)
	}
}

func TestReplaceOnWriteAtomicity(t *testing.T) {
	s := openTestStore(t)
	repo, comp := testRepo(t, s, "main", 0)
	ingest(t, s, repo, comp, sampleRecords())
	before := rowCount(t, s, "packages")

	// Simulate a failure halfway through an update: a few rows go in,
	// then the transaction is abandoned.
	ctx := context.Background()
	u, err := s.BeginUpdate(ctx, repo, comp)
	if err != nil {
		t.Fatalf("BeginUpdate failed: %v", err)
	}
	if err := u.AddPackage(ctx, models.RawPackageRecord{
		Name: "partial", Version: "0.1", Architecture: "amd64",
		Filename: "pool/p/partial_0.1_amd64.deb",
	}); err != nil {
		t.Fatalf("AddPackage failed: %v", err)
	}
	if err := u.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if got := rowCount(t, s, "packages"); got != before {
		t.Errorf("packages = %d after rollback, want pre-update %d", got, before)
	}
	term := constraint.Term{Name: "partial", Eco: version.EcosystemDeb}
	if pkgs, _ := s.FindPackages(ctx, term, "amd64", 0); len(pkgs) != 0 {
		t.Errorf("rolled-back package visible: %v", pkgs)
	}
	term = constraint.Term{Name: "editor", Eco: version.EcosystemDeb}
	if pkgs, _ := s.FindPackages(ctx, term, "amd64", 0); len(pkgs) != 2 {
		t.Errorf("pre-update rows lost, editor matches = %d, want 2", len(pkgs))
	}
}

func TestConcurrentComponentUpdates(t *testing.T) {
	s := openTestStore(t)
	repoA, compA := testRepo(t, s, "alpha", 0)
	repoB, compB := testRepo(t, s, "beta", 1)

	// Sibling ingests must queue on the writer lock rather than race
	// SQLite's single writer into a busy error.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	ingestOne := func(repo models.Repository, comp models.Component, rec models.RawPackageRecord) {
		defer wg.Done()
		ctx := context.Background()
		u, err := s.BeginUpdate(ctx, repo, comp)
		if err != nil {
			errs <- err
			return
		}
		if err := u.AddPackage(ctx, rec); err != nil {
			u.Rollback()
			errs <- err
			return
		}
		errs <- u.Commit()
	}
	wg.Add(2)
	go ingestOne(repoA, compA, models.RawPackageRecord{
		Name: "one", Version: "1.0", Architecture: "amd64",
		Filename: "pool/o/one_1.0_amd64.deb",
	})
	go ingestOne(repoB, compB, models.RawPackageRecord{
		Name: "two", Version: "1.0", Architecture: "amd64",
		Filename: "pool/t/two_1.0_amd64.deb",
	})
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update failed: %v", err)
		}
	}
	for _, name := range []string{"one", "two"} {
		term := constraint.Term{Name: name, Eco: version.EcosystemDeb}
		if pkgs, _ := s.FindPackages(context.Background(), term, "amd64", 0); len(pkgs) != 1 {
			t.Errorf("%s missing after concurrent updates", name)
		}
	}
}

func TestCascadingDelete(t *testing.T) {
	s := openTestStore(t)
	repo, comp := testRepo(t, s, "main", 0)
	ingest(t, s, repo, comp, sampleRecords())
	s.ResolveDependencyEdges(context.Background(), repo, comp)

	if err := s.DeleteRepository(context.Background(), "main"); err != nil {
		t.Fatalf("DeleteRepository failed: %v", err)
	}
	for _, table := range []string{"components", "packages", "provisions", "dependencies", "files", "packages_fts", "files_fts"} {
		if n := rowCount(t, s, table); n != 0 {
			t.Errorf("%s has %d rows after repository delete, want 0", table, n)
		}
	}
}

func TestFindPackagesNewestFirst(t *testing.T) {
	s := openTestStore(t)
	repo, comp := testRepo(t, s, "main", 0)
	ingest(t, s, repo, comp, sampleRecords())

	term := constraint.Term{Name: "editor", Eco: version.EcosystemDeb}
	pkgs, err := s.FindPackages(context.Background(), term, "amd64", 0)
	if err != nil {
		t.Fatalf("FindPackages failed: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("len(pkgs) = %d, want 2", len(pkgs))
	}
	if pkgs[0].Version != "2.0-1" || pkgs[1].Version != "1.9-3" {
		t.Errorf("versions = %s, %s, want newest first", pkgs[0].Version, pkgs[1].Version)
	}

	// Version constraint filters.
	term.Relation = constraint.RelGreaterEqual
	term.Version = "2.0"
	pkgs, err = s.FindPackages(context.Background(), term, "amd64", 0)
	if err != nil {
		t.Fatalf("FindPackages failed: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].Version != "2.0-1" {
		t.Errorf("constrained matches = %v", pkgs)
	}

	// "all" architecture satisfies any target.
	term = constraint.Term{Name: "docs", Eco: version.EcosystemDeb}
	pkgs, err = s.FindPackages(context.Background(), term, "amd64", 0)
	if err != nil {
		t.Fatalf("FindPackages failed: %v", err)
	}
	if len(pkgs) != 1 {
		t.Errorf("arch-all package not matched for amd64 target")
	}

	// A foreign concrete architecture does not.
	term = constraint.Term{Name: "editor", Eco: version.EcosystemDeb}
	pkgs, _ = s.FindPackages(context.Background(), term, "riscv64", 0)
	if len(pkgs) != 0 {
		t.Errorf("amd64 package matched riscv64 target: %v", pkgs)
	}
}

func TestRepositoryPriorityTieBreak(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repoB, compB := testRepo(t, s, "backports", 1)
	repoA, compA := testRepo(t, s, "primary", 0)

	rec := models.RawPackageRecord{
		Name: "tool", Version: "1.0", Architecture: "amd64",
		Filename: "pool/t/tool_1.0_amd64.deb",
	}
	ingest(t, s, repoB, compB, []models.RawPackageRecord{rec})
	ingest(t, s, repoA, compA, []models.RawPackageRecord{rec})

	term := constraint.Term{Name: "tool", Eco: version.EcosystemDeb}
	pkgs, err := s.FindPackages(ctx, term, "amd64", 0)
	if err != nil {
		t.Fatalf("FindPackages failed: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("len(pkgs) = %d, want 2", len(pkgs))
	}
	if pkgs[0].RepositoryID != repoA.ID {
		t.Errorf("tie not broken by configured repository order")
	}
}

func TestFindProviders(t *testing.T) {
	s := openTestStore(t)
	repo, comp := testRepo(t, s, "main", 0)
	ingest(t, s, repo, comp, []models.RawPackageRecord{
		{
			Name: "exim4", Version: "4.96", Architecture: "amd64",
			Filename: "pool/e/exim4_4.96_amd64.deb",
			Provides: "mail-transport-agent",
		},
		{
			Name: "postfix", Version: "3.7", Architecture: "amd64",
			Filename: "pool/p/postfix_3.7_amd64.deb",
			Provides: "mail-transport-agent, smtpd (= 3.7)",
		},
	})

	ctx := context.Background()
	term := constraint.Term{Name: "mail-transport-agent", Eco: version.EcosystemDeb}
	providers, err := s.FindProviders(ctx, term, "amd64", 0)
	if err != nil {
		t.Fatalf("FindProviders failed: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("len(providers) = %d, want 2", len(providers))
	}

	// A versioned constraint only matches versioned provisions.
	term = constraint.Term{
		Name: "smtpd", Relation: constraint.RelGreaterEqual,
		Version: "3.0", Eco: version.EcosystemDeb,
	}
	providers, err = s.FindProviders(ctx, term, "amd64", 0)
	if err != nil {
		t.Fatalf("FindProviders failed: %v", err)
	}
	if len(providers) != 1 || providers[0].Name != "postfix" {
		t.Errorf("versioned provision matches = %v", providers)
	}
	term = constraint.Term{
		Name: "mail-transport-agent", Relation: constraint.RelGreaterEqual,
		Version: "1.0", Eco: version.EcosystemDeb,
	}
	providers, _ = s.FindProviders(ctx, term, "amd64", 0)
	if len(providers) != 0 {
		t.Errorf("unversioned provision satisfied a versioned constraint: %v", providers)
	}
}

func TestSearchText(t *testing.T) {
	s := openTestStore(t)
	repo, comp := testRepo(t, s, "main", 0)
	ingest(t, s, repo, comp, sampleRecords())

	ctx := context.Background()
	// Term present only in the description, not the name.
	pkgs, err := s.SearchText(ctx, "syntax highlighting")
	if err != nil {
		t.Fatalf("SearchText failed: %v", err)
	}
	found := false
	for _, p := range pkgs {
		if p.Name == "editor" {
			found = true
		}
	}
	if !found {
		t.Errorf("description-only term did not match editor: %v", pkgs)
	}

	// Absent term never matches.
	pkgs, err = s.SearchText(ctx, "quantum entanglement")
	if err != nil {
		t.Fatalf("SearchText failed: %v", err)
	}
	if len(pkgs) != 0 {
		t.Errorf("absent term matched %v", pkgs)
	}
}

func TestSearchFiles(t *testing.T) {
	s := openTestStore(t)
	repo, comp := testRepo(t, s, "main", 0)
	ingest(t, s, repo, comp, sampleRecords())

	// Substring match that does not respect word boundaries.
	matches, err := s.SearchFiles(context.Background(), "bin/edit")
	if err != nil {
		t.Fatalf("SearchFiles failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Package.Name != "editor" {
		t.Errorf("file substring matches = %v", matches)
	}
	if matches[0].Path != "/usr/bin/editor" {
		t.Errorf("path = %s", matches[0].Path)
	}
}

func TestDependencyEdges(t *testing.T) {
	s := openTestStore(t)
	repo, comp := testRepo(t, s, "main", 0)
	ingest(t, s, repo, comp, sampleRecords())
	ctx := context.Background()
	if err := s.ResolveDependencyEdges(ctx, repo, comp); err != nil {
		t.Fatalf("ResolveDependencyEdges failed: %v", err)
	}

	term := constraint.Term{Name: "editor", Eco: version.EcosystemDeb}
	pkgs, _ := s.FindPackages(ctx, term, "amd64", 0)
	if len(pkgs) == 0 {
		t.Fatal("editor not found")
	}
	deps, err := s.ResolvedDependencies(ctx, pkgs[0].ID)
	if err != nil {
		t.Fatalf("ResolvedDependencies failed: %v", err)
	}
	if len(deps) != 1 || deps[0].Name != "libterm" {
		t.Errorf("resolved edges = %v, want libterm", deps)
	}
}

func TestDownloadCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	url := "https://pkgs.example.com/dists/stable/Release"

	if _, ok, err := s.DownloadRecord(ctx, url); err != nil || ok {
		t.Fatalf("DownloadRecord on empty cache = ok=%v err=%v", ok, err)
	}

	v := models.Validators{ETag: `"abc"`, LastModified: "Mon, 02 Jan 2006 15:04:05 GMT", Expires: 1700000000, Size: 4096}
	if err := s.UpsertDownloadRecord(ctx, url, v); err != nil {
		t.Fatalf("UpsertDownloadRecord failed: %v", err)
	}
	got, ok, err := s.DownloadRecord(ctx, url)
	if err != nil || !ok {
		t.Fatalf("DownloadRecord = ok=%v err=%v", ok, err)
	}
	if got != v {
		t.Errorf("DownloadRecord = %+v, want %+v", got, v)
	}

	// Upsert replaces in place.
	v.ETag = `"def"`
	if err := s.UpsertDownloadRecord(ctx, url, v); err != nil {
		t.Fatalf("UpsertDownloadRecord failed: %v", err)
	}
	got, _, _ = s.DownloadRecord(ctx, url)
	if got.ETag != `"def"` {
		t.Errorf("ETag = %s after upsert", got.ETag)
	}

	if err := s.ClearDownloadCache(ctx); err != nil {
		t.Fatalf("ClearDownloadCache failed: %v", err)
	}
	if _, ok, _ := s.DownloadRecord(ctx, url); ok {
		t.Error("record survived ClearDownloadCache")
	}
}
