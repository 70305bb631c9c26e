// Package syncer coordinates incremental repository synchronization.
// Each component moves through Unknown → Checking → Unchanged|Stale:
// fresh cached documents short-circuit before any network traffic,
// revalidated documents leave the catalog untouched, and only genuinely
// stale documents are verified, re-parsed and re-ingested. Components
// sync independently; one failing mirror never blocks the others.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ralt/crosspkg/internal/catalog"
	"github.com/ralt/crosspkg/internal/fetch"
	"github.com/ralt/crosspkg/internal/models"
	"github.com/ralt/crosspkg/internal/parser"
	"github.com/ralt/crosspkg/internal/verify"
)

// State tracks a component through one sync pass.
type State int

const (
	StateUnknown State = iota
	StateChecking
	StateUnchanged
	StateStale
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateUnchanged:
		return "unchanged"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Fetcher is the conditional-fetch dependency. Both fetch.Fetcher and
// fetch.CircuitFetcher satisfy it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, prior models.Validators) (*fetch.Result, error)
}

// Verifier checks document signatures. Nil means the repository is
// unsigned and verification is skipped.
type Verifier interface {
	Verify(payload, signature []byte) error
	VerifyCleartext(document []byte) ([]byte, error)
}

var _ Verifier = (*verify.Verifier)(nil)

// Target is one repository to synchronize with its components and
// optional trust anchor.
type Target struct {
	Repo       models.Repository
	Components []models.Component
	Verifier   Verifier
}

// ComponentResult reports the outcome of one component's sync.
type ComponentResult struct {
	Repo      models.Repository
	Component models.Component
	State     State
	Packages  int
	Err       error
}

// Syncer drives sync passes against the catalog store.
type Syncer struct {
	store   *catalog.Store
	fetcher Fetcher
	workers int
}

// New creates a syncer running at most workers component syncs at once.
func New(store *catalog.Store, fetcher Fetcher, workers int) *Syncer {
	if workers < 1 {
		workers = 4
	}
	return &Syncer{store: store, fetcher: fetcher, workers: workers}
}

// Sync synchronizes every component of every target. Component failures
// are recorded in their results, not returned: the error is non-nil only
// when the context is cancelled.
func (s *Syncer) Sync(ctx context.Context, targets []Target) ([]ComponentResult, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	var mu sync.Mutex
	var results []ComponentResult

	for _, target := range targets {
		for _, component := range target.Components {
			target, component := target, component
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				res := s.syncComponent(ctx, target, component)
				if res.Err != nil {
					logrus.Warnf("sync: %s: %v", component.URL, res.Err)
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// syncComponent runs the per-component state machine.
func (s *Syncer) syncComponent(ctx context.Context, target Target, component models.Component) ComponentResult {
	res := ComponentResult{Repo: target.Repo, Component: component, State: StateChecking}

	indexURL, result, err := s.fetchIndex(ctx, target.Repo.Format, component)
	if err != nil {
		res.Err = err
		res.State = StateUnknown
		return res
	}

	if result.Status == fetch.StatusNotModified {
		res.State = StateUnchanged
		logrus.Debugf("sync: %s unchanged", component.URL)
		if err := s.store.UpsertDownloadRecord(ctx, indexURL, result.Validators); err != nil {
			res.Err = err
		}
		return res
	}

	body := result.Body
	if target.Verifier != nil {
		body, err = s.verifyDocument(ctx, target.Verifier, indexURL, body)
		if err != nil {
			// An unverifiable document is treated like a failed
			// transfer: discarded without touching catalog rows or
			// cached validators.
			res.Err = err
			res.State = StateUnknown
			return res
		}
	}

	records, err := parser.Parse(target.Repo.Format, bytes.NewReader(body))
	if err != nil {
		res.Err = err
		res.State = StateUnknown
		return res
	}

	update, err := s.store.BeginUpdate(ctx, target.Repo, component)
	if err != nil {
		res.Err = err
		res.State = StateUnknown
		return res
	}
	for _, rec := range records {
		if err := update.AddPackage(ctx, rec); err != nil {
			update.Rollback()
			res.Err = err
			res.State = StateUnknown
			return res
		}
	}
	if err := update.Commit(); err != nil {
		res.Err = err
		res.State = StateUnknown
		return res
	}
	if err := s.store.ResolveDependencyEdges(ctx, target.Repo, component); err != nil {
		res.Err = err
	}
	if err := s.store.UpsertDownloadRecord(ctx, indexURL, result.Validators); err != nil {
		res.Err = err
	}

	res.State = StateStale
	res.Packages = len(records)
	logrus.Infof("sync: %s refreshed with %d packages", component.URL, len(records))
	return res
}

// verifyDocument checks the document's OpenPGP signature. Inline
// cleartext signatures are verified in place; otherwise the detached
// signature is fetched from the conventional sidecar URL.
func (s *Syncer) verifyDocument(ctx context.Context, v Verifier, indexURL string, body []byte) ([]byte, error) {
	if verify.IsCleartext(body) {
		return v.VerifyCleartext(body)
	}

	sigResult, err := s.fetcher.Fetch(ctx, indexURL+".asc", models.Validators{})
	if err != nil {
		return nil, &models.CatalogError{
			Type:    models.ErrVerify,
			Context: indexURL,
			Err:     fmt.Errorf("fetching signature: %w", err),
		}
	}
	if err := v.Verify(body, sigResult.Body); err != nil {
		return nil, err
	}
	return body, nil
}

// fetchIndex retrieves the component's metadata document, trying the
// compressed index name first since many mirrors no longer serve the
// plain variant. Decompression happens at parse time by magic bytes, so
// which candidate answered does not matter downstream.
func (s *Syncer) fetchIndex(ctx context.Context, format models.Format, component models.Component) (string, *fetch.Result, error) {
	var lastErr error
	for _, indexURL := range indexURLs(format, component) {
		prior, _, err := s.store.DownloadRecord(ctx, indexURL)
		if err != nil {
			return "", nil, err
		}
		result, err := s.fetcher.Fetch(ctx, indexURL, prior)
		if errors.Is(err, fetch.ErrNotFound) {
			lastErr = err
			continue
		}
		if err != nil {
			return "", nil, err
		}
		return indexURL, result, nil
	}
	return "", nil, lastErr
}

// indexURLs returns the candidate metadata document URLs for a
// component, preferred variant first.
func indexURLs(format models.Format, component models.Component) []string {
	switch format {
	case models.FormatRpm:
		return []string{
			component.URL + "/repodata/primary.xml.gz",
			component.URL + "/repodata/primary.xml",
		}
	default:
		return []string{
			component.URL + "/Packages.gz",
			component.URL + "/Packages",
		}
	}
}
