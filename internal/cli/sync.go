package cli

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/crosspkg/internal/catalog"
	"github.com/ralt/crosspkg/internal/fetch"
	"github.com/ralt/crosspkg/internal/localrepo"
	"github.com/ralt/crosspkg/internal/models"
	"github.com/ralt/crosspkg/internal/syncer"
	"github.com/ralt/crosspkg/internal/verify"
)

// NewSyncCmd creates the sync command
func NewSyncCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the catalog with the configured repositories",
		Long: `Checks every configured component for changed metadata and
re-ingests only what actually changed. Unchanged components cost at most
one conditional request; components still inside their freshness window
cost nothing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openFromFlags(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return runSync(cmd.Context(), cfg, store, full)
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Ignore cached validators and re-download everything")
	return cmd
}

func runSync(ctx context.Context, cfg *Config, store *catalog.Store, full bool) error {
	if full {
		if err := store.ClearDownloadCache(ctx); err != nil {
			return err
		}
		logrus.Info("Cleared download cache, forcing full refetch")
	}

	var targets []syncer.Target
	for priority, rc := range cfg.Repositories {
		format := models.ParseFormat(rc.Format)
		baseURL := rc.URL
		if rc.LocalDir != "" {
			baseURL = "file://" + rc.LocalDir
		}
		repo, err := store.AddRepository(ctx, rc.Name, baseURL, format, priority)
		if err != nil {
			return err
		}

		if rc.LocalDir != "" {
			n, err := localrepo.IngestDir(ctx, store, repo, rc.LocalDir)
			if err != nil {
				logrus.Warnf("sync: %s: %v", rc.LocalDir, err)
				continue
			}
			logrus.Infof("%s: indexed %d local packages", rc.Name, n)
			continue
		}

		target := syncer.Target{Repo: repo}
		if rc.Keyring != "" {
			verifier, err := verify.NewVerifier(rc.Keyring)
			if err != nil {
				return err
			}
			target.Verifier = verifier
		}
		for _, spec := range rc.ComponentURLs() {
			component, err := store.AddComponent(ctx, repo, spec.url, spec.suite, spec.component, spec.arch)
			if err != nil {
				return err
			}
			target.Components = append(target.Components, component)
		}
		targets = append(targets, target)
	}

	if len(targets) == 0 {
		return nil
	}

	fetcher := fetch.NewCircuitFetcher(fetch.NewFetcher())
	defer fetcher.Close()
	sy := syncer.New(store, fetcher, cfg.Workers)
	results, err := sy.Sync(ctx, targets)
	if err != nil {
		return err
	}

	var refreshed, unchanged, failed int
	for _, res := range results {
		switch {
		case res.Err != nil:
			failed++
		case res.State == syncer.StateStale:
			refreshed++
		default:
			unchanged++
		}
	}
	logrus.Infof("Sync finished: %d refreshed, %d unchanged, %d failed", refreshed, unchanged, failed)
	return nil
}
