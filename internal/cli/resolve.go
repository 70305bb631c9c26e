package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralt/crosspkg/internal/constraint"
	"github.com/ralt/crosspkg/internal/models"
	"github.com/ralt/crosspkg/internal/resolver"
	"github.com/ralt/crosspkg/internal/version"
)

// NewResolveCmd creates the resolve command
func NewResolveCmd() *cobra.Command {
	var arch string
	var eco string

	cmd := &cobra.Command{
		Use:   "resolve <package>...",
		Short: "Compute an installation plan",
		Long: `Resolves the given packages and their transitive dependencies
into an installation plan ordered dependencies-first. Arguments may carry
constraints, e.g. 'editor (>= 2.0)'.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openFromFlags(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if arch == "" {
				arch = cfg.Arch
			}
			ecosystem := version.EcosystemDeb
			if eco == "rpm" {
				ecosystem = version.EcosystemRpm
			}

			var requests []resolver.Request
			for _, arg := range args {
				sets := constraint.Parse(arg, ecosystem)
				if len(sets) == 0 || len(sets[0]) == 0 {
					return &models.CatalogError{
						Type: models.ErrInvalidConfig,
						Err:  fmt.Errorf("cannot parse request %q", arg),
					}
				}
				term := sets[0][0]
				requests = append(requests, resolver.Request{
					Name:     term.Name,
					Relation: term.Relation,
					Version:  term.Version,
				})
			}

			r := resolver.New(store, arch, ecosystem)
			plan, err := r.Resolve(cmd.Context(), requests)
			if err != nil {
				return err
			}
			for i, p := range plan {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d. %s %s (%s)\n", i+1, p.Name, p.Version, p.Architecture)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&arch, "arch", "", "Target architecture (defaults to the configured one)")
	cmd.Flags().StringVar(&eco, "ecosystem", "deb", "Version ordering rules: deb or rpm")
	return cmd
}
