package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewReposCmd creates the repos command
func NewReposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List the repositories known to the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openFromFlags(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			for _, rc := range cfg.Repositories {
				repo, err := store.RepositoryByName(ctx, rc.Name)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t(not synced yet)\n", rc.Name)
					continue
				}
				components, err := store.Components(ctx, repo)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tpriority=%d\tcomponents=%d\n",
					repo.Name, repo.Format, repo.BaseURL, repo.Priority, len(components))
			}
			return nil
		},
	}

	cmd.AddCommand(newReposRemoveCmd())
	return cmd
}

func newReposRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a repository and everything it owns from the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openFromFlags(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.DeleteRepository(cmd.Context(), args[0])
		},
	}
}
