package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ralt/crosspkg/internal/models"
)

// NewSearchCmd creates the search command
func NewSearchCmd() *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the catalog",
		Long: `Searches packages by keyword (name, description, homepage), by
shipped file path, or by provided command name.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openFromFlags(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			query := strings.Join(args, " ")

			switch by {
			case "keyword":
				pkgs, err := store.SearchText(ctx, query)
				if err != nil {
					return err
				}
				for _, p := range pkgs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\t%s\n",
						p.Name, p.Version, p.Architecture, p.Description)
				}
			case "file", "command":
				matches, err := store.SearchFiles(ctx, query)
				if err != nil {
					return err
				}
				for _, m := range matches {
					if by == "command" && m.Command != query {
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s %s\n",
						m.Path, m.Package.Name, m.Package.Version)
				}
			default:
				return &models.CatalogError{
					Type: models.ErrInvalidConfig,
					Err:  fmt.Errorf("unknown search mode %q (keyword, file, command)", by),
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&by, "by", "b", "keyword", "Search mode: keyword, file or command")
	return cmd
}
