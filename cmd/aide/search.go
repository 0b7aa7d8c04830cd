package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aide-dev/aide/internal/search"
)

func searchCmd() *cobra.Command {
	var (
		scope    string
		limit    int
		licenses []string
		fetch    bool
	)

	cmd := &cobra.Command{
		Use:   "search <terms...>",
		Short: "Search code, packages and docs",
		Long: `Search external references the way the planner does: repositories
(--scope code), package registries (--scope packages) or documentation
and Q&A (--scope docs).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			terms := strings.Join(args, " ")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			s := search.NewHTTPSearcher(&http.Client{Timeout: 20 * time.Second})

			if fetch {
				page, err := s.Fetch(ctx, terms)
				if err != nil {
					return err
				}
				fmt.Println(color.CyanString(page.Title))
				fmt.Println(page.Markdown)
				return nil
			}

			results, err := s.Search(ctx, search.Query{
				Terms:      terms,
				Scope:      search.Scope(scope),
				MaxResults: limit,
			})
			if err != nil {
				return err
			}
			results = search.FilterByLicense(results, licenses)

			if len(results) == 0 {
				fmt.Println("No results")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%s\n  %s\n", color.CyanString(r.Title), r.URL)
				if r.Summary != "" {
					fmt.Printf("  %s\n", r.Summary)
				}
				if r.License != "" {
					fmt.Printf("  %s\n", color.HiBlackString(r.License))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "code", "Search scope: code, packages, docs")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum results")
	cmd.Flags().StringSliceVar(&licenses, "license", nil, "Keep only these licenses (e.g. MIT,Apache-2.0)")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "Treat the argument as a URL and print it as markdown")

	return cmd
}
