package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/jonwraymond/tooldiscovery/tooldoc"
	"github.com/spf13/cobra"
)

func newCapsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caps",
		Short: "List and explore capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range a.exec.Capabilities() {
				decl, _ := a.exec.Catalog().Lookup(name)
				fmt.Fprintf(w, "%s\t%s\n", name, decl.Description)
			}
			return w.Flush()
		},
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search capabilities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.exec.SearchCapabilities(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s.%s\t%s\n", r.Namespace, r.Name, r.ShortDescription)
			}
			return nil
		},
	}
	search.Flags().Int("limit", 10, "Maximum number of results")

	describe := &cobra.Command{
		Use:   "describe <name>",
		Short: "Describe a capability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			full, _ := cmd.Flags().GetBool("full")
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			level := tooldoc.DetailSummary
			if full {
				level = tooldoc.DetailFull
			}
			doc, err := a.exec.DescribeCapability(cmd.Context(), args[0], level)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, doc.Summary)
			if decl, ok := a.exec.Catalog().Lookup(args[0]); ok {
				fmt.Fprintln(out, decl.TypeScript())
			}
			if !full {
				return nil
			}
			examples, err := a.exec.Catalog().Examples(args[0], 3)
			if err != nil {
				return err
			}
			for _, ex := range examples {
				fmt.Fprintf(out, "example: %s %v\n", ex.Title, ex.Args)
			}
			return nil
		},
	}
	describe.Flags().Bool("full", false, "Include schema and examples")

	dts := &cobra.Command{
		Use:   "dts",
		Short: "Print the declarations a program sees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			allow, _ := cmd.Flags().GetStringSlice("allow")
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			text, err := a.exec.TypeDeclarations(cmd.Context(), scopeFlag(cmd), allow)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	dts.Flags().StringSlice("allow", []string{"*"}, "Allow-list to render")

	cmd.AddCommand(search, describe, dts)
	return cmd
}
