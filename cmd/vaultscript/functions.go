package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/vaultscript/capability"
	"github.com/jonwraymond/vaultscript/customfn"
)

func newFunctionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "functions",
		Aliases: []string{"fn"},
		Short:   "Manage custom functions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List custom functions of a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			defs, err := a.exec.Functions().List(scopedContext(cmd))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, d := range defs {
				fmt.Fprintf(w, "%s\tv%d\tused %d\t%s\n", d.Signature, d.Version, d.UsageCount, d.Description)
			}
			return w.Flush()
		},
	}

	upsert := &cobra.Command{
		Use:   "upsert <name> [file]",
		Short: "Create or update a custom function",
		Long: `Create or update a custom function. The body is read from the file
argument, -c or stdin, and must type-check before it is stored.

Parameters are given as name:type, with a trailing ? on the name for
optional ones, e.g. --param id:string --param limit?:number.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runUpsertFunction,
	}
	upsert.Flags().StringP("code", "c", "", "Function body")
	upsert.Flags().StringArray("param", nil, "Parameter name:type (repeatable, in order)")
	upsert.Flags().String("returns", "", "Resolved type")
	upsert.Flags().StringP("description", "d", "", "Description")
	upsert.Flags().StringSlice("tag", nil, "Tag (repeatable)")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a custom function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.exec.Functions().Remove(scopedContext(cmd), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%w: %s", customfn.ErrNotFound, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, upsert, remove)
	return cmd
}

func runUpsertFunction(cmd *cobra.Command, args []string) error {
	body, err := readSource(cmd, args[1:])
	if err != nil {
		return err
	}
	rawParams, _ := cmd.Flags().GetStringArray("param")
	returns, _ := cmd.Flags().GetString("returns")
	description, _ := cmd.Flags().GetString("description")
	tags, _ := cmd.Flags().GetStringSlice("tag")

	params := make([]customfn.Parameter, 0, len(rawParams))
	for _, raw := range rawParams {
		p, err := parseParam(raw)
		if err != nil {
			return err
		}
		params = append(params, p)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	def, err := a.exec.Functions().Upsert(scopedContext(cmd), customfn.Definition{
		Name:        args[0],
		Description: description,
		Parameters:  params,
		ReturnType:  returns,
		Code:        body,
		Tags:        tags,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %s (v%d)\n", def.Signature(), def.Version)
	return nil
}

func parseParam(raw string) (customfn.Parameter, error) {
	name, typ, ok := strings.Cut(raw, ":")
	name, typ = strings.TrimSpace(name), strings.TrimSpace(typ)
	if !ok || name == "" || typ == "" {
		return customfn.Parameter{}, fmt.Errorf("invalid parameter %q (expected name:type)", raw)
	}
	p := customfn.Parameter{Name: name, Type: typ}
	if strings.HasSuffix(name, "?") {
		p.Name = strings.TrimSuffix(name, "?")
		p.Optional = true
	}
	return p, nil
}

func scopedContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if scope := scopeFlag(cmd); scope != "" {
		ctx = capability.WithScope(ctx, scope)
	}
	return ctx
}
