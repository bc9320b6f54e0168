package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"relaybot/internal/routecfg"
)

type routesOptions struct {
	*rootOptions
	table  string
	export string
}

func newRoutesCmd(root *rootOptions) *cobra.Command {
	opts := &routesOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Routing table tools",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Load the routing table and report admins configured in several groups",
		Long: `Load the routing table named by routing.table (or --table) and print
one line per group. Fails when an admin conversation belongs to more than one
group. --export writes the parsed table as an Excel workbook.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.check(cmd)
		},
	}
	check.Flags().StringVar(&opts.table, "table", "", "routing table path; overrides routing.table")
	check.Flags().StringVar(&opts.export, "export", "", "write the parsed table to this .xlsx file")
	cmd.AddCommand(check)
	return cmd
}

func (o *routesOptions) check(cmd *cobra.Command) error {
	path := strings.TrimSpace(o.table)
	if path == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Routing.Table
	}
	store := routecfg.NewStore(path)
	entries, err := store.Entries()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tADMINS\tTARGETS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%d\n", e.Group, len(e.Admins), len(e.Targets))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if o.export != "" {
		if err := routecfg.WriteExcel(o.export, entries); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Fprintf(out, "exported %d group(s) to %s\n", len(entries), o.export)
	}

	conflicts, err := store.Conflicts()
	if err != nil {
		return err
	}
	for _, c := range conflicts {
		fmt.Fprintf(out, "conflict: admin %s in %s\n", c.AdminID, strings.Join(c.Groups, ", "))
	}
	if len(conflicts) > 0 {
		return fmt.Errorf("%d admin conflict(s)", len(conflicts))
	}
	return nil
}
