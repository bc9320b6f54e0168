package commands

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"relaybot/internal/app"
	"relaybot/internal/authz"
	logx "relaybot/pkg/logx"
)

type ledgerOptions struct {
	*rootOptions
	date  string
	scope string
}

func newLedgerCmd(root *rootOptions) *cobra.Command {
	opts := &ledgerOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or edit the authorization ledger offline",
		Long: `Inspect or edit the day-scoped authorization ledger.

Dates are YYYY-MM-DD or the words "today" and "tomorrow", evaluated in
scheduler.timezone. The scope is the conversation the grant applies to.

Examples:
  relaybot ledger grant --scope -1001 --date tomorrow 42 43
  relaybot ledger revoke --scope -1001 42
  relaybot ledger list --date today`,
	}
	cmd.PersistentFlags().StringVar(&opts.date, "date", "today", "ledger date")

	grant := &cobra.Command{
		Use:   "grant ID...",
		Short: "Authorize ids for a date and scope",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.mutate(cmd, args, true)
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke ID...",
		Short: "Withdraw ids for a date and scope",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.mutate(cmd, args, false)
		},
	}
	for _, c := range []*cobra.Command{grant, revoke} {
		c.Flags().StringVar(&opts.scope, "scope", "", "conversation id the grant applies to")
		_ = c.MarkFlagRequired("scope")
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print grants; --date all prints every date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.list(cmd)
		},
	}

	cmd.AddCommand(grant, revoke, list)
	return cmd
}

func (o *ledgerOptions) open() (*authz.Ledger, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	led, store, err := app.OpenLedger(cfg, logx.Nop())
	if err != nil {
		return nil, nil, err
	}
	return led, func() { _ = store.Close() }, nil
}

func resolveDate(led *authz.Ledger, raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "today":
		return led.Today()
	case "tomorrow":
		return led.Tomorrow()
	default:
		return strings.TrimSpace(raw)
	}
}

func (o *ledgerOptions) mutate(cmd *cobra.Command, ids []string, grant bool) error {
	led, done, err := o.open()
	if err != nil {
		return err
	}
	defer done()

	date := resolveDate(led, o.date)
	var changed []string
	verb := "granted"
	if grant {
		changed, err = led.Grant(cmd.Context(), date, o.scope, ids)
	} else {
		verb = "revoked"
		changed, err = led.Revoke(cmd.Context(), date, o.scope, ids)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d id(s) on %s in %s: %s\n", verb, len(changed), date, o.scope, strings.Join(changed, ", "))
	return nil
}

func (o *ledgerOptions) list(cmd *cobra.Command) error {
	led, done, err := o.open()
	if err != nil {
		return err
	}
	defer done()

	snap, err := led.Snapshot(cmd.Context())
	if err != nil {
		return err
	}
	dates := snap.Dates()
	if !strings.EqualFold(o.date, "all") {
		dates = []string{resolveDate(led, o.date)}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSCOPE\tIDS")
	for _, date := range dates {
		scopes := snap[date]
		names := make([]string, 0, len(scopes))
		for s := range scopes {
			names = append(names, s)
		}
		sort.Strings(names)
		for _, s := range names {
			fmt.Fprintf(w, "%s\t%s\t%s\n", date, s, strings.Join(scopes[s], ","))
		}
	}
	return w.Flush()
}
