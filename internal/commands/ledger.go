package commands

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-budget-transfers/internal/repository"
	"github.com/pesio-ai/be-budget-transfers/internal/service"
)

func newLedgerCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and seed pivot fund rows",
	}

	var entity, account string
	var year int
	var budget, actual, fund, encumbrance string

	set := &cobra.Command{
		Use:   "set",
		Short: "Create or overwrite a pivot fund row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pf := &repository.PivotFund{EntityCode: entity, AccountCode: account, Year: year}
			for _, f := range []struct {
				name string
				raw  string
				dst  *decimal.Decimal
			}{
				{"budget", budget, &pf.Budget},
				{"actual", actual, &pf.Actual},
				{"fund", fund, &pf.Fund},
				{"encumbrance", encumbrance, &pf.Encumbrance},
			} {
				d, err := decimal.NewFromString(f.raw)
				if err != nil {
					return fmt.Errorf("--%s: %w", f.name, err)
				}
				*f.dst = d
			}

			svc, closeFn, err := g.services(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := svc.Pivot.SetBalance(cmd.Context(), pf); err != nil {
				return err
			}
			return printBalance(cmd, svc.Pivot, service.LedgerKey{Entity: entity, Account: account, Year: &year})
		},
	}
	set.Flags().IntVar(&year, "year", 0, "fiscal year")
	set.Flags().StringVar(&budget, "budget", "0", "budget amount")
	set.Flags().StringVar(&actual, "actual", "0", "actual amount")
	set.Flags().StringVar(&fund, "fund", "0", "available fund")
	set.Flags().StringVar(&encumbrance, "encumbrance", "0", "encumbrance")
	_ = set.MarkFlagRequired("year")

	get := &cobra.Command{
		Use:   "get",
		Short: "Show the latest pivot fund row for an entity and account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := g.services(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return printBalance(cmd, svc.Pivot, service.LedgerKey{Entity: entity, Account: account})
		},
	}

	for _, c := range []*cobra.Command{set, get} {
		c.Flags().StringVar(&entity, "entity", "", "entity code (required)")
		c.Flags().StringVar(&account, "account", "", "account code (required)")
		_ = c.MarkFlagRequired("entity")
		_ = c.MarkFlagRequired("account")
	}

	cmd.AddCommand(set, get)
	return cmd
}

func printBalance(cmd *cobra.Command, pivot *service.PivotFundService, key service.LedgerKey) error {
	pf, err := pivot.GetBalance(cmd.Context(), key)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"entity_code":  pf.EntityCode,
		"account_code": pf.AccountCode,
		"year":         pf.Year,
		"budget":       pf.Budget.String(),
		"actual":       pf.Actual.String(),
		"fund":         pf.Fund.String(),
		"encumbrance":  pf.Encumbrance.String(),
	})
}
