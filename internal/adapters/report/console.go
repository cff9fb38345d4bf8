// Package report imprime el estado de la cuenta de un usuario en consola.
package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alejandrodnm/polyledger/internal/application/query"
	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// Console escribe reportes de cuenta.
type Console struct {
	out io.Writer
	now func() time.Time
}

// NewConsole crea un reporter que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout, now: time.Now}
}

// NewConsoleWriter crea un reporter sobre w, para tests.
func NewConsoleWriter(w io.Writer, now func() time.Time) *Console {
	return &Console{out: w, now: now}
}

// PrintOverview imprime posiciones, órdenes abiertas, balances y transfers.
func (c *Console) PrintOverview(ov query.Overview) {
	fmt.Fprintf(c.out, "\n╔══════════════════════════════════════════════════════════════╗\n")
	fmt.Fprintf(c.out, "║                       ACCOUNT REPORT                         ║\n")
	fmt.Fprintf(c.out, "╚══════════════════════════════════════════════════════════════╝\n\n")

	wallet := ov.WalletAddress
	if wallet == "" {
		wallet = "(no wallet provisioned)"
	}
	fmt.Fprintf(c.out, "  User:   %s\n", ov.UserID)
	fmt.Fprintf(c.out, "  Wallet: %s\n", wallet)

	c.printPositions(ov.Positions)
	c.printOrders("OPEN ORDERS", ov.OpenOrders)
	c.printOrders("RECENT ORDERS", ov.RecentOrders)
	c.printBalances(ov.Balances)
	c.printTransfers(ov.Transfers, ov.WalletAddress)
	fmt.Fprintln(c.out)
}

func (c *Console) printPositions(views []query.PositionView) {
	fmt.Fprintf(c.out, "\n── POSITIONS (%d) ──\n", len(views))
	if len(views) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Outcome", "Side", "Shares", "Avg", "Last", "Value$", "uPnL$")

	var value, pnl decimal.Decimal
	for _, v := range views {
		value = value.Add(v.MarketValue())
		pnl = pnl.Add(v.UnrealizedPnL())
		table.Append(
			v.Question,
			string(v.TokenSide),
			string(v.Side()),
			v.Amount.Abs().StringFixed(2),
			v.AvgPrice.StringFixed(4),
			v.LastPrice.StringFixed(4),
			v.MarketValue().StringFixed(2),
			v.UnrealizedPnL().StringFixed(2),
		)
	}
	table.Render()

	fmt.Fprintf(c.out, "  Market value: $%s | Unrealized P&L: $%s\n", value.StringFixed(2), pnl.StringFixed(2))
}

func (c *Console) printOrders(title string, orders []domain.Order) {
	fmt.Fprintf(c.out, "\n── %s (%d) ──\n", title, len(orders))
	if len(orders) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Side", "Outcome", "Shares", "Filled", "Price", "Status", "Age", "Reason")
	for _, o := range orders {
		table.Append(
			shortID(o.ID),
			string(o.Side),
			string(o.TokenSide),
			o.Amount.StringFixed(2),
			o.FilledAmount.StringFixed(2),
			o.Price.StringFixed(4),
			string(o.Status),
			c.age(o.CreatedAt),
			truncate(o.Reason, 40),
		)
	}
	table.Render()
}

func (c *Console) printBalances(balances []domain.Balance) {
	fmt.Fprintf(c.out, "\n── BALANCES ──\n")
	if len(balances) == 0 {
		fmt.Fprintln(c.out, "  (not observed yet)")
		return
	}
	for _, b := range balances {
		fmt.Fprintf(c.out, "  %-8s %s %s (block %d)\n", b.Chain, b.Amount.StringFixed(6), b.Asset, b.BlockNumber)
	}
}

func (c *Console) printTransfers(transfers []domain.Transfer, wallet string) {
	fmt.Fprintf(c.out, "\n── TRANSFERS (%d) ──\n", len(transfers))
	if len(transfers) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}
	for _, t := range transfers {
		dir, peer := "OUT", t.To
		if t.Incoming(wallet) {
			dir, peer = "IN ", t.From
		}
		fmt.Fprintf(c.out, "  %s %s %12s  %s  %s\n",
			t.ChainTime.UTC().Format("2006-01-02 15:04"), dir, t.Value.StringFixed(2), shortID(peer), shortID(t.TxHash))
	}
}

func (c *Console) age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return c.now().Sub(t).Truncate(time.Minute).String()
}

func shortID(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:10]
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
