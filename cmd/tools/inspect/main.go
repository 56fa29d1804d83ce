package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"arbterm/internal/ops"
	"arbterm/internal/schema"
	"arbterm/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML or JSON config")
	orders := flag.String("orders", "", "Comma separated local order ids to print")
	asJSON := flag.Bool("json", false, "Print records as JSON")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("config load failed, err: %+v", err)
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, loaded.Store)
	if err != nil {
		logs.Errorf("open store failed, err: %+v", err)
		os.Exit(1)
	}
	defer st.Close()

	for _, cfg := range loaded.Positions {
		pos, err := st.LoadPosition(ctx, cfg.ID)
		if err != nil {
			fmt.Printf("position %s: %v\n", cfg.ID, err)
			continue
		}
		if *asJSON {
			printJSON(pos)
			continue
		}
		fmt.Printf("position %s name=%s exec=%d target=%d pnl=%s updated=%s\n",
			pos.ID, pos.Name, pos.ExecQty, pos.TargetQty, pos.PnL, pos.UpdatedAt.Format("2006-01-02 15:04:05"))
		for _, leg := range pos.Legs {
			fmt.Printf("  leg %s %s qty_ratio=%s price_ratio=%s\n", leg.Alias, leg.Instrument, leg.QtyRatio, leg.PriceRatio)
		}
	}

	records, err := st.LoadActiveStrategyConfigs(ctx)
	if err != nil {
		logs.Errorf("load strategies failed, err: %+v", err)
		os.Exit(1)
	}
	for _, rec := range records {
		if *asJSON {
			printJSON(rec)
			continue
		}
		c := rec.Config
		fmt.Printf("strategy %s type=%s name=%s legs=%s/%s mode=%s base=%d entry=%v exit=%s\n",
			rec.ID, c.Type, c.Name, c.Leg1.Alias, c.Leg2.Alias, c.Mode, c.BaseQty, c.EntryLevels, c.ExitLevel)
	}

	if *orders == "" {
		return
	}
	for _, raw := range strings.Split(*orders, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			fmt.Printf("order %q: invalid id\n", raw)
			continue
		}
		o, err := st.LoadOrder(ctx, schema.OrderID(id))
		if err != nil {
			fmt.Printf("order %d: %v\n", id, err)
			continue
		}
		if *asJSON {
			printJSON(o)
			continue
		}
		fmt.Printf("order %d trans=%d venue=%s %s %s %s price=%s qty=%d filled=%d leaves=%d exec=%s status=%s position=%s\n",
			o.ID, o.TransID, o.VenueOrderID, o.Instrument, o.Side, o.Type, o.Price, o.Qty, o.Filled, o.Leaves, o.ExecPrice, o.Status, o.PositionID)
	}
}

func printJSON(v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		fmt.Printf("encode failed: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
