// tiny-sync-tool runs one sync operation from the command line against the configured database.
//
// Usage:
//
//	go run ./cmd/tiny-sync-tool --action=sync-all [--company=<id>]
//	go run ./cmd/tiny-sync-tool --action=analyze --order=<id>
//	go run ./cmd/tiny-sync-tool --action=send --order=<id> [--retry]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/erp_integration/appctx"
	"github.com/mmdatafocus/erp_integration/autosend"
	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/erpsync"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/notify"
	"github.com/mmdatafocus/erp_integration/tinyerp"
)

func main() {
	action := flag.String("action", "", "Required: sync-all | analyze | send")
	orderID := flag.String("order", "", "Order id (analyze, send)")
	companyID := flag.String("company", "", "Restrict sync-all to one company")
	retry := flag.Bool("retry", false, "send: use the company's retry policy")
	flag.Parse()

	act := strings.TrimSpace(*action)
	if act == "" {
		fmt.Fprintln(os.Stderr, "--action is required")
		os.Exit(1)
	}
	if (act == "analyze" || act == "send") && strings.TrimSpace(*orderID) == "" {
		fmt.Fprintln(os.Stderr, "--order is required for "+act)
		os.Exit(1)
	}

	settings := config.GetSettings()
	logger := config.GetLogger()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	orders := models.NewOrderStore(db)
	companies := models.NewCompanyStore(db)
	products := models.NewProductStore(db)
	transport, err := tinyerp.NewTransport(settings, tinyerp.CompanyCredentials{Companies: companies})
	if err != nil {
		fmt.Fprintf(os.Stderr, "transport: %v\n", err)
		os.Exit(1)
	}
	notifier := notify.NewLogNotifier(logger)
	catalog := erpsync.CatalogFunc(products.List)

	ctx := appctx.WithTrigger(context.Background(), "manual")
	switch act {
	case "sync-all":
		engine, err := erpsync.NewEngine(erpsync.Options{
			Transport:  transport,
			Matcher:    erpsync.NewProductMatcher(catalog, nil, 0),
			Notifier:   notifier,
			History:    erpsync.NewHistoryLog(erpsync.DefaultHistoryLimit, models.NewHistoryStore(db)),
			BatchDelay: settings.BatchDelay(),
			Orders:     orders,
			Configs:    models.NewSyncConfigStore(db),
			Companies:  companies,
			Logger:     logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "engine: %v\n", err)
			os.Exit(1)
		}
		// Start loads the persisted configs; the poller is not wanted here.
		if err := engine.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		engine.Stop()

		list, err := orders.ListAutoSync(ctx, *companyID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list orders: %v\n", err)
			os.Exit(1)
		}
		res, err := engine.SyncAllAndSave(ctx, list)
		printJSON(res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sync aborted: %v\n", err)
			os.Exit(2)
		}

	case "analyze", "send":
		orch, err := autosend.New(autosend.Options{
			Transport: transport,
			Customers: models.NewCustomerStore(db),
			Products:  catalog,
			Orders:    orders,
			Notifier:  notifier,
			Logger:    logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
			os.Exit(1)
		}
		order, err := orders.Get(ctx, *orderID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "order %s: %v\n", *orderID, err)
			os.Exit(1)
		}
		if act == "analyze" {
			printJSON(orch.AnalyzeOrder(ctx, *order, order.CompanyId))
			return
		}
		company, err := companies.Get(ctx, order.CompanyId)
		if err != nil {
			fmt.Fprintf(os.Stderr, "company %s: %v\n", order.CompanyId, err)
			os.Exit(1)
		}
		var res *autosend.SendResult
		if *retry {
			res, err = orch.SendWithRetry(ctx, *order, company, models.ERPNameTiny)
		} else {
			res, err = orch.Send(ctx, *order, company, models.ERPNameTiny)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			os.Exit(2)
		}
		printJSON(res)

	default:
		fmt.Fprintln(os.Stderr, "unknown --action "+act)
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
