// Command simulate runs an end-to-end exercise of the engine against the
// mock exchange: place orders for a signal, fill them, reconcile the
// resulting state. Useful for demos and smoke-testing without credentials.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantfold/deltadesk/internal/engine"
	"github.com/quantfold/deltadesk/internal/exchange"
	"github.com/quantfold/deltadesk/internal/store"
)

type allAccounts struct{}

func (allAccounts) IsAccountEnabled(string) bool { return true }

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "simulation failed:", err)
		os.Exit(1)
	}
	fmt.Println("simulation completed")
}

func run() error {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	dir, err := os.MkdirTemp("", "deltadesk-sim")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "records.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	gw := exchange.NewMockGateway(time.Now().UnixNano(), time.Now())
	executor := engine.NewExecutor(gw, st, allAccounts{}, logger)
	worker := engine.NewWorker(gw, st, logger, engine.ReconcileConfig{
		SpreadRatioThreshold: 0.15,
		DefaultMoveDelta:     0.05,
	})
	ctx := context.Background()

	// Place delta-targeted orders for a buy signal.
	result := executor.Execute(ctx, engine.Signal{
		AccountName:  "sim",
		Side:         exchange.SideBuy,
		Symbol:       "BTC",
		Size:         0.5,
		QuantityType: engine.QuantityContracts,
		Delta1:       0.4,
		Delta2:       0.6,
		Count:        2,
		TVID:         "sim-run",
		Action:       "open",
	})
	if !result.Success {
		return fmt.Errorf("signal execution: %s", result.Message)
	}
	fmt.Printf("placed %d order(s)\n", len(result.Orders))

	// Fill every placed order on the mock exchange.
	for _, order := range result.Orders {
		rec, err := st.FindOrderRecord(ctx, "sim", order.OrderID)
		if err != nil {
			return fmt.Errorf("record for %s: %w", order.OrderID, err)
		}
		fmt.Printf("order %s on %s targets delta %.4f\n", order.OrderID, order.InstrumentName, rec.TargetDelta)
		if err := gw.FillOrder(order.OrderID); err != nil {
			return fmt.Errorf("filling %s: %w", order.OrderID, err)
		}
	}

	// Order reconciliation detects the fills and promotes the records.
	actions, err := worker.Reconcile(ctx, "sim", engine.ScopeOrders)
	if err != nil {
		return fmt.Errorf("order reconciliation: %w", err)
	}
	for _, a := range actions {
		fmt.Printf("order pass: %s %s (%s)\n", a.Type, a.InstrumentName, a.Detail)
	}

	// Promotion leaves one POSITION record per filled instrument. Drift
	// each held quote's delta and let position reconciliation hedge.
	for _, order := range result.Orders {
		rec, err := st.FindPositionRecord(ctx, "sim", order.InstrumentName)
		if err != nil {
			return fmt.Errorf("promoted record for %s: %w", order.InstrumentName, err)
		}
		fmt.Printf("position record %d on %s targets delta %.4f\n", rec.ID, rec.InstrumentName, rec.TargetDelta)

		q, err := gw.GetQuote(ctx, rec.InstrumentName)
		if err != nil {
			return err
		}
		q.Greeks.Delta *= 1.5
		gw.SetQuote(*q)
	}
	actions, err = worker.Reconcile(ctx, "sim", engine.ScopePositions)
	if err != nil {
		return fmt.Errorf("position reconciliation: %w", err)
	}
	for _, a := range actions {
		fmt.Printf("position pass: %s %s (%s)\n", a.Type, a.InstrumentName, a.Detail)
	}

	summaries, err := st.AccountSummaries(ctx)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		fmt.Printf("account %s: %d record(s), total target delta %.4f\n",
			s.AccountID, s.RecordCount, s.TotalDelta)
	}
	return nil
}
