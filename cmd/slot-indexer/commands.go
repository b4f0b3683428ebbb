package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/slot-indexer/internal/catalog"
	"github.com/withObsrvr/slot-indexer/internal/collector"
	"github.com/withObsrvr/slot-indexer/internal/naming"
	"github.com/withObsrvr/slot-indexer/internal/parser"
	"github.com/withObsrvr/slot-indexer/internal/rpc"
	"github.com/withObsrvr/slot-indexer/internal/validator"
)

func registerCollect(root *cobra.Command) {
	var startSlot uint64
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Fetch blocks from the RPC endpoint and upload raw batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUntilSignal("collector", func(ctx context.Context, e *env) error {
				if cmd.Flags().Changed("start-slot") {
					e.cfg.Collector.StartSlot = startSlot
				}
				if e.cfg.RPC.URL == "" {
					return fmt.Errorf("rpc url is required (RPC_URL)")
				}

				client, err := rpc.Dial(ctx, e.cfg.RPC.URL, e.cfg.RPC.Timeout)
				if err != nil {
					return err
				}
				defer client.Close()

				c, err := collector.New(e.cfg.Collector, client, e.data, e.state)
				if err != nil {
					return err
				}
				return c.Run(ctx)
			})
		},
	}
	cmd.Flags().Uint64Var(&startSlot, "start-slot", 0, "slot to start from when no recovery state exists")
	root.AddCommand(cmd)
}

func registerParse(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "parse",
		Short: "Convert raw batches into blocks, rewards and transactions parquet files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUntilSignal("parser", func(ctx context.Context, e *env) error {
				p, err := parser.New(e.cfg.Parser, e.data, e.state)
				if err != nil {
					return err
				}
				return p.Run(ctx)
			})
		},
	})
}

func openCatalog(ctx context.Context, e *env) catalog.Writer {
	w, err := catalog.NewWriter(ctx, catalog.Config{
		PostgresDSN: e.cfg.Catalog.PostgresDSN,
		Namespace:   e.cfg.Catalog.Namespace,
	})
	if err != nil {
		log.Printf("[main] WARNING: catalog unavailable, continuing without it: %v", err)
		return nil
	}
	return w
}

func registerValidate(root *cobra.Command) {
	var once bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Move parsed files into the epoch/date/hour partitioned layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUntilSignal("validator", func(ctx context.Context, e *env) error {
				cat := openCatalog(ctx, e)
				if cat != nil {
					defer cat.Close()
				}

				v := validator.New(e.cfg.Validator, e.data, e.state, cat)
				if !once {
					return v.Run(ctx)
				}

				if err := v.LoadProcessed(ctx); err != nil {
					return err
				}
				report, err := v.RunOnce(ctx)
				if err != nil {
					return err
				}
				log.Printf("[main] validator pass: %d candidates, %d moved, %d split, %d failed",
					report.Candidates, report.Moved, report.Split, report.Failed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	root.AddCommand(cmd)
}

type gapReport struct {
	RawFiles     int              `json:"raw_files"`
	OldestUpload int64            `json:"oldest_upload"`
	Gaps         []naming.FileGap `json:"gaps"`
	WorkerGaps   map[int]uint64   `json:"worker_gaps"`
	CatalogGaps  [][2]uint64      `json:"catalog_gaps,omitempty"`
}

func registerGaps(root *cobra.Command) {
	var (
		entity   string
		from, to uint64
	)
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "Report slot ranges missing between raw batch files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUntilSignal("gaps", func(ctx context.Context, e *env) error {
				objs, err := e.data.List(ctx, naming.RawPrefix)
				if err != nil {
					return err
				}
				names := make([]string, len(objs))
				for i, o := range objs {
					names[i] = o.Key
				}

				var report gapReport
				report.RawFiles, report.OldestUpload = naming.FilesQueue(names)
				report.Gaps = naming.CollectGaps(names)
				report.WorkerGaps = naming.WorkerGaps(report.Gaps, e.cfg.Collector.WorkerCount)

				if entity != "" {
					cat := openCatalog(ctx, e)
					if cat != nil {
						defer cat.Close()
						if pw, ok := cat.(*catalog.PostgresWriter); ok {
							report.CatalogGaps, err = pw.CoverageGaps(ctx, entity, from, to)
							if err != nil {
								return err
							}
						} else {
							log.Printf("[main] no catalog configured, skipping coverage check")
						}
					}
				}

				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			})
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "also report catalog coverage gaps for this entity")
	cmd.Flags().Uint64Var(&from, "from", 0, "first slot of the catalog coverage check")
	cmd.Flags().Uint64Var(&to, "to", ^uint64(0)>>1, "last slot of the catalog coverage check")
	root.AddCommand(cmd)
}
