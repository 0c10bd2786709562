package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"vidsearch/internal/corpus"
	"vidsearch/internal/llm"
	"vidsearch/internal/models"
	"vidsearch/internal/search"
	"vidsearch/internal/server"
	"vidsearch/internal/vectorstore"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ingestCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	path := fs.String("csv", "", "CSV corpus file")
	workers := fs.Int("workers", 0, "embedding workers (default from config)")
	_ = fs.Parse(args)
	if *path == "" {
		return usageError("vidsearch ingest --csv <file>")
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if *workers > 0 {
		a.cfg.IngestWorkers = *workers
	}

	src, err := corpus.OpenCSV(*path)
	if err != nil {
		return err
	}
	defer src.Close()

	rep, err := a.pipeline().IngestStream(ctx, src)
	fmt.Printf("run %s: %d indexed, %d skipped, %d failed\n", rep.RunID, rep.Succeeded, len(rep.Skipped), len(rep.Failed))
	for _, it := range rep.Failed {
		fmt.Printf("  failed  %s: %s\n", it.ID, it.Reason)
	}
	for _, it := range rep.Skipped {
		fmt.Printf("  skipped %s: %s\n", it.ID, it.Reason)
	}
	return err
}

func searchCmd(ctx context.Context, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return usageError(`vidsearch search "<query>" [--k 10] [--min-views N] [--filter field=value]`)
	}
	query := args[0]
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	k := fs.Int("k", 0, "number of results (default from config)")
	minViews := fs.Float64("min-views", 0, "minimum view_count")
	asJSON := fs.Bool("json", false, "print results as JSON")
	equals := kvFlag{}
	fs.Var(equals, "filter", "metadata equality filter field=value (repeatable)")
	_ = fs.Parse(args[1:])

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	topK := *k
	if topK <= 0 {
		topK = a.engine.DefaultTopK()
	}
	filter := vectorstore.Filter{}
	if len(equals) > 0 {
		filter.Equals = equals
	}
	if *minViews > 0 {
		filter.Min = map[string]float64{"view_count": *minViews}
	}

	results, err := a.engine.Search(ctx, query, topK, filter)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, r := range results {
		fmt.Fprintf(tw, "%d.\t%.4f\t%s\t%s\t%s\n", r.Rank, r.Score, r.ItemID, r.Metadata["title"], r.URL)
	}
	return tw.Flush()
}

func getCmd(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("vidsearch get <id>")
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	rec, err := a.store.Get(args[0])
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"id":        rec.ID,
		"model":     rec.Model,
		"dim":       len(rec.Vector),
		"metadata":  rec.Metadata,
		"updatedAt": rec.UpdatedAt,
	})
}

func deleteCmd(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("vidsearch delete <id>")
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.store.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("deleted", args[0])
	return nil
}

func statsCmd(ctx context.Context, _ []string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return printJSON(map[string]any{
		"count":   a.store.Count(),
		"model":   a.store.Model(),
		"dim":     a.store.Dim(),
		"stale":   len(a.store.Stale()),
		"backend": a.cfg.StoreBackend,
	})
}

func serveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (default from config)")
	readOnly := fs.Bool("read-only", false, "reject DELETE requests")
	_ = fs.Parse(args)

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if *addr == "" {
		*addr = a.cfg.HTTPAddr
	}
	if err := a.engine.CheckCompatible(); err != nil {
		a.logger.Warn("serving an incompatible store; searches will be refused", "err", err)
	}
	api := server.NewAPI(a.engine, a.store, server.Options{
		Logger:       a.logger,
		Metrics:      a.metrics,
		Gatherer:     a.registry,
		RateLimitRPS: a.cfg.RateLimitRPS,
		ReadOnly:     *readOnly,
	})
	return server.Run(ctx, *addr, api.Handler(), a.logger)
}

func exportCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "", "snapshot file to write")
	_ = fs.Parse(args)
	if *out == "" {
		return usageError("vidsearch export --out <file.zst>")
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := a.store.WriteSnapshot(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("exported %d items to %s\n", a.store.Count(), *out)
	return nil
}

func importCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	in := fs.String("in", "", "snapshot file to read")
	_ = fs.Parse(args)
	if *in == "" {
		return usageError("vidsearch import --in <file.zst>")
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := a.store.ReadSnapshot(ctx, f)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d items from %s\n", n, *in)
	return nil
}

func evalCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	path := fs.String("cases", "", "JSON file of {query, relevant} cases")
	_ = fs.Parse(args)
	if *path == "" {
		return usageError("vidsearch eval --cases <cases.json>")
	}
	f, err := os.Open(*path)
	if err != nil {
		return err
	}
	defer f.Close()
	cases, err := search.ReadCases(f)
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	m, err := search.Evaluate(ctx, a.engine, cases)
	if err != nil {
		return err
	}
	return printJSON(m)
}

func modelsCmd(ctx context.Context, _ []string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	lister, ok := a.llm.(llm.ModelLister)
	if !ok {
		fmt.Println(a.cfg.EmbeddingModel)
		return nil
	}
	names, err := lister.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		mark := " "
		if n == a.cfg.EmbeddingModel {
			mark = "*"
		}
		fmt.Println(mark, n)
	}
	return nil
}

func dropStaleCmd(ctx context.Context, _ []string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	n, err := a.store.DropStale(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("dropped %d stale items\n", n)
	return nil
}

// runHistory is implemented by backends that keep ingest reports.
type runHistory interface {
	LastRun(ctx context.Context) (models.IngestReport, error)
}

func lastRunCmd(ctx context.Context, _ []string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	h, ok := a.backend.(runHistory)
	if !ok {
		return fmt.Errorf("the %s backend keeps no ingest history", a.cfg.StoreBackend)
	}
	rep, err := h.LastRun(ctx)
	if errors.Is(err, vectorstore.ErrNotFound) {
		fmt.Println("no ingest runs recorded")
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(rep)
}
