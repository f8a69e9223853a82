package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/bayesengine/bayes-engine/config"
	"github.com/bayesengine/bayes-engine/worker"
)

// Exit codes per the engine's worker contract.
const (
	exitOK              = 0
	exitConfiguration   = 1
	exitModuleFetch     = 2
	exitEvaluatorBroken = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// CONFIG_ENDPOINT is optional here: --base-url below can supply it
	// instead. DefaultWorker still seeds DefaultBits/BatchWindow even when
	// it returns an error for the missing env var.
	cfg, _ := config.DefaultWorker()

	fs := flag.NewFlagSet("bayesworker", flag.ContinueOnError)
	baseURL := fs.String("base-url", cfg.ConfigEndpoint, "bayesd base URL")
	repository := fs.String("repository", "", "owner/name of the project to fuzz")
	cores := fs.Int("cores", runtime.NumCPU(), "number of worker goroutines")
	token := fs.String("token", os.Getenv("BAYES_TOKEN"), "bearer token presented with every submission")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitConfiguration
	}
	if *baseURL == "" || *repository == "" {
		fmt.Fprintln(os.Stderr, "bayesworker: --base-url and --repository are required")
		return exitConfiguration
	}
	owner, name, ok := splitRepository(*repository)
	if !ok {
		fmt.Fprintln(os.Stderr, "bayesworker: --repository must be \"owner/name\"")
		return exitConfiguration
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := worker.NewRunner(ctx, worker.Config{
		BaseURL:     *baseURL,
		Token:       *token,
		Cores:       *cores,
		DefaultBits: cfg.DefaultBits,
		BatchWindow: cfg.BatchWindow,
	}, owner, name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitModuleFetch
	}
	defer r.Close(context.Background())

	if err := r.Preflight(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitEvaluatorBroken
	}

	statsDone := make(chan struct{})
	go statsLoop(ctx, r, statsDone)

	if err := r.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitModuleFetch
	}
	<-statsDone
	return exitOK
}

func statsLoop(ctx context.Context, r *worker.Runner, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("\rtests=%d submitted=%d failed=%d estimates=[%s]",
				r.Metrics.LocalTests.Load(), r.Metrics.SubmittedHashes.Load(), r.Metrics.FailedSubmissions.Load(), r.EstimateSummary())
		}
	}
}

func splitRepository(s string) (owner, name string, ok bool) {
	for i := range s {
		if s[i] == '/' {
			return s[:i], s[i+1:], s[:i] != "" && s[i+1:] != ""
		}
	}
	return "", "", false
}
