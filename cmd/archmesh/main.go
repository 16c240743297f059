package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/archmesh/archmesh/internal/adapter/controller/cli"
	"github.com/archmesh/archmesh/internal/buildinfo"
)

func main() {
	// Ctrl-C cancels the command; an interrupted drive fails its stage instead of leaving it active
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootBuilder(buildinfo.GetVersion(), buildinfo.GetCommit()).Build()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
