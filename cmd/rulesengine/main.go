package main

import (
	"context"
	"fmt"
	"os"

	"github.com/liamcoop/rulestage/internal/cli"
	"github.com/liamcoop/rulestage/internal/logger"
)

func main() {
	err := cli.NewRootCommand().Execute()
	_ = logger.Shutdown(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
