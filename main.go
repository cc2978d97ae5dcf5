package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ignite-run/ignite/cmd"
)

func main() {
	if err := cmd.NewCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
