package main

import (
	"fmt"
	"os"

	"github.com/benediktbwimmer/apphub-metastore/apps/cli-metastore-admin/root"
)

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
