package main

import (
	"fmt"
	"os"

	// Schedules carry IANA zone names; do not depend on the host zoneinfo.
	_ "time/tzdata"

	"carecue/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
