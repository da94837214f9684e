package main

import (
	"fmt"
	"os"

	"cryptoJournal/cmd/journal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
