package main

import (
	"fmt"
	"os"

	"github.com/amberkv/amberkv/cmd/amberkv/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
