package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"spindle/cmd"
)

func main() {
	// .env is optional; environment variables win over config files
	_ = godotenv.Load()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
