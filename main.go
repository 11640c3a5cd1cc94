package main

import (
	"log"

	"tuneagent/cmd"
)

func main() {
	// keep main tiny; cmd.Execute implements CLI and agent bootstrap
	if err := cmd.Execute(); err != nil {
		log.Fatalf("tuneagent: %v", err)
	}
}
