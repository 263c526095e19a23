package main

import (
	"log"

	"github.com/austindbirch/harbor_sync/cmd/syncctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
