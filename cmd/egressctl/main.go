package main

import (
	"log"

	"github.com/austindbirch/harbor_egress/cmd/egressctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
