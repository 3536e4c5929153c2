// Command join-grant-key prints a fresh join grant key pair as shell exports.
package main

import (
	"os"

	"github.com/louisbranch/conclave/internal/platform/config"
	"github.com/louisbranch/conclave/internal/tools/joingrant"
)

func main() {
	if err := joingrant.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate join grant key: %v", err)
	}
}
