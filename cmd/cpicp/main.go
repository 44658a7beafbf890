// Command cpicp runs partitioned ICP registration searches, locally or as a
// server streaming results to the browser viewer and gRPC clients.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
