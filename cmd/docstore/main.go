// DocStore index server and file tools
// Serves field and geospatial indexes over gRPC and inspects tree files offline
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
