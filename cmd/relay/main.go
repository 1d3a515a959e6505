// relay replays the lifecycle events of a host test framework against the
// reporting backend and inspects the upload records left behind by a run.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
