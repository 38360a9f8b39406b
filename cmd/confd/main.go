// Command confd runs the configuration substrate daemon: it loads
// ConfInfo registrations, drains the dispatch queues through a worker
// pool, and publishes refreshed ConfSets while operators watch it over
// the httpops surface.
package main

import (
	"fmt"
	"os"

	"github.com/resolvercore/confd/cmd/confd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
