// Command relayctl inspects the relay's offline store: pending backlogs
// and staged file bodies. It opens badger read-only and can run next to
// a live relay.
package main

import (
	"os"

	"github.com/gookit/color"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		color.Error.Println(err)
		os.Exit(1)
	}
}
