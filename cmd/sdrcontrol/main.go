// Command sdrcontrol lists, configures and streams from RTL-SDR receivers,
// either one-shot from the command line or through the HTTP API of the
// serve subcommand.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
