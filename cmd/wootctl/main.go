// Command wootctl is the command-line client for the wootsim daemon.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
