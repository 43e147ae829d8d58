// Shiprate CLI evaluates shipping rate offers offline.
//
// Usage:
//
//	shiprate evaluate --input package.json [--rules rules.yaml]
//	shiprate label --label "Sedex" --cost 0
//	shiprate classes --input package.json
package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
