// Package main is the single-binary entrypoint for Infergate, a local
// inference gateway in front of on-disk LLM weight files.
package main

import "github.com/runlocal/infergate/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
