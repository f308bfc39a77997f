// cmd/vmemctl/main.go
//
// vmemctl - inspect and edit append-only memory-mapped column files.
//
// Usage:
//
//	vmemctl [options] <command> <path>
//
// Use --help for the list of commands.
package main

import (
	"os"

	"vmem/pkg/cli"
)

func main() {
	cmd := cli.NewCommand(os.Stdin, os.Stdout, os.Stderr)
	os.Exit(cmd.Run(os.Args[1:]))
}
