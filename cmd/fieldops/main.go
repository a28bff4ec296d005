// Command fieldops drives the offline-first field operations client.
package main

import (
	"os"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
