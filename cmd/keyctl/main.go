// Command keyctl is the operator CLI for the key service: manual sweeps,
// revocation, account inspection and minting command tokens for testing.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(wireApp).Execute(); err != nil {
		os.Exit(1)
	}
}
