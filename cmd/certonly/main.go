package main

import (
	"errors"
	"fmt"
	"os"

	acme "github.com/caasmo/restinpieces-certonly"
)

// Exit status for a renewal with nothing to renew.
const exitNotRenewable = 2

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, acme.ErrNotRenewable) {
			os.Exit(exitNotRenewable)
		}
		os.Exit(1)
	}
}
