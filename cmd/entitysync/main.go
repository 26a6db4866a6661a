// Command entitysync administers the entity sync engine: partner and
// collection status, unlink and reset, mailbox imports and the changes
// sink.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
