// Command batonctl inspects and drives baton lock stores and ledgers.
package main

import (
	stdErrors "errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand(os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		var exit *exitError
		if stdErrors.As(err, &exit) {
			if exit.err != nil {
				fmt.Fprintln(os.Stderr, "batonctl:", exit.err)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "batonctl:", err)
		os.Exit(1)
	}
}

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }
