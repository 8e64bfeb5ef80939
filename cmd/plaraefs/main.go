package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/distr1/plaraefs"
)

// exitError pins a subcommand failure to one of the exit codes named in
// spec.md §6.4: 1 usage error, 2 bad passphrase/authentication failure at
// mount, 3 backing-store I/O error, 4 corruption detected. Plain errors
// (no exitError wrapping) exit 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error  { return &exitError{code: 1, err: err} }
func authErr(err error) error   { return &exitError{code: 2, err: err} }
func ioErr(err error) error     { return &exitError{code: 3, err: err} }
func corruptErr(err error) error { return &exitError{code: 4, err: err} }

func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func main() {
	err := Execute()
	if atErr := plaraefs.RunAtExit(); atErr != nil {
		log.Printf("cleanup: %v", atErr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "plaraefs:", err)
		os.Exit(exitCodeFor(err))
	}
}
