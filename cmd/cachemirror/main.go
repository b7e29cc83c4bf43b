// Package main provides the cachemirror CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cachemirror/cachemirror/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if isUserError(err) {
			os.Exit(exitUserError)
		}
		os.Exit(exitSysError)
	}
	os.Exit(exitSuccess)
}

// isUserError classifies configuration mistakes apart from run failures.
func isUserError(err error) bool {
	return errors.Is(err, types.ErrVersionInvalid) ||
		errors.Is(err, types.ErrHostEmpty) ||
		errors.Is(err, types.ErrPortInvalid) ||
		errors.Is(err, types.ErrDBPathEmpty)
}
