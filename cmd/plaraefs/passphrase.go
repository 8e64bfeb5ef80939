package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
	"golang.org/x/xerrors"

	"github.com/distr1/plaraefs/internal/env"
)

// resolvePassphrase implements SPEC_FULL.md §D.4: the core's Options takes
// raw passphrase bytes and never touches a terminal; only this CLI prompts.
// $PLARAEFS_PASSPHRASE wins when set (scripted mkfs/mount invocations), else
// an interactive terminal is prompted with echo disabled, else the command
// fails rather than silently reading an empty passphrase from a pipe.
func resolvePassphrase(confirm bool) ([]byte, error) {
	if p, ok := env.Passphrase(); ok {
		return []byte(p), nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return nil, xerrors.Errorf("stdin is not a terminal; set $%s or run interactively", env.PassphraseVar)
	}
	pass, err := promptPassphrase("Passphrase: ")
	if err != nil {
		return nil, err
	}
	if confirm {
		again, err := promptPassphrase("Confirm passphrase: ")
		if err != nil {
			return nil, err
		}
		if string(again) != string(pass) {
			return nil, xerrors.New("passphrases did not match")
		}
	}
	return pass, nil
}

func promptPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, xerrors.Errorf("reading passphrase: %w", err)
	}
	return pass, nil
}
