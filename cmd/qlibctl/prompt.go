package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/keys"
	"github.com/backkem/qlib/pkg/protocol"
	"golang.org/x/term"
)

var errNoTerminal = errors.New("stdin is not a terminal")

// promptKey reads a key as hex from the terminal without echo.
func promptKey(kid protocol.KID) (crypto.Key, error) {
	return readKey(fmt.Sprintf("Key for %s (32 hex digits): ", kid))
}

// promptNewKey reads a replacement key twice and requires both to match.
func promptNewKey(kid protocol.KID) (crypto.Key, error) {
	first, err := readKey(fmt.Sprintf("New key for %s: ", kid))
	if err != nil {
		return crypto.Key{}, err
	}
	second, err := readKey("Repeat new key: ")
	if err != nil {
		first.Wipe()
		return crypto.Key{}, err
	}
	defer second.Wipe()
	if first != second {
		first.Wipe()
		return crypto.Key{}, errors.New("keys do not match")
	}
	return first, nil
}

func readKey(prompt string) (crypto.Key, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return crypto.Key{}, errNoTerminal
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return crypto.Key{}, fmt.Errorf("read key: %w", err)
	}
	defer func() {
		for i := range b {
			b[i] = 0
		}
	}()
	return keys.ParseHex(string(b))
}
