package app

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// ReadPassphrase returns $DV_PASSPHRASE if set, otherwise prompts on the
// terminal without echo. With confirm set the passphrase is asked twice.
func ReadPassphrase(prompt string, confirm bool) (string, error) {
	if p := os.Getenv(EnvPassphrase); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt for passphrase; set %s", EnvPassphrase)
	}

	first, err := promptHidden(fd, prompt)
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", fmt.Errorf("passphrase must not be empty")
	}
	if !confirm {
		return first, nil
	}

	second, err := promptHidden(fd, "Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

func promptHidden(fd int, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}
