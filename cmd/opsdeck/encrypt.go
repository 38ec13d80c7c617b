package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"opsdeck/internal/infra/config"
)

// runEncrypt prints an enc: value sealed with OPSDECK_CONFIG_KEY. With no
// argument the value is read from the first line of stdin, keeping it out of
// shell history.
func runEncrypt(args []string) error {
	_, rest := splitArgs(args)
	passphrase := os.Getenv(config.KeyEnv)
	if passphrase == "" {
		return fmt.Errorf("%s must be set", config.KeyEnv)
	}

	var value string
	switch len(rest) {
	case 0:
		v, err := readLine(os.Stdin)
		if err != nil {
			return err
		}
		value = v
	case 1:
		value = rest[0]
	default:
		return fmt.Errorf("usage: opsdeck encrypt [VALUE]")
	}

	sealed, err := sealValue(value, passphrase)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

func sealValue(value, passphrase string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("refusing to encrypt an empty value")
	}
	sealed, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return "", err
	}
	return config.EncryptedPrefix + sealed, nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read value: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
