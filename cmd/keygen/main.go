// Command keygen prints random caller access keys for the access.keys list.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
)

const keyBytes = 24

func main() {
	n := flag.Int("n", 1, "number of keys to generate")
	prefix := flag.String("prefix", "sk-carousel-", "prefix for each key")
	flag.Parse()

	if err := generate(os.Stdout, rand.Reader, *n, *prefix); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func generate(w io.Writer, random io.Reader, n int, prefix string) error {
	if n < 1 {
		return fmt.Errorf("-n must be at least 1, got %d", n)
	}

	keys := make([]string, 0, n)
	buf := make([]byte, keyBytes)
	for range n {
		if _, err := io.ReadFull(random, buf); err != nil {
			return fmt.Errorf("read random bytes: %w", err)
		}
		keys = append(keys, prefix+hex.EncodeToString(buf))
	}

	for _, k := range keys {
		fmt.Fprintln(w, k)
	}
	fmt.Fprintln(w, "\nAdd this to your config.yaml (callers only need it when server.host is 0.0.0.0):")
	fmt.Fprintln(w, "access:")
	fmt.Fprintln(w, "  keys:")
	for _, k := range keys {
		fmt.Fprintf(w, "    - %q\n", k)
	}
	return nil
}
