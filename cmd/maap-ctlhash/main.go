// maap-ctlhash generates bcrypt token hashes for use in maapd's control
// socket configuration.
// Usage:
//
//	maap-ctlhash
//	maap-ctlhash -cost 12
//	echo 'mytoken' | maap-ctlhash
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	cost := flag.Int("cost", 10, "bcrypt cost factor (4-31, default 10)")
	flag.Parse()

	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "error: cost must be between %d and %d\n", bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(1)
	}

	var token string

	if flag.NArg() > 0 {
		token = flag.Arg(0)
	} else if !term.IsTerminal(int(os.Stdin.Fd())) {
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			token = strings.TrimSpace(scanner.Text())
		}
		if token == "" {
			fmt.Fprintln(os.Stderr, "error: empty token from stdin")
			os.Exit(1)
		}
	} else {
		fmt.Fprint(os.Stderr, "Token: ")
		tok, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading token: %v\n", err)
			os.Exit(1)
		}
		token = string(tok)

		fmt.Fprint(os.Stderr, "Confirm: ")
		tok2, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading confirmation: %v\n", err)
			os.Exit(1)
		}
		if string(tok2) != token {
			fmt.Fprintln(os.Stderr, "error: tokens do not match")
			os.Exit(1)
		}
	}

	if token == "" {
		fmt.Fprintln(os.Stderr, "error: token must not be empty")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(hash))
}
