package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/marcelsud/roster-hooks/webhook"
	"github.com/marcelsud/roster-hooks/webhook/executor"
	"github.com/marcelsud/roster-hooks/webhook/signature"
)

/*
 * cli helps receivers integrate: it signs and verifies payloads the same way
 * the executor does.
 *
 *	cli secret
 *	cli sign -secret whsec_... < payload.json
 *	cli verify -secret whsec_... -signature sha256=... < payload.json
 */

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cli secret | sign -secret S | verify -secret S -signature SIG (payload on stdin)")
}

func run(cmd string, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	secret := fs.String("secret", "", "subscription secret")
	sig := fs.String("signature", "", "value of the "+executor.HeaderSignature+" header")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "secret":
		s, err := signature.GenerateSecret(webhook.SecretBytes)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
		return nil
	case "sign", "verify":
		if *secret == "" {
			return fmt.Errorf("-secret is required")
		}
		payload, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		if cmd == "sign" {
			fmt.Fprintln(out, signature.Sign(payload, *secret))
			return nil
		}
		if _, _, err := signature.ParseHeader(*sig); err != nil {
			return err
		}
		if !signature.Verify(payload, *sig, *secret) {
			return fmt.Errorf("signature mismatch")
		}
		fmt.Fprintln(out, "signature valid")
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
