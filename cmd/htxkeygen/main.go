// Command htxkeygen creates and inspects the Curve25519 static identity
// files used by the Noise XK handshake.
//
// Subcommands:
//
//	htxkeygen generate -key server.key -pub server.pub
//	htxkeygen derive-pub -key server.key -pub server.pub
//
// generate creates a fresh keypair and writes both halves as raw 32-byte
// files. derive-pub re-derives the public half of an existing private key
// file, useful after copying only the `.key` file between machines.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/opd-ai/betanet/crypto"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "generate":
		return runGenerate(args[1:])
	case "derive-pub":
		return runDerivePub(args[1:])
	case "-help", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "htxkeygen: unknown subcommand %q\n\n", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Println("htxkeygen - Curve25519 static identity key management")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  htxkeygen generate -key PATH -pub PATH")
	fmt.Println("  htxkeygen derive-pub -key PATH -pub PATH")
	fmt.Println()
	fmt.Println("generate   writes a fresh private key to the -key PATH and its public key to the -pub PATH")
	fmt.Println("derive-pub reads an existing private key and writes its public half")
}

func runGenerate(args []string) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	keyPath := fs.String("key", "", "path to write the private key")
	pubPath := fs.String("pub", "", "path to write the public key")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *keyPath == "" || *pubPath == "" {
		fmt.Fprintln(os.Stderr, "htxkeygen generate: -key and -pub are required")
		return 1
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		logrus.WithError(err).Error("generate key pair")
		return 1
	}

	if err := writeKeyFile(*keyPath, kp.Private[:]); err != nil {
		logrus.WithError(err).Error("write private key")
		return 1
	}
	if err := writeKeyFile(*pubPath, kp.Public[:]); err != nil {
		logrus.WithError(err).Error("write public key")
		return 1
	}

	fmt.Printf("wrote %s (%d bytes) and %s (%d bytes)\n", *keyPath, len(kp.Private), *pubPath, len(kp.Public))
	return 0
}

func runDerivePub(args []string) int {
	fs := flag.NewFlagSet("derive-pub", flag.ContinueOnError)
	keyPath := fs.String("key", "", "path to an existing private key")
	pubPath := fs.String("pub", "", "path to write the derived public key")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *keyPath == "" || *pubPath == "" {
		fmt.Fprintln(os.Stderr, "htxkeygen derive-pub: -key and -pub are required")
		return 1
	}

	blob, err := os.ReadFile(*keyPath)
	if err != nil {
		logrus.WithError(err).Error("read private key")
		return 1
	}
	priv, err := crypto.LoadPrivateKey(blob)
	if err != nil {
		logrus.WithError(err).Error("load private key")
		return 1
	}

	kp, err := crypto.FromSecretKey(priv)
	if err != nil {
		logrus.WithError(err).Error("derive public key")
		return 1
	}

	if err := writeKeyFile(*pubPath, kp.Public[:]); err != nil {
		logrus.WithError(err).Error("write public key")
		return 1
	}

	fmt.Printf("wrote %s (%d bytes)\n", *pubPath, len(kp.Public))
	return 0
}

func writeKeyFile(path string, key []byte) error {
	return os.WriteFile(path, key, 0o600)
}
