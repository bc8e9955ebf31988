package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/clusterctl/commissioner/pkg/utils/crypto"
	"github.com/clusterctl/commissioner/pkg/utils/sshkeygen"
)

// keygen prepares the secrets a commissioner deployment needs: the SSH key it
// uses to reach database nodes and a key for sealing sensitive task params.
func main() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get home directory: %v", err)
	}

	keyPath := flag.String("key", filepath.Join(homeDir, ".ssh", "commissioner_ed25519"), "private key path; the public key is written next to it")
	comment := flag.String("comment", "commissioner", "comment stored in the key")
	flag.Parse()

	fmt.Printf("Generating Ed25519 SSH key pair...\n")
	kp, err := sshkeygen.GenerateEd25519(*comment)
	if err != nil {
		log.Fatalf("Failed to generate key pair: %v", err)
	}

	switch err := kp.Write(*keyPath); {
	case errors.Is(err, sshkeygen.ErrKeyExists):
		fmt.Printf("✓ Key pair already exists (skipped): %s\n", *keyPath)
	case err != nil:
		log.Fatalf("Failed to write key pair: %v", err)
	default:
		fmt.Printf("✓ Private key: %s\n", *keyPath)
		fmt.Printf("✓ Public key: %s.pub\n", *keyPath)
	}

	secret, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("Failed to generate encryption key: %v", err)
	}
	fmt.Printf("\nSet these in config.yaml or the environment:\n")
	fmt.Printf("  COMMISSIONER_REMOTE_PRIVATE_KEY_PATH=%s\n", *keyPath)
	fmt.Printf("  COMMISSIONER_SECURITY_DETAILS_ENCRYPTION_KEY=%s\n", secret)
}
