package sshkeygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

var ErrKeyExists = errors.New("sshkeygen: key already exists")

// KeyPair is an OpenSSH private key and its authorized_keys line.
type KeyPair struct {
	PrivatePEM    []byte
	AuthorizedKey []byte
}

// Signer parses the private half, ready for an ssh client or server config.
func (k *KeyPair) Signer() (ssh.Signer, error) {
	return ssh.ParsePrivateKey(k.PrivatePEM)
}

func GenerateEd25519(comment string) (*KeyPair, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(privKey, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}

	return &KeyPair{
		PrivatePEM:    pem.EncodeToMemory(block),
		AuthorizedKey: ssh.MarshalAuthorizedKey(sshPubKey),
	}, nil
}

// Write stores the pair as privateKeyPath and privateKeyPath.pub. An existing
// private key is left alone and reported as ErrKeyExists.
func (k *KeyPair) Write(privateKeyPath string) error {
	if _, err := os.Stat(privateKeyPath); err == nil {
		return fmt.Errorf("%w: %s", ErrKeyExists, privateKeyPath)
	}

	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, k.PrivatePEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath+".pub", k.AuthorizedKey, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
