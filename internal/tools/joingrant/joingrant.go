// Package joingrant generates the ed25519 key pair that signs and verifies
// conclave join grants.
package joingrant

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/louisbranch/conclave/internal/services/conclave/grant"
)

// Run generates a key pair and writes shell exports for both halves.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate join grant key: %w", err)
	}
	exports := []struct {
		name  string
		value []byte
	}{
		{name: grant.EnvPrivateKey, value: privateKey},
		{name: grant.EnvPublicKey, value: publicKey},
	}
	for _, export := range exports {
		if _, err := fmt.Fprintf(out, "export %s=%s\n", export.name, base64.RawStdEncoding.EncodeToString(export.value)); err != nil {
			return err
		}
	}
	return nil
}
