// Package secrets seals the per-start secrets handed to compute.
//
// Every compute start carries a fresh connection token and the secret-filter
// data the agent uses to redact output. Both travel to the broker sealed
// with age so the broker only ever relays ciphertext. Payloads are armored
// so they fit in a string field, and encoded as YAML before sealing.
package secrets

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
	"gopkg.in/yaml.v3"
)

const (
	// PayloadVersion is the current sealed payload format version.
	PayloadVersion = 1

	tokenBytes = 32
)

// StartSecrets is the plaintext sealed for one compute start.
type StartSecrets struct {
	Version         int               `yaml:"version"`
	EnvironmentID   string            `yaml:"environment_id"`
	ConnectionToken string            `yaml:"connection_token"`
	SecretFilter    []string          `yaml:"secret_filter,omitempty"`
	Variables       map[string]string `yaml:"variables,omitempty"`
}

// Sealer encrypts StartSecrets to a fixed set of recipients.
type Sealer struct {
	recipients []age.Recipient
	// identity is only set for ephemeral sealers, which can also open.
	identity *age.X25519Identity
}

// NewSealer returns a Sealer for the given age recipients.
func NewSealer(recipients ...age.Recipient) (*Sealer, error) {
	if len(recipients) == 0 {
		return nil, errors.New("at least one age recipient is required")
	}
	return &Sealer{recipients: recipients}, nil
}

// NewEphemeralSealer generates a throwaway identity and seals to it.
// Used when no recipients file is configured.
func NewEphemeralSealer() (*Sealer, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	return &Sealer{recipients: []age.Recipient{identity.Recipient()}, identity: identity}, nil
}

// LoadSealer reads age recipients (age1...) from path, one per line.
func LoadSealer(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read age recipients %s: %w", path, err)
	}
	recipients, err := parseAgeRecipients(data)
	if err != nil {
		return nil, err
	}
	return NewSealer(recipients...)
}

// Identity returns the ephemeral identity, or nil for recipient-only sealers.
func (s *Sealer) Identity() *age.X25519Identity {
	return s.identity
}

// Seal encodes and encrypts secrets, returning armored ciphertext.
func (s *Sealer) Seal(secrets StartSecrets) (string, error) {
	if s == nil || len(s.recipients) == 0 {
		return "", errors.New("sealer has no recipients")
	}
	if strings.TrimSpace(secrets.ConnectionToken) == "" {
		return "", errors.New("connection token is required")
	}
	if secrets.Version == 0 {
		secrets.Version = PayloadVersion
	}
	plain, err := yaml.Marshal(secrets)
	if err != nil {
		return "", fmt.Errorf("encode start secrets: %w", err)
	}
	var out bytes.Buffer
	armored := armor.NewWriter(&out)
	w, err := age.Encrypt(armored, s.recipients...)
	if err != nil {
		return "", fmt.Errorf("encrypt start secrets: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return "", fmt.Errorf("encrypt start secrets: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encrypt start secrets: %w", err)
	}
	if err := armored.Close(); err != nil {
		return "", fmt.Errorf("armor start secrets: %w", err)
	}
	return out.String(), nil
}

// Open decrypts armored ciphertext produced by Seal.
func Open(sealed string, identities ...age.Identity) (StartSecrets, error) {
	if len(identities) == 0 {
		return StartSecrets{}, errors.New("at least one age identity is required")
	}
	reader, err := age.Decrypt(armor.NewReader(strings.NewReader(sealed)), identities...)
	if err != nil {
		return StartSecrets{}, fmt.Errorf("decrypt start secrets: %w", err)
	}
	plain, err := io.ReadAll(reader)
	if err != nil {
		return StartSecrets{}, fmt.Errorf("read start secrets: %w", err)
	}
	var secrets StartSecrets
	if err := yaml.Unmarshal(plain, &secrets); err != nil {
		return StartSecrets{}, fmt.Errorf("decode start secrets: %w", err)
	}
	if secrets.Version != PayloadVersion {
		return StartSecrets{}, fmt.Errorf("unsupported start secrets version %d", secrets.Version)
	}
	return secrets, nil
}

// LoadIdentities reads AGE-SECRET-KEY lines from path.
func LoadIdentities(path string) ([]age.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", path, err)
	}
	return parseAgeIdentities(data)
}

// NewConnectionToken returns a random URL-safe token.
func NewConnectionToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate connection token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func parseAgeRecipients(data []byte) ([]age.Recipient, error) {
	var recipients []age.Recipient
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		recipient, err := age.ParseX25519Recipient(line)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		recipients = append(recipients, recipient)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, errors.New("no age recipients found")
	}
	return recipients, nil
}

func parseAgeIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}
