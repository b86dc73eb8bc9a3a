// Package certpin generates and loads the Ed25519 identity the tunnel
// authenticates with, and builds the TLS configs both ends use: a
// self-signed server certificate, and a client verifier pinned to the
// server's public-key fingerprint instead of a CA chain.
package certpin

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// ALPN is the TLS application protocol both ends negotiate. A mismatch
// here looks, to a passive observer, like any other QUIC service refusing
// a connection.
const ALPN = "dq-tunnel"

// GenerateKeyPair generates a new Ed25519 identity key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SavePrivateKey writes an Ed25519 private key to a PKCS8 PEM file.
func SavePrivateKey(privKey ed25519.PrivateKey, path string) error {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("certpin: marshal private key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("certpin: create file: %w", err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
}

// SavePublicKey writes an Ed25519 public key to a PKIX PEM file.
func SavePublicKey(pubKey ed25519.PublicKey, path string) error {
	pkix, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("certpin: marshal public key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("certpin: create file: %w", err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: "PUBLIC KEY", Bytes: pkix})
}

// LoadPrivateKey reads an Ed25519 private key from a PKCS8 PEM file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("certpin: read file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("certpin: failed to decode PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certpin: parse private key: %w", err)
	}
	privKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("certpin: not an Ed25519 private key")
	}
	return privKey, nil
}

// LoadPublicKey reads an Ed25519 public key from a PKIX PEM file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("certpin: read file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("certpin: failed to decode PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certpin: parse public key: %w", err)
	}
	pubKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("certpin: not an Ed25519 public key")
	}
	return pubKey, nil
}

// GenerateTLSCertificate creates a self-signed, one-year certificate over
// an Ed25519 key. The certificate's contents carry no identifying
// information beyond what TLS requires; only the public key matters, since
// clients verify by fingerprint, not by chain.
func GenerateTLSCertificate(privKey ed25519.PrivateKey) (tls.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certpin: generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"tunnel endpoint"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	pubKey := privKey.Public().(ed25519.PublicKey)
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certpin: create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
		Leaf:        &template,
	}, nil
}

// Fingerprint returns the base64 SHA-256 digest of a public key, the value
// clients pin against instead of trusting a CA chain.
func Fingerprint(pubKey ed25519.PublicKey) string {
	hash := sha256.Sum256(pubKey)
	return base64.StdEncoding.EncodeToString(hash[:])
}

// PinningVerifier returns a tls.Config.VerifyPeerCertificate callback that
// accepts only a leaf whose public key fingerprint matches expected.
func PinningVerifier(expected string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("certpin: no certificates presented")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("certpin: parse certificate: %w", err)
		}
		pubKey, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return errors.New("certpin: certificate is not Ed25519")
		}
		got := Fingerprint(pubKey)
		if got != expected {
			return fmt.Errorf("certpin: fingerprint mismatch: got %s, want %s", got, expected)
		}
		return nil
	}
}

// ServerTLSConfig builds the listener-side TLS config.
func ServerTLSConfig(privKey ed25519.PrivateKey) (*tls.Config, error) {
	cert, err := GenerateTLSCertificate(privKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}, nil
}

// ClientTLSConfig builds the dialer-side TLS config, pinned to a server
// fingerprint instead of verifying a certificate chain: the tunnel has no
// CA, so the usual chain check is replaced outright rather than merely
// supplemented.
func ClientTLSConfig(expectedFingerprint string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: PinningVerifier(expectedFingerprint),
		NextProtos:            []string{ALPN},
	}
}

// Signer adapts an Ed25519 private key to crypto.Signer.
func Signer(privKey ed25519.PrivateKey) crypto.Signer {
	return privKey
}
