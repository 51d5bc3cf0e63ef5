// Package identity manages a node's long-lived ECDSA keypair and its
// derived NodeID, grounded on the teacher's id_tools package (pid.go,
// operations.go): P-256 keygen, SHA-256(pubkey||salt) id derivation, and
// a sign/verify self-check. Persistence is new: the private key is
// sealed at rest with ECIES (github.com/ecies/go/v2, the teacher's own
// dependency, previously imported but never exercised) under a key
// derived from a passphrase via scrypt (golang.org/x/crypto/scrypt).
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	ecies "github.com/ecies/go/v2"
	"golang.org/x/crypto/scrypt"

	"github.com/kutluhann/dfss-kad/dht"
)

// salt matches every node's salt so that GeneratePeerIDFromPublicKey-style
// derivation is interoperable network-wide, mirroring the teacher's
// constants.Salt.
const salt = "dfss-kad-identity-salt"

var ellipticCurve = elliptic.P256()

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

var errWrongPassphrase = errors.New("identity: wrong passphrase or corrupt key file")

// Identity pairs a signing keypair with the NodeID derived from it.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	ID         dht.NodeID
}

// Generate creates a fresh P-256 keypair and derives its NodeID the same
// way the teacher's GeneratePeerIDFromPublicKey does: SHA-256 over the
// uncompressed public key bytes concatenated with a fixed salt.
func Generate() (*Identity, error) {
	priv, err := ecdsa.GenerateKey(ellipticCurve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Identity{PrivateKey: priv, ID: idFromPublicKey(&priv.PublicKey)}, nil
}

func idFromPublicKey(pub *ecdsa.PublicKey) dht.NodeID {
	ecdhPub, _ := pub.ECDH()
	pubBytes := ecdhPub.Bytes()
	data := append(append([]byte{}, pubBytes...), []byte(salt)...)
	return dht.NodeID(sha256.Sum256(data))
}

// VerifySelf runs the teacher's VerifyIdentity self-check: sign a random
// message and verify it against the public key, catching a corrupted or
// mismatched keypair before it is ever used on the wire.
func (id *Identity) VerifySelf() bool {
	if idFromPublicKey(&id.PrivateKey.PublicKey) != id.ID {
		return false
	}
	msg := make([]byte, 32)
	if _, err := rand.Read(msg); err != nil {
		return false
	}
	hash := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, id.PrivateKey, hash[:])
	if err != nil {
		return false
	}
	return ecdsa.VerifyASN1(&id.PrivateKey.PublicKey, hash[:], sig)
}

// Save seals the private key under passphrase and writes it to path. The
// on-disk format is one PEM block whose body is the ECIES ciphertext of
// the PKCS#8 DER-encoded private key and whose Kdf-Salt header holds the
// 16-byte scrypt salt in hex.
func Save(id *Identity, path string, passphrase string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("identity: marshal key: %w", err)
	}

	kdfSalt := make([]byte, 16)
	if _, err := rand.Read(kdfSalt); err != nil {
		return fmt.Errorf("identity: salt: %w", err)
	}
	derived, err := scrypt.Key([]byte(passphrase), kdfSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return fmt.Errorf("identity: derive key: %w", err)
	}
	sealKey := ecies.NewPrivateKeyFromBytes(derived)
	ciphertext, err := ecies.Encrypt(sealKey.PublicKey, der)
	if err != nil {
		return fmt.Errorf("identity: seal: %w", err)
	}

	block := &pem.Block{
		Type: "DFSS KAD SEALED KEY",
		Headers: map[string]string{
			"Kdf-Salt": hex.EncodeToString(kdfSalt),
		},
		Bytes: ciphertext,
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("identity: open %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, block)
}

// Load reads and unseals an identity previously written by Save.
func Load(path string, passphrase string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("identity: %s is not a valid key file", path)
	}
	kdfSaltHex, ok := block.Headers["Kdf-Salt"]
	if !ok {
		return nil, fmt.Errorf("identity: %s missing kdf salt", path)
	}
	kdfSalt, err := hex.DecodeString(kdfSaltHex)
	if err != nil {
		return nil, fmt.Errorf("identity: bad kdf salt: %w", err)
	}

	derived, err := scrypt.Key([]byte(passphrase), kdfSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("identity: derive key: %w", err)
	}
	sealKey := ecies.NewPrivateKeyFromBytes(derived)
	der, err := ecies.Decrypt(sealKey, block.Bytes)
	if err != nil {
		return nil, errWrongPassphrase
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("identity: parse key: %w", err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity: unexpected key type %T", parsed)
	}

	id := &Identity{PrivateKey: priv, ID: idFromPublicKey(&priv.PublicKey)}
	if !id.VerifySelf() {
		return nil, fmt.Errorf("identity: self-check failed for %s", path)
	}
	return id, nil
}

// LoadOrGenerate loads the identity at path if it exists, otherwise
// generates a fresh one and persists it under passphrase.
func LoadOrGenerate(path string, passphrase string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path, passphrase)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: stat %s: %w", path, err)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(id, path, passphrase); err != nil {
		return nil, err
	}
	return id, nil
}
