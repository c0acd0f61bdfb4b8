package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hido-network/bal/internal/block"
	"github.com/hido-network/bal/pkg/did"
)

const keyFileSuffix = ".key"

// Keystore holds Ed25519 signing keys for locally hosted actors, one
// PEM file per actor under dir. The daemon signs on behalf of these
// actors when appends arrive over HTTP; remote actors keep their own
// keys and go through the SDK instead.
type Keystore struct {
	dir string

	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey // actor DID -> key
}

// LoadKeystore opens dir, creating it if absent, and loads every actor
// key found there. File names are the DID method-specific suffix plus
// ".key".
func LoadKeystore(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	ks := &Keystore{dir: dir, keys: make(map[string]ed25519.PrivateKey)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), keyFileSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		priv, err := readKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("load key %s: %w", e.Name(), err)
		}
		id := did.FromPublicKey(priv.Public().(ed25519.PublicKey))
		ks.keys[id.String()] = priv
	}
	return ks, nil
}

// Create generates a fresh actor key, persists it, and returns the
// derived DID with its public key.
func (k *Keystore) Create() (string, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate actor key: %w", err)
	}
	id := did.FromPublicKey(pub)

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", nil, fmt.Errorf("marshal actor key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	path := filepath.Join(k.dir, id.Suffix+keyFileSuffix)
	if err := os.WriteFile(path, keyPEM, 0o600); err != nil {
		return "", nil, fmt.Errorf("write actor key: %w", err)
	}

	k.mu.Lock()
	k.keys[id.String()] = priv
	k.mu.Unlock()
	return id.String(), pub, nil
}

// SignerFor returns a signing callback for the given hosted actor.
func (k *Keystore) SignerFor(actorID string) (func(block.Hash) ([]byte, error), error) {
	k.mu.RLock()
	priv, ok := k.keys[actorID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no hosted key for %q", ErrUnknownActor, actorID)
	}
	return func(h block.Hash) ([]byte, error) {
		return ed25519.Sign(priv, h[:]), nil
	}, nil
}

// Actors lists the DIDs with hosted keys.
func (k *Keystore) Actors() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for id := range k.keys {
		out = append(out, id)
	}
	return out
}

// RegisterAll registers every hosted actor's public key with r.
func (k *Keystore) RegisterAll(r *StaticResolver) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for id, priv := range k.keys {
		r.Register(id, priv.Public().(ed25519.PublicKey))
	}
}

func readKeyFile(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, _ := pem.Decode(raw)
	if p == nil || p.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("not a PEM private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(p.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 key")
	}
	return priv, nil
}
