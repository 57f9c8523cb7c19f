package controller

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"doomcode/go-backend/internal/crypto"
)

const cacheDir = ".doomcode"
const cacheFile = "session.json"

var ErrNoCache = errors.New("no cached session")

// cachedKeypair is the persisted key material, base64 both halves.
type cachedKeypair struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

// SessionCache is what --reuse reconnects from. It lives in the
// working directory so each project keeps its own pairing.
type SessionCache struct {
	SessionID string        `json:"sessionId"`
	WSURL     string        `json:"wsUrl"`
	HTTPURL   string        `json:"httpUrl"`
	KeyPair   cachedKeypair `json:"keyPair"`
	UpdatedAt int64         `json:"updatedAt"`
}

func cachePath(workingDir string) string {
	return filepath.Join(workingDir, cacheDir, cacheFile)
}

// SaveCache rewrites the cache atomically: temp file in the same
// directory, then rename. Mode 0600, the file holds a secret key.
func SaveCache(workingDir, sessionID, wsURL, httpURL string, keys crypto.Keypair) error {
	cache := SessionCache{
		SessionID: sessionID,
		WSURL:     wsURL,
		HTTPURL:   httpURL,
		KeyPair: cachedKeypair{
			PublicKey: base64.StdEncoding.EncodeToString(keys.Public[:]),
			SecretKey: base64.StdEncoding.EncodeToString(keys.Secret[:]),
		},
		UpdatedAt: time.Now().UnixMilli(),
	}
	raw, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Join(workingDir, cacheDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, cacheFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), cachePath(workingDir))
}

// LoadCache reads a cached session and rebuilds its keypair.
func LoadCache(workingDir string) (SessionCache, crypto.Keypair, error) {
	raw, err := os.ReadFile(cachePath(workingDir))
	if err != nil {
		if os.IsNotExist(err) {
			return SessionCache{}, crypto.Keypair{}, ErrNoCache
		}
		return SessionCache{}, crypto.Keypair{}, err
	}
	var cache SessionCache
	if err := json.Unmarshal(raw, &cache); err != nil {
		return SessionCache{}, crypto.Keypair{}, fmt.Errorf("session cache corrupt: %w", err)
	}
	if cache.SessionID == "" || cache.KeyPair.SecretKey == "" {
		return SessionCache{}, crypto.Keypair{}, fmt.Errorf("session cache corrupt: missing fields")
	}
	secret, err := base64.StdEncoding.DecodeString(cache.KeyPair.SecretKey)
	if err != nil {
		return SessionCache{}, crypto.Keypair{}, fmt.Errorf("session cache corrupt: %w", err)
	}
	keys, err := crypto.KeypairFromSecret(secret)
	if err != nil {
		return SessionCache{}, crypto.Keypair{}, fmt.Errorf("session cache corrupt: %w", err)
	}
	return cache, keys, nil
}
