package decisionlog

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// fileState is the persisted content of a FileLog.
type fileState struct {
	Decisions []Decision `json:"decisions"`
	Generated time.Time  `json:"generated_at"`
}

// FileLog keeps decisions in an AES-GCM encrypted JSON file. Every change
// rewrites the file through a temporary file and a rename.
type FileLog struct {
	path string
	key  []byte

	mu        sync.Mutex
	decisions map[string]Decision
}

// NewFileLog opens (or creates) the log at path. The key is stretched with SHA-256.
func NewFileLog(path, key string) (*FileLog, error) {
	if path == "" || key == "" {
		return nil, errors.New("decisionlog: file log needs a path and a key")
	}

	derived := sha256.Sum256([]byte(key))
	l := &FileLog{
		path:      path,
		key:       derived[:],
		decisions: make(map[string]Decision),
	}

	state, err := l.load()
	if err != nil {
		return nil, err
	}
	if state != nil {
		for _, d := range state.Decisions {
			l.decisions[d.GlobalID] = d
		}
	}

	return l, nil
}

func (l *FileLog) Record(ctx context.Context, d Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, existed := l.decisions[d.GlobalID]
	l.decisions[d.GlobalID] = d
	if err := l.saveLocked(); err != nil {
		if existed {
			l.decisions[d.GlobalID] = prev
		} else {
			delete(l.decisions, d.GlobalID)
		}
		return err
	}
	return nil
}

func (l *FileLog) Lookup(ctx context.Context, globalID string) (Decision, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.decisions[globalID]
	return d, ok, nil
}

func (l *FileLog) Remove(ctx context.Context, globalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.decisions[globalID]; !ok {
		return nil
	}
	delete(l.decisions, globalID)
	return l.saveLocked()
}

func (l *FileLog) List(ctx context.Context) ([]Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedDecisions(l.decisions), nil
}

func (l *FileLog) Close() error { return nil }

// saveLocked writes the current decisions encrypted to disk.
// Caller must hold l.mu.
func (l *FileLog) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return errors.Wrap(err, "decisionlog: create directory")
	}

	plain, err := json.Marshal(&fileState{
		Decisions: sortedDecisions(l.decisions),
		Generated: time.Now(),
	})
	if err != nil {
		return err
	}

	gcm, err := l.cipher()
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}

	ciphertext := gcm.Seal(nonce, nonce, plain, nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(encoded), 0o600); err != nil {
		return errors.Wrap(err, "decisionlog: write")
	}
	return errors.Wrap(os.Rename(tmp, l.path), "decisionlog: rename")
}

// load reads and decrypts the log. A missing file is an empty log.
func (l *FileLog) load() (*fileState, error) {
	content, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "decisionlog: read")
	}

	raw, err := base64.StdEncoding.DecodeString(string(content))
	if err != nil {
		return nil, errors.Wrap(err, "decisionlog: decode")
	}

	gcm, err := l.cipher()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, errors.New("decisionlog: invalid ciphertext")
	}

	plain, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "decisionlog: decrypt")
	}

	var state fileState
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, errors.Wrap(err, "decisionlog: unmarshal")
	}

	return &state, nil
}

func (l *FileLog) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(l.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
