// Package credentials is the client's local credential storage: the bearer
// token of a signed-in user, per-interview access tokens for candidates, and
// the last acknowledged checkpoint of each document.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

var (
	ErrNoCredential = errors.New("credentials: no token stored")
	ErrNoCheckpoint = errors.New("credentials: no checkpoint cached")
)

// Source is a synchronous credential read
type Source interface {
	Token() (string, error)
}

// StaticToken serves a fixed token; empty means no credential
type StaticToken string

func (s StaticToken) Token() (string, error) {
	if s == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}

var (
	bucketAuth        = []byte("auth")
	bucketCheckpoints = []byte("checkpoints")

	keyBearer    = []byte("bearer")
	keyInterview = []byte("interview")
)

// Store persists credentials in a bbolt file
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credentials store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAuth, bucketCheckpoints} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init credentials store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Token returns the bearer token, or the interview access token for
// candidates who are not signed in
func (s *Store) Token() (string, error) {
	var token string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuth)
		if v := b.Get(keyBearer); len(v) > 0 {
			token = string(v)
			return nil
		}
		if v := b.Get(keyInterview); len(v) > 0 {
			token = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

func (s *Store) SetToken(token string) error {
	return s.put(bucketAuth, keyBearer, []byte(token))
}

func (s *Store) SetInterviewToken(token string) error {
	return s.put(bucketAuth, keyInterview, []byte(token))
}

// Clear removes every stored token (sign out)
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuth)
		if err := b.Delete(keyBearer); err != nil {
			return err
		}
		return b.Delete(keyInterview)
	})
}

// SaveCheckpoint caches the checkpoint, replacing the previous one of the room
func (s *Store) SaveCheckpoint(cp *models.SaveCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return s.put(bucketCheckpoints, []byte(cp.RoomID), data)
}

func (s *Store) LastCheckpoint(roomID string) (*models.SaveCheckpoint, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketCheckpoints).Get([]byte(roomID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if data == nil {
		return nil, ErrNoCheckpoint
	}
	var cp models.SaveCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) put(bucket, key, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	return nil
}
