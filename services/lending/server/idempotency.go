package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

// HeaderIdempotencyKey names the request header carrying the client key.
const HeaderIdempotencyKey = "Idempotency-Key"

var bucketIdempotency = []byte("idempotency")

// IdempotencyRecord stores the response produced for an idempotency key.
type IdempotencyRecord struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IdempotencyStore persists responses so that retried mutations replay the
// first result instead of executing again.
type IdempotencyStore struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// OpenIdempotencyStore opens (creating if needed) the Bolt file at path.
func OpenIdempotencyStore(path string, ttl time.Duration) (*IdempotencyStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIdempotency)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{db: db, ttl: ttl, now: time.Now, inflight: make(map[string]struct{})}, nil
}

// Close releases the Bolt handle.
func (s *IdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the live record for key, or nil.
func (s *IdempotencyStore) Get(key string) (*IdempotencyRecord, error) {
	var record *IdempotencyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketIdempotency).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec IdempotencyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if !rec.ExpiresAt.After(s.now()) {
			return nil
		}
		record = &rec
		return nil
	})
	return record, err
}

// Put stores the response for key.
func (s *IdempotencyStore) Put(key, fingerprint string, status int, body []byte) error {
	now := s.now().UTC()
	payload, err := json.Marshal(IdempotencyRecord{
		Fingerprint: fingerprint,
		StatusCode:  status,
		Body:        body,
		StoredAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotency).Put([]byte(key), payload)
	})
}

// Prune deletes expired records and reports how many were removed.
func (s *IdempotencyStore) Prune() (int, error) {
	removed := 0
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIdempotency)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var rec IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil || !rec.ExpiresAt.After(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (s *IdempotencyStore) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *IdempotencyStore) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// idempotent replays stored responses for repeated keys. Requests without
// the header pass through untouched. Keys are scoped to the caller and route
// and bound to the request body.
func (srv *Server) idempotent(next http.Handler) http.Handler {
	s := srv.idempotency
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if s == nil || clientKey == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		if len(clientKey) > 128 {
			writeError(w, http.StatusBadRequest, "idempotency key too long")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := fingerprintOf(body)

		caller, _ := CallerFrom(r.Context())
		key := caller.Hex() + " " + r.URL.Path + " " + clientKey
		if !s.acquire(key) {
			writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
			return
		}
		defer s.release(key)

		record, err := s.Get(key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		}
		if record != nil {
			if record.Fingerprint != fingerprint {
				writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different body")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, keep: true}
		next.ServeHTTP(recorder, r)
		if recorder.status == 0 || recorder.status >= http.StatusInternalServerError {
			return
		}
		if err := s.Put(key, fingerprint, recorder.status, recorder.body); err != nil {
			srv.logger.Warn("idempotency record not stored",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
		}
	})
}

func fingerprintOf(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}
