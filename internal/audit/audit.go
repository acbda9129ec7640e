// Package audit persists relay pairing/credential events to an encrypted SQLite
// log, adapted from the reference module's credential store: the same
// AES-256-GCM-at-rest scheme, reused here for an append-only audit trail instead
// of a credential vault.
package audit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	_ "github.com/mattn/go-sqlite3"
)

// Log is an encrypted, append-only record of pairing and auth events.
type Log struct {
	db  *sql.DB
	gcm cipher.AEAD
	mu  sync.Mutex
}

// Entry is one audit record. Detail is encrypted at rest; every other column is
// stored in the clear since it is needed for indexing/filtering.
type Entry struct {
	ID        string
	Timestamp time.Time
	Action    string
	SystemID  string
	DeviceID  string
	Detail    string
}

// Open creates or attaches to the SQLite-backed log at dbPath. masterKey (must
// be 32 bytes) is never used directly as a cipher key: it is first run
// through HKDF to derive an independent "audit-field" subkey, so the same
// master key could later feed other derived purposes without key reuse.
func Open(dbPath string, masterKey []byte) (*Log, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes")
	}
	block, err := aes.NewCipher(deriveAuditFieldKey(masterKey))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	l := &Log{db: db, gcm: gcm}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *Log) Close() error { return l.db.Close() }

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action TEXT NOT NULL,
			system_id TEXT,
			device_id TEXT,
			detail_encrypted BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_system ON audit_log(system_id);
	`)
	if err != nil {
		return fmt.Errorf("execute migration: %w", err)
	}
	return nil
}

func (l *Log) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, l.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return l.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (l *Log) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < l.gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:l.gcm.NonceSize()], ciphertext[l.gcm.NonceSize():]
	return l.gcm.Open(nil, nonce, ciphertext, nil)
}

// Append inserts one audit record. Suitable as a fabric.Hub OnAudit sink:
//
//	hub.OnAudit(func(action, systemID, deviceID, detail string) {
//	    _ = auditLog.Append(action, systemID, deviceID, detail)
//	})
func (l *Log) Append(action, systemID, deviceID, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	encrypted, err := l.encrypt([]byte(detail))
	if err != nil {
		return fmt.Errorf("encrypt detail: %w", err)
	}
	id := newID()
	_, err = l.db.Exec(`
		INSERT INTO audit_log (id, timestamp, action, system_id, device_id, detail_encrypted)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, time.Now(), action, systemID, deviceID, encrypted)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, optionally filtered by systemID.
func (l *Log) Recent(limit int, systemID string) ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `SELECT id, timestamp, action, system_id, device_id, detail_encrypted FROM audit_log`
	args := []interface{}{}
	if systemID != "" {
		query += ` WHERE system_id = ?`
		args = append(args, systemID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var systemID, deviceID sql.NullString
		var encrypted []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &systemID, &deviceID, &encrypted); err != nil {
			return nil, err
		}
		e.SystemID = systemID.String
		e.DeviceID = deviceID.String
		if len(encrypted) > 0 {
			plain, derr := l.decrypt(encrypted)
			if derr != nil {
				return nil, fmt.Errorf("decrypt detail: %w", derr)
			}
			e.Detail = string(plain)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// deriveAuditFieldKey separates the persisted master key into an independent
// per-purpose AES key via HKDF, the same technique internal/credential uses
// to split its signing key into per-purpose HMAC subkeys.
func deriveAuditFieldKey(masterKey []byte) []byte {
	reader := hkdf.New(sha256.New, masterKey, nil, []byte("audit-field"))
	out := make([]byte, 32)
	_, _ = reader.Read(out)
	return out
}

func newID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("adt_%x", buf)
}
