package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/meszmate/rostersync/internal/state"
	"github.com/meszmate/rostersync/internal/storage/sqlite/migrations"
	"github.com/meszmate/rostersync/internal/xmpp/chat"
	"github.com/meszmate/rostersync/internal/xmpp/presence"
)

// DB is the durable cache behind the application store
type DB struct {
	db *sql.DB

	skipMessages bool
}

var _ state.Persister = (*DB)(nil)

// New opens (and migrates) rostersync.db in dataDir
func New(dataDir string) (*DB, error) {
	return Open(filepath.Join(dataDir, "rostersync.db"))
}

// Open opens the database at path and applies pending migrations
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if _, err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate applies pending migrations and returns the schema version
func (d *DB) Migrate() (uint, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return 0, fmt.Errorf("migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(d.db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return 0, fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migration up: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("migration version: %w", err)
	}
	return version, nil
}

// SaveContacts replaces the cached contact list of account
func (d *DB) SaveContacts(account string, contacts []state.Contact) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM roster_cache WHERE account = ?", account); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for i, c := range contacts {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO roster_cache (account, jid, position, name, username, is_room, autojoin, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, account, c.JID, i, c.Name, c.Username, c.IsRoom, c.Autojoin, now)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetContacts returns the cached contact list in its saved order
func (d *DB) GetContacts(account string) ([]state.Contact, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, username, is_room, autojoin
		FROM roster_cache
		WHERE account = ?
		ORDER BY position
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []state.Contact
	for rows.Next() {
		var c state.Contact
		var name, username sql.NullString
		if err := rows.Scan(&c.JID, &name, &username, &c.IsRoom, &c.Autojoin); err != nil {
			return nil, err
		}
		c.Name = name.String
		c.Username = username.String
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// SavePresence upserts the last presence of a contact. An older write
// never replaces a newer one.
func (d *DB) SavePresence(account, jid string, p state.CachedPresence) error {
	_, err := d.db.Exec(`
		INSERT INTO contact_last_presence (account, contact_jid, their_show, their_status_msg, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account, contact_jid) DO UPDATE SET
			their_show = excluded.their_show,
			their_status_msg = excluded.their_status_msg,
			last_updated = excluded.last_updated
		WHERE excluded.last_updated >= contact_last_presence.last_updated
	`, account, jid, p.State.String(), p.Text, p.At.UnixNano())
	return err
}

// GetPresences returns the cached presences of account keyed by JID
func (d *DB) GetPresences(account string) (map[string]state.CachedPresence, error) {
	rows, err := d.db.Query(`
		SELECT contact_jid, their_show, their_status_msg, last_updated
		FROM contact_last_presence
		WHERE account = ?
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]state.CachedPresence)
	for rows.Next() {
		var jid, show string
		var status sql.NullString
		var at int64
		if err := rows.Scan(&jid, &show, &status, &at); err != nil {
			return nil, err
		}
		out[jid] = state.CachedPresence{
			State: presence.Parse(show),
			Text:  status.String,
			At:    time.Unix(0, at),
		}
	}
	return out, rows.Err()
}

// SaveAvatar upserts the avatar of a contact with the same ordering rule
// as SavePresence.
func (d *DB) SaveAvatar(account, jid string, a state.CachedAvatar) error {
	_, err := d.db.Exec(`
		INSERT INTO avatar_cache (account, contact_jid, data_url, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account, contact_jid) DO UPDATE SET
			data_url = excluded.data_url,
			last_updated = excluded.last_updated
		WHERE excluded.last_updated >= avatar_cache.last_updated
	`, account, jid, a.URL, a.At.UnixNano())
	return err
}

// GetAvatars returns the cached avatars of account keyed by JID
func (d *DB) GetAvatars(account string) (map[string]state.CachedAvatar, error) {
	rows, err := d.db.Query(`
		SELECT contact_jid, data_url, last_updated
		FROM avatar_cache
		WHERE account = ?
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]state.CachedAvatar)
	for rows.Next() {
		var jid, url string
		var at int64
		if err := rows.Scan(&jid, &url, &at); err != nil {
			return nil, err
		}
		out[jid] = state.CachedAvatar{URL: url, At: time.Unix(0, at)}
	}
	return out, rows.Err()
}

// SetSaveMessages enables or disables message history. When disabled,
// SaveMessages is a no-op and history lives only in memory.
func (d *DB) SetSaveMessages(enabled bool) {
	d.skipMessages = !enabled
}

// SaveMessages upserts messages keyed by timestamp
func (d *DB) SaveMessages(account string, msgs []chat.Message) error {
	if d.skipMessages {
		return nil
	}
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range msgs {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO messages (account, timestamp, from_jid, to_jid, body, attachment, complete_from)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, account, m.Timestamp, m.From, m.To, m.Content, m.Attachment, m.CompleteFrom)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetMessages returns the stored messages of account sorted by timestamp
func (d *DB) GetMessages(account string) ([]chat.Message, error) {
	rows, err := d.db.Query(`
		SELECT timestamp, from_jid, to_jid, body, attachment, complete_from
		FROM messages
		WHERE account = ?
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var attachment, completeFrom sql.NullString
		if err := rows.Scan(&m.Timestamp, &m.From, &m.To, &m.Content, &attachment, &completeFrom); err != nil {
			return nil, err
		}
		m.Attachment = attachment.String
		m.CompleteFrom = completeFrom.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Stored stamps may mix offsets, so order by parsed time, not SQL text.
	return chat.Merge(nil, msgs...), nil
}

// Load reads everything cached for account
func (d *DB) Load(account string) (*state.Snapshot, error) {
	contacts, err := d.GetContacts(account)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	avatars, err := d.GetAvatars(account)
	if err != nil {
		return nil, fmt.Errorf("load avatars: %w", err)
	}
	presences, err := d.GetPresences(account)
	if err != nil {
		return nil, fmt.Errorf("load presences: %w", err)
	}
	msgs, err := d.GetMessages(account)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return &state.Snapshot{
		Contacts:  contacts,
		Avatars:   avatars,
		Presences: presences,
		Messages:  msgs,
	}, nil
}

// DeleteAccount removes everything cached for account
func (d *DB) DeleteAccount(account string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"roster_cache", "contact_last_presence", "avatar_cache", "messages"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE account = ?", account); err != nil {
			return err
		}
	}
	return tx.Commit()
}
