// Copyright (c) 2024, amarnathcjd

// Package storage provides a SQL-backed implementation of the engine's
// Persistence interface. The default driver is the pure-Go sqlite build, so
// bots get durable conversations without a running database server.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/amarnathcjd/tgflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	name  TEXT NOT NULL,
	key   TEXT NOT NULL,
	state TEXT NOT NULL,
	PRIMARY KEY (name, key)
);
CREATE TABLE IF NOT EXISTS chat_data (
	chat_id INTEGER PRIMARY KEY,
	data    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS user_data (
	user_id INTEGER PRIMARY KEY,
	data    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bot_data (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL
);`

// SQLPersistence stores conversation tables and data maps in a SQL database
// through sqlx. States are stored verbatim, data maps as JSON documents.
type SQLPersistence struct {
	db *sqlx.DB
}

var _ tgflow.Persistence = (*SQLPersistence)(nil)

// Open connects with the given driver and DSN and creates the schema.
func Open(driver, dsn string) (*SQLPersistence, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting persistence database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating persistence schema")
	}
	return &SQLPersistence{db: db}, nil
}

// OpenSQLite opens (or creates) a sqlite database file.
func OpenSQLite(path string) (*SQLPersistence, error) {
	return Open("sqlite", path)
}

func (p *SQLPersistence) Close() error {
	return p.db.Close()
}

// encodeKey flattens a conversation key into the primary-key column.
func encodeKey(k tgflow.Key) string {
	return fmt.Sprintf("%d|%d|%d", k.ChatID, k.UserID, k.MessageID)
}

func decodeKey(s string) (tgflow.Key, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return tgflow.Key{}, errors.Errorf("malformed conversation key %q", s)
	}
	var k tgflow.Key
	var err error
	if k.ChatID, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return tgflow.Key{}, errors.Wrapf(err, "conversation key %q", s)
	}
	if k.UserID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return tgflow.Key{}, errors.Wrapf(err, "conversation key %q", s)
	}
	if k.MessageID, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return tgflow.Key{}, errors.Wrapf(err, "conversation key %q", s)
	}
	return k, nil
}

func (p *SQLPersistence) GetConversations(name string) (map[tgflow.Key]tgflow.State, error) {
	rows, err := p.db.Queryx(`SELECT key, state FROM conversations WHERE name = ?`, name)
	if err != nil {
		return nil, errors.Wrap(err, "loading conversations")
	}
	defer rows.Close()

	out := make(map[tgflow.Key]tgflow.State)
	for rows.Next() {
		var rawKey, state string
		if err := rows.Scan(&rawKey, &state); err != nil {
			return nil, errors.Wrap(err, "scanning conversation row")
		}
		key, err := decodeKey(rawKey)
		if err != nil {
			return nil, err
		}
		out[key] = tgflow.State(state)
	}
	return out, rows.Err()
}

func (p *SQLPersistence) UpdateConversation(name string, key tgflow.Key, state tgflow.State) error {
	if state == tgflow.End {
		_, err := p.db.Exec(`DELETE FROM conversations WHERE name = ? AND key = ?`, name, encodeKey(key))
		return errors.Wrap(err, "deleting conversation")
	}
	_, err := p.db.Exec(
		`INSERT INTO conversations (name, key, state) VALUES (?, ?, ?)
		 ON CONFLICT (name, key) DO UPDATE SET state = excluded.state`,
		name, encodeKey(key), string(state),
	)
	return errors.Wrap(err, "storing conversation")
}

func (p *SQLPersistence) GetChatData() (map[int64]map[string]any, error) {
	return p.loadDataTable(`SELECT chat_id, data FROM chat_data`)
}

func (p *SQLPersistence) UpdateChatData(chatID int64, data map[string]any) error {
	return p.storeData(`INSERT INTO chat_data (chat_id, data) VALUES (?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET data = excluded.data`, chatID, data)
}

func (p *SQLPersistence) GetUserData() (map[int64]map[string]any, error) {
	return p.loadDataTable(`SELECT user_id, data FROM user_data`)
}

func (p *SQLPersistence) UpdateUserData(userID int64, data map[string]any) error {
	return p.storeData(`INSERT INTO user_data (user_id, data) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET data = excluded.data`, userID, data)
}

func (p *SQLPersistence) GetBotData() (map[string]any, error) {
	var doc string
	err := p.db.Get(&doc, `SELECT data FROM bot_data WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading bot data")
	}
	data := make(map[string]any)
	if err := json.Unmarshal([]byte(doc), &data); err != nil {
		return nil, errors.Wrap(err, "decoding bot data")
	}
	return data, nil
}

func (p *SQLPersistence) UpdateBotData(data map[string]any) error {
	doc, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding bot data")
	}
	_, err = p.db.Exec(`INSERT INTO bot_data (id, data) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, string(doc))
	return errors.Wrap(err, "storing bot data")
}

func (p *SQLPersistence) Flush() error { return nil }

func (p *SQLPersistence) loadDataTable(query string) (map[int64]map[string]any, error) {
	rows, err := p.db.Queryx(query)
	if err != nil {
		return nil, errors.Wrap(err, "loading data table")
	}
	defer rows.Close()

	out := make(map[int64]map[string]any)
	for rows.Next() {
		var id int64
		var doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, errors.Wrap(err, "scanning data row")
		}
		data := make(map[string]any)
		if err := json.Unmarshal([]byte(doc), &data); err != nil {
			return nil, errors.Wrapf(err, "decoding data for id %d", id)
		}
		out[id] = data
	}
	return out, rows.Err()
}

func (p *SQLPersistence) storeData(query string, id int64, data map[string]any) error {
	doc, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding data")
	}
	_, err = p.db.Exec(query, id, string(doc))
	return errors.Wrap(err, "storing data")
}
