/*
Robin Mail Transfer Agent - SMTP server, scriptable client and delivery queue.
Copyright © 2021-2024 The Robin MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package auth

import (
	"database/sql"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"
	_ "modernc.org/sqlite"
)

// CredDB is the SQLite-backed credential store.
//
// Passwords are kept as bcrypt hashes for PLAIN/LOGIN verification. When a
// user is created with storeSecret, the cleartext is additionally stored in
// the secret column so CRAM-MD5 and DIGEST-MD5 can be served; these
// mechanisms are unusable with a one-way hash.
type CredDB struct {
	db *sql.DB

	lookupPass   *sql.Stmt
	lookupSecret *sql.Stmt
}

func OpenCredDB(path string) (*CredDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to open db: %w", err)
	}

	// modernc.org/sqlite handles at most one writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY NOT NULL,
		password TEXT NOT NULL,
		secret TEXT,
		added TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: failed to initialize schema: %w", err)
	}

	d := &CredDB{db: db}
	if d.lookupPass, err = db.Prepare(`SELECT password FROM users WHERE username = ?`); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: failed to prepare lookup query: %w", err)
	}
	if d.lookupSecret, err = db.Prepare(`SELECT secret FROM users WHERE username = ?`); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: failed to prepare secret query: %w", err)
	}
	return d, nil
}

func (d *CredDB) Close() error {
	d.lookupPass.Close()
	d.lookupSecret.Close()
	return d.db.Close()
}

// CreateUser adds or replaces the user entry. storeSecret controls whether
// the cleartext is retained for the challenge-response mechanisms.
func (d *CredDB) CreateUser(username, password string, storeSecret bool) error {
	key, err := usernameKey(username)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: failed to hash password: %w", err)
	}

	secret := sql.NullString{}
	if storeSecret {
		secret = sql.NullString{String: password, Valid: true}
	}

	_, err = d.db.Exec(
		`INSERT INTO users (username, password, secret) VALUES (?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET password = excluded.password, secret = excluded.secret`,
		key, string(hash), secret)
	if err != nil {
		return fmt.Errorf("auth: failed to store user %s: %w", key, err)
	}
	return nil
}

func (d *CredDB) DeleteUser(username string) error {
	key, err := usernameKey(username)
	if err != nil {
		return err
	}
	res, err := d.db.Exec(`DELETE FROM users WHERE username = ?`, key)
	if err != nil {
		return fmt.Errorf("auth: failed to delete user %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("auth: no such user: %s", key)
	}
	return nil
}

func (d *CredDB) ListUsers() ([]string, error) {
	rows, err := d.db.Query(`SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("auth: list: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("auth: list: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AuthPlain verifies the password against the stored bcrypt hash.
func (d *CredDB) AuthPlain(username, password string) error {
	key, err := usernameKey(username)
	if err != nil {
		return err
	}

	var hash string
	if err := d.lookupPass.QueryRow(key).Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("auth: lookup %s: %w", key, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// LookupSecret returns the cleartext secret for challenge-response
// mechanisms. ok is false if the user does not exist or was created without
// secret retention.
func (d *CredDB) LookupSecret(username string) (string, bool, error) {
	key, err := usernameKey(username)
	if err != nil {
		return "", false, err
	}

	var secret sql.NullString
	if err := d.lookupSecret.QueryRow(key).Scan(&secret); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("auth: lookup %s: %w", key, err)
	}
	if !secret.Valid {
		return "", false, nil
	}
	return secret.String, true, nil
}

func usernameKey(username string) (string, error) {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return "", fmt.Errorf("auth: invalid username: %w", err)
	}
	return key, nil
}
