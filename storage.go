package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned by lookups for unknown passkeys or info-hashes.
var ErrNotFound = errors.New("not found")

// Store is the tracker's only contact surface with the rest of the platform:
// identity lookup, torrent validity, freeleech tokens, and the durable sink
// that receives batched deltas.
type Store interface {
	// LookupUser resolves a passkey. Returns ErrNotFound for unknown keys.
	LookupUser(ctx context.Context, passkey string) (*UserRecord, error)

	// LookupTorrent resolves an info-hash known to the platform. Returns
	// ErrNotFound for hashes the tracker must refuse.
	LookupTorrent(ctx context.Context, hash InfoHash) (*TorrentMeta, error)

	// LoadFreeleechTokens returns the active per-user tokens with expiry.
	LoadFreeleechTokens(ctx context.Context) (map[AccrualKey]time.Time, error)

	// WriteBatch commits one flush cycle's coalesced deltas. Must be
	// all-or-nothing: a failed batch is retried whole by the caller.
	WriteBatch(ctx context.Context, batch *FlushBatch) error

	Close() error
}

// mysqlStore is the relational implementation. The announce path never
// touches it directly; reads go through caches and writes arrive in batches.
type mysqlStore struct {
	db *sql.DB
}

func openMySQLStore(dsn string) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("mysql unreachable: %w", err)
	}

	return &mysqlStore{db: db}, nil
}

func (s *mysqlStore) LookupUser(ctx context.Context, passkey string) (*UserRecord, error) {
	const q = `
		SELECT id, passkey, banned, disabled, download_disabled, freeleech_exempt
		FROM users WHERE passkey = ?`

	u := &UserRecord{}
	err := s.db.QueryRowContext(ctx, q, passkey).Scan(
		&u.ID, &u.Passkey, &u.Banned, &u.Disabled, &u.DownloadDisabled, &u.FreeleechExempt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return u, nil
}

func (s *mysqlStore) LookupTorrent(ctx context.Context, hash InfoHash) (*TorrentMeta, error) {
	const q = `
		SELECT id, size, category, freeleech
		FROM torrents WHERE info_hash = ?`

	m := &TorrentMeta{}
	err := s.db.QueryRowContext(ctx, q, hash[:]).Scan(&m.ID, &m.Size, &m.Category, &m.Freeleech)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup torrent: %w", err)
	}
	return m, nil
}

func (s *mysqlStore) LoadFreeleechTokens(ctx context.Context) (map[AccrualKey]time.Time, error) {
	const q = `
		SELECT t.user_id, tor.info_hash, t.expires_at
		FROM freeleech_tokens t
		JOIN torrents tor ON tor.id = t.torrent_id
		WHERE t.expires_at > NOW()`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load freeleech tokens: %w", err)
	}
	defer rows.Close()

	tokens := make(map[AccrualKey]time.Time)
	for rows.Next() {
		var userID uint32
		var hash []byte
		var expiry time.Time
		if err := rows.Scan(&userID, &hash, &expiry); err != nil {
			return nil, fmt.Errorf("scan freeleech token: %w", err)
		}
		if len(hash) != 20 {
			continue
		}
		tokens[AccrualKey{UserID: userID, InfoHash: NewInfoHash(hash)}] = expiry
	}
	return tokens, rows.Err()
}

// WriteBatch commits one drained batch inside a single transaction: one
// multi-row upsert into transfer_history plus per-user bonus credits. One
// round trip per flush cycle, not one per announce.
func (s *mysqlStore) WriteBatch(ctx context.Context, batch *FlushBatch) error {
	if batch.empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	if err := flushTransfers(ctx, tx, batch); err != nil {
		return err
	}
	if err := flushBonus(ctx, tx, batch); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush tx: %w", err)
	}
	return nil
}

// maxInsertRows bounds rows per statement. MySQL caps prepared statements at
// 65535 placeholders; a batch that grew across retries during an outage must
// still flush once storage recovers.
const maxInsertRows = 1000

func flushTransfers(ctx context.Context, tx *sql.Tx, batch *FlushBatch) error {
	keys := make([]AccrualKey, 0, len(batch.Deltas))
	for k := range batch.Deltas {
		keys = append(keys, k)
	}

	for start := 0; start < len(keys); start += maxInsertRows {
		end := min(start+maxInsertRows, len(keys))
		stmt, args := transferInsert(batch, keys[start:end])
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("flush transfers: %w", err)
		}
	}
	return nil
}

func transferInsert(batch *FlushBatch, keys []AccrualKey) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO transfer_history
			(user_id, info_hash, uploaded, downloaded, seed_seconds, snatches)
		VALUES `)

	args := make([]any, 0, len(keys)*6)
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?)")
		d := batch.Deltas[k]
		args = append(args, k.UserID, k.InfoHash[:], d.Uploaded, d.Downloaded,
			int64(d.SeedTime.Seconds()), d.Snatches)
	}

	sb.WriteString(`
		ON DUPLICATE KEY UPDATE
			uploaded = uploaded + VALUES(uploaded),
			downloaded = downloaded + VALUES(downloaded),
			seed_seconds = seed_seconds + VALUES(seed_seconds),
			snatches = snatches + VALUES(snatches)`)
	return sb.String(), args
}

func flushBonus(ctx context.Context, tx *sql.Tx, batch *FlushBatch) error {
	// Bonus points land on the user row; sum per user before writing.
	perUser := make(map[uint32]float64)
	for k, d := range batch.Deltas {
		if d.Bonus > 0 {
			perUser[k.UserID] += d.Bonus
		}
	}
	if len(perUser) == 0 {
		return nil
	}

	userIDs := make([]uint32, 0, len(perUser))
	for id := range perUser {
		userIDs = append(userIDs, id)
	}

	for start := 0; start < len(userIDs); start += maxInsertRows {
		end := min(start+maxInsertRows, len(userIDs))
		stmt, args := bonusInsert(perUser, userIDs[start:end])
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("flush bonus: %w", err)
		}
	}
	return nil
}

func bonusInsert(perUser map[uint32]float64, userIDs []uint32) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO user_bonus (user_id, points) VALUES `)
	args := make([]any, 0, len(userIDs)*2)
	for i, id := range userIDs {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?)")
		args = append(args, id, perUser[id])
	}
	sb.WriteString(` ON DUPLICATE KEY UPDATE points = points + VALUES(points)`)
	return sb.String(), args
}

func (s *mysqlStore) Close() error {
	return s.db.Close()
}
