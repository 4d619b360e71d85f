package nikobus

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// RecordedFrame is one row of the frame log.
type RecordedFrame struct {
	ID         int64     `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	Raw        string    `json:"raw"`
	Valid      bool      `json:"valid"`
	Function   string    `json:"function,omitempty"` // Empty for invalid frames
	Address    string    `json:"address,omitempty"`  // Empty for invalid frames
}

// AddressRecord is one row of the seen-address table.
type AddressRecord struct {
	Address    string    `json:"address"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	FrameCount int64     `json:"frame_count"`
}

// Recorder persists every line received from the bus into SQLite and keeps
// a table of module addresses seen, so installers can discover modules that
// are not yet configured.
//
// The database must have the nikobus_frames and nikobus_addresses tables
// created (see migrations).
//
// Thread Safety: All methods are safe for concurrent use.
type Recorder struct {
	db     *sql.DB
	logger Logger

	frameInsertStmt   *sql.Stmt
	addressUpsertStmt *sql.Stmt
	stmtMu            sync.Mutex

	closed bool
	mu     sync.RWMutex
}

// Ensure Recorder implements FrameRecorder.
var _ FrameRecorder = (*Recorder)(nil)

// NewRecorder creates a recorder on db. Call Start before recording.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the insert statements. Calling it twice is a no-op.
func (r *Recorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.frameInsertStmt != nil {
		return nil
	}

	frameStmt, err := r.db.Prepare(`
		INSERT INTO nikobus_frames (received_at, raw, valid, function, address)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing frame insert statement: %w", err)
	}

	addressStmt, err := r.db.Prepare(`
		INSERT INTO nikobus_addresses (address, first_seen, last_seen, frame_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET
			last_seen = excluded.last_seen,
			frame_count = frame_count + 1
	`)
	if err != nil {
		frameStmt.Close()
		return fmt.Errorf("preparing address upsert statement: %w", err)
	}

	r.frameInsertStmt = frameStmt
	r.addressUpsertStmt = addressStmt
	r.log("frame recorder started")
	return nil
}

// Stop closes the prepared statements. Safe to call multiple times.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.frameInsertStmt != nil {
		r.frameInsertStmt.Close()
		r.frameInsertStmt = nil
	}
	if r.addressUpsertStmt != nil {
		r.addressUpsertStmt.Close()
		r.addressUpsertStmt = nil
	}

	r.log("frame recorder stopped")
}

// RecordFrame appends a line to the frame log and, for valid frames,
// updates the address table.
//
// Parameters:
//   - raw: Line as received
//   - frame: Decoded frame, nil if the line did not verify
//   - valid: Whether the line verified
func (r *Recorder) RecordFrame(raw string, frame *Frame, valid bool) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()

	r.stmtMu.Lock()
	frameStmt := r.frameInsertStmt
	addressStmt := r.addressUpsertStmt
	r.stmtMu.Unlock()

	if frameStmt == nil || addressStmt == nil {
		return
	}

	now := time.Now().UnixMilli()

	var function, address sql.NullString
	if valid && frame != nil {
		function = sql.NullString{String: EncodeHex(uint64(frame.Function), functionDigits), Valid: true}
		address = sql.NullString{String: frame.Address.String(), Valid: true}
	}

	validFlag := 0
	if valid {
		validFlag = 1
	}

	if _, err := frameStmt.Exec(now, raw, validFlag, function, address); err != nil {
		r.logError("recording frame", err)
	}

	if address.Valid {
		if _, err := addressStmt.Exec(address.String, now, now); err != nil {
			r.logError("recording address", err)
		}
	}
}

// AddressCount returns the number of distinct module addresses seen.
func (r *Recorder) AddressCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nikobus_addresses`).Scan(&count)
	return count, err
}

// SeenAddresses returns every address seen, most recently active first.
func (r *Recorder) SeenAddresses(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT address FROM nikobus_addresses ORDER BY last_seen DESC, address ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

// Addresses returns the seen-address table, most recently active first.
func (r *Recorder) Addresses(ctx context.Context) ([]AddressRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT address, first_seen, last_seen, frame_count
		FROM nikobus_addresses
		ORDER BY last_seen DESC, address ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AddressRecord
	for rows.Next() {
		var (
			rec             AddressRecord
			first, lastSeen int64
		)
		if err := rows.Scan(&rec.Address, &first, &lastSeen, &rec.FrameCount); err != nil {
			return nil, err
		}
		rec.FirstSeen = time.UnixMilli(first)
		rec.LastSeen = time.UnixMilli(lastSeen)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecentFrames returns up to limit frames, newest first.
func (r *Recorder) RecentFrames(ctx context.Context, limit int) ([]RecordedFrame, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, received_at, raw, valid, function, address
		FROM nikobus_frames
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []RecordedFrame
	for rows.Next() {
		var (
			f                 RecordedFrame
			receivedAt        int64
			valid             int
			function, address sql.NullString
		)
		if err := rows.Scan(&f.ID, &receivedAt, &f.Raw, &valid, &function, &address); err != nil {
			return nil, err
		}
		f.ReceivedAt = time.UnixMilli(receivedAt)
		f.Valid = valid != 0
		f.Function = function.String
		f.Address = address.String
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// PruneBefore deletes frame log rows older than cutoff and returns how many
// were removed. The address table is kept.
func (r *Recorder) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM nikobus_frames WHERE received_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Recorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

func (r *Recorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
