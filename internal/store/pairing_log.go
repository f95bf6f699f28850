package store

import "time"

// PairingEvent is one row of the local pairing audit log.
type PairingEvent struct {
	ID          int64
	Event       string // paired, unpaired
	Counterpart string
	CreatedAt   int64
}

// AppendPairingLog records a pairing lifecycle event locally.
func (db *DB) AppendPairingLog(event, counterpart string) error {
	_, err := db.Exec(`
		INSERT INTO pairing_log (event, counterpart, created_at) VALUES (?, ?, ?)`,
		event, counterpart, time.Now().UnixMilli())
	return err
}

// ListPairingLog returns the most recent pairing events, newest first.
func (db *DB) ListPairingLog(limit int) ([]PairingEvent, error) {
	rows, err := db.Query(`
		SELECT id, event, counterpart, created_at
		FROM pairing_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []PairingEvent
	for rows.Next() {
		var e PairingEvent
		if err := rows.Scan(&e.ID, &e.Event, &e.Counterpart, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
