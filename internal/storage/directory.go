package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"carecue/internal/reminder"
)

func (s *sqliteStore) PutContact(ctx context.Context, c reminder.Contact) error {
	if c.SubjectID == "" {
		return fmt.Errorf("put contact: subject id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(subject_id, push_token, email, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(subject_id) DO UPDATE SET
			push_token = excluded.push_token, email = excluded.email, updated_at = excluded.updated_at`,
		c.SubjectID, nullStr(c.PushToken), nullStr(c.Email), toMS(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put contact %s: %w", c.SubjectID, err)
	}
	return nil
}

func (s *sqliteStore) GetContact(ctx context.Context, subjectID string) (reminder.Contact, bool, error) {
	var push, email sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT push_token, email FROM contacts WHERE subject_id = ?`, subjectID).Scan(&push, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Contact{}, false, nil
	}
	if err != nil {
		return reminder.Contact{}, false, fmt.Errorf("get contact %s: %w", subjectID, err)
	}
	return reminder.Contact{SubjectID: subjectID, PushToken: push.String, Email: email.String}, true, nil
}

func (s *sqliteStore) PutRecipient(ctx context.Context, r reminder.Recipient) error {
	if r.SubjectID == "" || r.RecipientID == "" {
		return fmt.Errorf("put recipient: subject and recipient id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO care_links(subject_id, recipient_id, name, push_token, email, receive_alerts, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(subject_id, recipient_id) DO UPDATE SET
			name = excluded.name, push_token = excluded.push_token, email = excluded.email,
			receive_alerts = excluded.receive_alerts, updated_at = excluded.updated_at`,
		r.SubjectID, r.RecipientID, r.Name, nullStr(r.PushToken), nullStr(r.Email),
		boolInt(r.ReceiveAlerts), toMS(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put recipient %s/%s: %w", r.SubjectID, r.RecipientID, err)
	}
	return nil
}

func (s *sqliteStore) DeleteRecipient(ctx context.Context, subjectID, recipientID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM care_links WHERE subject_id = ? AND recipient_id = ?`, subjectID, recipientID)
	if err != nil {
		return fmt.Errorf("delete recipient %s/%s: %w", subjectID, recipientID, err)
	}
	n, err := rowsAffected(res, "delete recipient "+subjectID+"/"+recipientID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("recipient %s/%s: %w", subjectID, recipientID, reminder.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ListRecipients(ctx context.Context, subjectID string, alertsOnly bool) ([]reminder.Recipient, error) {
	q := `SELECT recipient_id, name, push_token, email, receive_alerts FROM care_links WHERE subject_id = ?`
	if alertsOnly {
		q += ` AND receive_alerts = 1`
	}
	q += ` ORDER BY recipient_id`
	rows, err := s.db.QueryContext(ctx, q, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list recipients %s: %w", subjectID, err)
	}
	defer rows.Close()

	var out []reminder.Recipient
	for rows.Next() {
		r := reminder.Recipient{SubjectID: subjectID}
		var push, email sql.NullString
		var alerts int
		if err := rows.Scan(&r.RecipientID, &r.Name, &push, &email, &alerts); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.PushToken = push.String
		r.Email = email.String
		r.ReceiveAlerts = alerts == 1
		out = append(out, r)
	}
	return out, rows.Err()
}
