package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

// SearchRecord is a persisted background search.
type SearchRecord struct {
	SearchID    string                         `json:"search_id"`
	SrcName     string                         `json:"src_name"`
	TgtName     string                         `json:"tgt_name"`
	Request     registration.Request           `json:"request"`
	Status      registration.SearchStatus      `json:"status"`
	Best        *registration.BestRegistration `json:"best,omitempty"`
	Converged   bool                           `json:"converged"`
	Error       string                         `json:"error,omitempty"`
	StartedAt   time.Time                      `json:"started_at"`
	CompletedAt *time.Time                     `json:"completed_at,omitempty"`
	Rounds      []registration.RoundSummary    `json:"rounds,omitempty"`
}

// SearchStore persists searches. It implements registration.Persister.
type SearchStore struct {
	db *sql.DB
}

func NewSearchStore(db *DB) *SearchStore {
	return &SearchStore{db: db.DB}
}

var _ registration.Persister = (*SearchStore)(nil)

// SaveSearchStart records a search that has just started.
func (s *SearchStore) SaveSearchStart(id string, req registration.Request, startedAt time.Time) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO searches (search_id, src_name, tgt_name, request, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, req.SrcName, req.TgtName, string(reqJSON),
			string(registration.SearchStatusRunning), formatTime(startedAt),
		)
		return err
	})
}

// SaveSearchRound records one finished round. Saving the same round twice
// replaces it.
func (s *SearchStore) SaveSearchRound(id string, round registration.RoundSummary) error {
	summary, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO search_rounds (search_id, np, summary, best_rmse)
			VALUES (?, ?, ?, ?)`,
			id, round.NP, string(summary), nullFloat(round.Best.RMSE),
		)
		return err
	})
}

// SaveSearchComplete records the final state of a search.
func (s *SearchStore) SaveSearchComplete(id string, status registration.SearchStatus, best *registration.BestRegistration, completedAt time.Time, errMsg string) error {
	var bestJSON sql.NullString
	var bestRMSE sql.NullFloat64
	converged := false
	if best != nil {
		b, err := json.Marshal(best)
		if err != nil {
			return fmt.Errorf("marshal best: %w", err)
		}
		bestJSON = sql.NullString{String: string(b), Valid: true}
		bestRMSE = nullFloat(best.RMSE)
		converged = best.Converged
	}
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE searches
			SET status = ?, best = ?, best_rmse = ?, converged = ?, error = ?, completed_at = ?
			WHERE search_id = ?`,
			string(status), bestJSON, bestRMSE, converged, nullStr(errMsg), formatTime(completedAt), id,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("search %s: %w", id, registration.ErrSearchNotFound)
		}
		return nil
	})
}

const searchColumns = `search_id, src_name, tgt_name, request, status, best, converged, error, started_at, completed_at`

// ListSearches returns the most recent searches, newest first, without their
// rounds. limit <= 0 means 100.
func (s *SearchStore) ListSearches(ctx context.Context, limit int) ([]SearchRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+searchColumns+` FROM searches ORDER BY started_at DESC, search_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query searches: %w", err)
	}
	defer rows.Close()

	records := []SearchRecord{}
	for rows.Next() {
		rec, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// GetSearch returns one search with its rounds in sweep order.
func (s *SearchStore) GetSearch(ctx context.Context, id string) (*SearchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+searchColumns+` FROM searches WHERE search_id = ?`, id)
	rec, err := scanSearch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("search %s: %w", id, registration.ErrSearchNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT summary FROM search_rounds WHERE search_id = ? ORDER BY np`, id)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()
	rec.Rounds = []registration.RoundSummary{}
	for rows.Next() {
		var summary string
		if err := rows.Scan(&summary); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		var r registration.RoundSummary
		if err := json.Unmarshal([]byte(summary), &r); err != nil {
			return nil, fmt.Errorf("decode round: %w", err)
		}
		rec.Rounds = append(rec.Rounds, r)
	}
	return rec, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSearch(sc scanner) (*SearchRecord, error) {
	var (
		rec         SearchRecord
		reqJSON     string
		status      string
		bestJSON    sql.NullString
		errMsg      sql.NullString
		startedAt   string
		completedAt sql.NullString
	)
	if err := sc.Scan(&rec.SearchID, &rec.SrcName, &rec.TgtName, &reqJSON, &status,
		&bestJSON, &rec.Converged, &errMsg, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	rec.Status = registration.SearchStatus(status)
	rec.Error = errMsg.String
	if err := json.Unmarshal([]byte(reqJSON), &rec.Request); err != nil {
		return nil, fmt.Errorf("decode request of %s: %w", rec.SearchID, err)
	}
	if bestJSON.Valid {
		rec.Best = &registration.BestRegistration{}
		if err := json.Unmarshal([]byte(bestJSON.String), rec.Best); err != nil {
			return nil, fmt.Errorf("decode best of %s: %w", rec.SearchID, err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at of %s: %w", rec.SearchID, err)
	}
	rec.StartedAt = t
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at of %s: %w", rec.SearchID, err)
		}
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// retryOnBusy retries fn with exponential backoff while SQLite reports the
// database as busy. Gives up after 5 attempts.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 5
	delay := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt < maxAttempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("database busy after %d attempts: %w", maxAttempts, err)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// timeLayout keeps a fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
