package ledger

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/timebank-app/timebank/internal/domain"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// HistoryQuery selects a page of entries, newest first.
type HistoryQuery struct {
	Since  time.Time
	Limit  int
	Cursor string
}

// Page is one page of ledger history.
type Page struct {
	Entries    []domain.LedgerEntry `json:"entries"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// History returns the user's entries, newest first. Pass Page.NextCursor
// back as Cursor to continue; an empty NextCursor means the end.
func (s *Service) History(ctx context.Context, userID string, q HistoryQuery) (Page, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	before, err := DecodeCursor(q.Cursor)
	if err != nil {
		return Page{}, err
	}
	if _, err := s.store.GetBank(ctx, userID); err != nil {
		return Page{}, err
	}

	// One extra row tells us whether another page exists.
	entries, err := s.store.ListEntries(ctx, userID, domain.EntryQuery{
		Since:     q.Since,
		BeforeSeq: before,
		Limit:     limit + 1,
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextCursor = EncodeCursor(page.Entries[limit-1].Seq)
	}
	if page.Entries == nil {
		page.Entries = []domain.LedgerEntry{}
	}
	return page, nil
}

// EncodeCursor makes an opaque cursor from a commit sequence.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("seq:" + strconv.FormatInt(seq, 10)))
}

// DecodeCursor reverses EncodeCursor. An empty cursor decodes to 0.
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, domain.Invalid("malformed cursor")
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(string(raw), "seq:"), 10, 64)
	if err != nil || n <= 0 || !strings.HasPrefix(string(raw), "seq:") {
		return 0, domain.Invalid("malformed cursor")
	}
	return n, nil
}
