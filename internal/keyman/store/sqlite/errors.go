package sqlite

import (
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/doguSXFR/KeymanServer/internal/keyman/store"
)

// mapConstraint translates SQLite constraint failures into store errors.
// UNIQUE and PRIMARY KEY violations become ErrConflict; FOREIGN KEY
// violations mean a referenced user or key is missing and become
// ErrNotFound.  Anything else is returned unchanged.
func mapConstraint(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	code := se.Code()
	if code&0xff != sqlite3.SQLITE_CONSTRAINT {
		return err
	}
	msg := se.Error()
	switch {
	case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE,
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
		strings.Contains(msg, "UNIQUE constraint"):
		return store.ErrConflict
	case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY,
		strings.Contains(msg, "FOREIGN KEY constraint"):
		return store.ErrNotFound
	}
	return err
}

func toMs(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
