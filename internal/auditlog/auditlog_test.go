package auditlog

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func countEvents(t *testing.T, l *Log, kind string) int {
	t.Helper()
	var n int
	row := l.db.QueryRow(`SELECT COUNT(*) FROM events WHERE kind = ?`, kind)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestRecordExecuteOk(t *testing.T) {
	l := openTestLog(t)
	l.RecordExecute("local:a", nil)
	if got := countEvents(t, l, "execute_ok"); got != 1 {
		t.Errorf("execute_ok count = %d, want 1", got)
	}
}

func TestRecordExecuteFailure(t *testing.T) {
	l := openTestLog(t)
	l.RecordExecute("local:a", errors.New("boom"))
	if got := countEvents(t, l, "execute_failed"); got != 1 {
		t.Errorf("execute_failed count = %d, want 1", got)
	}
}

func TestRecordTerminate(t *testing.T) {
	l := openTestLog(t)
	l.RecordTerminate("local:a")
	if got := countEvents(t, l, "terminate"); got != 1 {
		t.Errorf("terminate count = %d, want 1", got)
	}
}
