package statedb

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// eventLine matches "[<ISO8601>] pane=<id> event=<state>".
var eventLine = regexp.MustCompile(`^\[([^\]]+)\] pane=(\S+) event=(\S+)\s*$`)

// ImportEventsLog loads runner-events.log lines that predate the database
// into the transitions table. The byte offset reached is kept in metadata
// per project so repeated imports only read new lines. Returns the number
// of transitions inserted.
func (s *StateDB) ImportEventsLog(path, project, session string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("statedb: open events log: %w", err)
	}
	defer f.Close()

	metaKey := "events_offset:" + project
	var offset int64
	if v, err := s.GetMeta(metaKey); err == nil && v != "" {
		offset, _ = strconv.ParseInt(v, 10, 64)
	}
	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	if size < offset {
		// Truncated or rotated: start over.
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return 0, fmt.Errorf("statedb: seek events log: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("statedb: begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO transitions (project, session, pane_id, from_state, to_state, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	last := make(map[string]string)
	inserted := 0
	read := offset
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		read += int64(len(line)) + 1
		m := eventLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, m[1])
		if err != nil {
			continue
		}
		pane, state := m[2], m[3]
		if _, err := stmt.Exec(project, session, pane, last[pane], state, at.UnixMilli()); err != nil {
			return inserted, fmt.Errorf("statedb: import transition: %w", err)
		}
		last[pane] = state
		inserted++
	}
	if err := sc.Err(); err != nil {
		return inserted, fmt.Errorf("statedb: read events log: %w", err)
	}
	if read > size {
		read = size
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		metaKey, strconv.FormatInt(read, 10)); err != nil {
		return inserted, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("statedb: commit import: %w", err)
	}
	return inserted, nil
}
