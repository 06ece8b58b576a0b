package storage

import (
	"bufio"
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	logx "livedash/pkg/logx"
)

const compactEvery = 500

// fileStore keeps widgets in memory and persists them as:
//   - <prefix>.widgets.snapshot.json (full map, rewritten on compaction)
//   - <prefix>.widgets.journal.jsonl (put/delete records since the snapshot)
//   - <prefix>.audit.jsonl           (append-only)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	widgets      map[string]WidgetRecord
	writes       int
}

type journalRecord struct {
	Op     string        `json:"op"` // put | del
	ID     string        `json:"id"`
	Widget *WidgetRecord `json:"widget,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".widgets.snapshot.json"
	journalPath := prefix + ".widgets.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	widgets := map[string]WidgetRecord{}
	if err := loadSnapshot(snapPath, widgets); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("widget snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, widgets); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("widget journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	fs := &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		widgets:      widgets,
	}
	// Start every run from a fresh snapshot so a torn journal tail is never appended to.
	if err := fs.compactLocked(); err != nil {
		log.Warn("widget journal compaction failed", logx.Err(err))
	}
	return fs, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		if s.writes > 0 {
			err1 = s.compactLocked()
		}
		if err := s.journalFile.Close(); err1 == nil {
			err1 = err
		}
		s.journalFile = nil
	}
	if s.auditFile != nil {
		err2 = s.auditFile.Close()
		s.auditFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutWidget(_ context.Context, w WidgetRecord) error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("widget id required")
	}
	w.Params = maps.Clone(w.Params)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.widgets[w.ID] = w
	return s.journalLocked(journalRecord{Op: "put", ID: w.ID, Widget: &w})
}

func (s *fileStore) DeleteWidget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.widgets[id]; !ok {
		return nil
	}
	delete(s.widgets, id)
	return s.journalLocked(journalRecord{Op: "del", ID: id})
}

func (s *fileStore) DeleteDashboard(_ context.Context, token string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, w := range s.widgets {
		if w.Token != token {
			continue
		}
		delete(s.widgets, id)
		if err := s.journalLocked(journalRecord{Op: "del", ID: id}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *fileStore) LoadWidgets(_ context.Context) ([]WidgetRecord, error) {
	s.mu.Lock()
	out := make([]WidgetRecord, 0, len(s.widgets))
	for _, w := range s.widgets {
		w.Params = maps.Clone(w.Params)
		out = append(out, w)
	}
	s.mu.Unlock()
	sortWidgets(out)
	return out, nil
}

func (s *fileStore) journalLocked(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("widget journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes >= compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("widget journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.widgets); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journalFile.Seek(0, 2); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func loadSnapshot(path string, out map[string]WidgetRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]WidgetRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]WidgetRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			// A torn last line after a crash is expected.
			continue
		}
		switch r.Op {
		case "put":
			if r.Widget != nil {
				out[r.ID] = *r.Widget
			}
		case "del":
			delete(out, r.ID)
		}
	}
	return sc.Err()
}

func sortWidgets(ws []WidgetRecord) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].Token != ws[j].Token {
			return ws[i].Token < ws[j].Token
		}
		return ws[i].ID < ws[j].ID
	})
}
