package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reimportd/pkg/logx"
)

// fileStore keeps everything under one path prefix:
//   - <prefix>.sessions.json       (snapshot, rewritten on every change)
//   - <prefix>.outcomes.jsonl      (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal, compacted into the snapshot)
//
// The sessions snapshot is re-read when its mtime changes, so an importer or
// `reimportd jobs mark` in another process can move a session forward.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	sessionsPath string
	sessions     map[string]Session
	sessionsMod  time.Time

	outcomeFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/reimportd.json"
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:               log,
		sessionsPath:      prefix + ".sessions.json",
		sessions:          map[string]Session{},
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}

	of, err := os.OpenFile(prefix+".outcomes.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.outcomeFile = of

	journalPath := prefix + ".dedup.journal.jsonl"
	_ = loadDedupSnapshot(s.dedupSnapshotPath, s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup)
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = of.Close()
		return nil, err
	}
	s.dedupJournalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.outcomeFile != nil {
		errs = append(errs, s.outcomeFile.Close())
		s.outcomeFile = nil
	}
	if s.dedupJournalFile != nil {
		errs = append(errs, s.dedupJournalFile.Close())
		s.dedupJournalFile = nil
	}
	return errors.Join(errs...)
}

// refreshLocked reloads the sessions snapshot if it changed on disk.
func (s *fileStore) refreshLocked() error {
	fi, err := os.Stat(s.sessionsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.ModTime().Equal(s.sessionsMod) {
		return nil
	}
	b, err := os.ReadFile(s.sessionsPath)
	if err != nil {
		return err
	}
	m := map[string]Session{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
	}
	s.sessions = m
	s.sessionsMod = fi.ModTime()
	return nil
}

func (s *fileStore) saveSessionsLocked() error {
	b, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.sessionsPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.sessionsPath); err != nil {
		return err
	}
	if fi, err := os.Stat(s.sessionsPath); err == nil {
		s.sessionsMod = fi.ModTime()
	}
	return nil
}

func (s *fileStore) CreateSession(ctx context.Context, ns NewSession) (Session, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		s.log.Warn("sessions reload failed", logx.Err(err))
	}
	now := time.Now().UTC()
	sess := Session{
		ID:      uuid.NewString(),
		Name:    ns.Name,
		Source:  ns.Source,
		From:    ns.From.UTC(),
		To:      ns.To.UTC(),
		Status:  StatusReady,
		Created: now,
		Updated: now,
	}
	s.sessions[sess.ID] = sess
	if err := s.saveSessionsLocked(); err != nil {
		delete(s.sessions, sess.ID)
		return Session{}, err
	}
	return sess, nil
}

func (s *fileStore) SessionStatus(ctx context.Context, id string) (Status, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return "", err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	return sess.Status, nil
}

func (s *fileStore) SetSessionStatus(ctx context.Context, id string, st Status) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	prev := sess
	sess.Status = st
	sess.Updated = time.Now().UTC()
	s.sessions[id] = sess
	if err := s.saveSessionsLocked(); err != nil {
		s.sessions[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	_ = ctx
	s.mu.Lock()
	if err := s.refreshLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) AppendOutcome(ctx context.Context, o OutcomeRecord) error {
	_ = ctx
	if o.At.IsZero() {
		o.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomeFile == nil {
		return errors.New("outcome log closed")
	}
	return json.NewEncoder(s.outcomeFile).Encode(o)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)
	tmp := s.dedupSnapshotPath + ".tmp"
	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
