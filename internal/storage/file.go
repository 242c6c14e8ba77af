package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"socialpilot/internal/automation"
	logx "socialpilot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.activity.jsonl       (append-only JSON Lines, rewritten on prune)
//   - <prefix>.state.snapshot.json  (configs + reply records)
//   - <prefix>.state.journal.jsonl  (append-only journal of state mutations)
//
// The journal is compacted into the snapshot every CompactEvery writes and on Compact.
type fileStore struct {
	log logx.Logger

	mu sync.RWMutex
	st *memState

	activityPath string
	activityFile *os.File

	snapshotPath string
	journalFile  *os.File

	writes       int
	compactEvery int
}

const (
	opSavePost  = "post"
	opSaveReply = "reply"
	opDelete    = "delete"
	opMark      = "mark"
)

type journalRecord struct {
	Op    string                      `json:"op"`
	Post  *automation.AutoPostConfig  `json:"post,omitempty"`
	Reply *automation.AutoReplyConfig `json:"reply,omitempty"`
	User  string                      `json:"user,omitempty"`
	Kind  automation.Kind             `json:"kind,omitempty"`
	Mark  *automation.ReplyRecord     `json:"mark,omitempty"`
}

type stateSnapshot struct {
	Posts   []automation.AutoPostConfig  `json:"posts"`
	Replies []automation.AutoReplyConfig `json:"replies"`
	Dedup   []automation.ReplyRecord     `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	activityPath := prefix + ".activity.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	st := newMemState()
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := loadActivities(activityPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(activityPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	return &fileStore{
		log:          log,
		st:           st,
		activityPath: activityPath,
		activityFile: af,
		snapshotPath: snapPath,
		journalFile:  jf,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.activityFile != nil {
		err1 = s.activityFile.Close()
		s.activityFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// appendLocked writes r to the journal before the caller mutates memory.
func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	return nil
}

func (s *fileStore) maybeCompactLocked() {
	if s.writes%s.compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("state compact failed", logx.Err(err))
	}
}

func (s *fileStore) SavePost(ctx context.Context, cfg automation.AutoPostConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clonePost(cfg)
	if err := s.appendLocked(journalRecord{Op: opSavePost, Post: &cp}); err != nil {
		return err
	}
	s.st.posts[cfg.UserID] = cp
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) SaveReply(ctx context.Context, cfg automation.AutoReplyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneReply(cfg)
	if err := s.appendLocked(journalRecord{Op: opSaveReply, Reply: &cp}); err != nil {
		return err
	}
	s.st.replies[cfg.UserID] = cp
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Delete(ctx context.Context, userID string, kind automation.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opDelete, User: userID, Kind: kind}); err != nil {
		return err
	}
	s.st.delete(userID, kind)
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) LoadPost(ctx context.Context, userID string) (automation.AutoPostConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.loadPost(userID)
}

func (s *fileStore) LoadReply(ctx context.Context, userID string) (automation.AutoReplyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.loadReply(userID)
}

func (s *fileStore) LoadAllEnabledPost(ctx context.Context) ([]automation.AutoPostConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.enabledPosts(), nil
}

func (s *fileStore) LoadAllEnabledReply(ctx context.Context) ([]automation.AutoReplyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.enabledReplies(), nil
}

func (s *fileStore) Exists(ctx context.Context, userID, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	_, ok := s.st.dedup[dedupKey(userID, threadID)]
	return ok, nil
}

func (s *fileStore) Mark(ctx context.Context, rec automation.ReplyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opMark, Mark: &rec}); err != nil {
		return err
	}
	s.st.dedup[dedupKey(rec.UserID, rec.ThreadID)] = rec
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Record(ctx context.Context, a automation.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activityFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.activityFile).Encode(a); err != nil {
		return err
	}
	s.st.activities = append(s.st.activities, a)
	return nil
}

func (s *fileStore) RepliesSince(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.repliesSince(userID, since), nil
}

func (s *fileStore) LastActivity(ctx context.Context, userID string, kind automation.Kind) (automation.Activity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.st.lastActivity(userID, kind)
	return a, ok, nil
}

// Prune drops old activities from memory and rewrites the activity file.
func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activityFile == nil {
		return 0, ErrClosed
	}
	n := s.st.prune(before)
	if n == 0 {
		return 0, nil
	}

	tmp := s.activityPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return n, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, a := range s.st.activities {
		if err := enc.Encode(a); err != nil {
			_ = f.Close()
			return n, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return n, err
	}
	if err := f.Close(); err != nil {
		return n, err
	}
	_ = s.activityFile.Close()
	s.activityFile = nil
	if err := os.Rename(tmp, s.activityPath); err != nil {
		return n, err
	}
	af, err := os.OpenFile(s.activityPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return n, err
	}
	s.activityFile = af
	return n, nil
}

func (s *fileStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	if s.journalFile == nil {
		return ErrClosed
	}
	snap := stateSnapshot{
		Posts:   make([]automation.AutoPostConfig, 0, len(s.st.posts)),
		Replies: make([]automation.AutoReplyConfig, 0, len(s.st.replies)),
		Dedup:   make([]automation.ReplyRecord, 0, len(s.st.dedup)),
	}
	for _, c := range s.st.posts {
		snap.Posts = append(snap.Posts, c)
	}
	for _, c := range s.st.replies {
		snap.Replies = append(snap.Replies, c)
	}
	for _, r := range s.st.dedup {
		snap.Dedup = append(snap.Dedup, r)
	}
	sort.Slice(snap.Posts, func(i, j int) bool { return snap.Posts[i].UserID < snap.Posts[j].UserID })
	sort.Slice(snap.Replies, func(i, j int) bool { return snap.Replies[i].UserID < snap.Replies[j].UserID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap stateSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, c := range snap.Posts {
		st.posts[c.UserID] = c
	}
	for _, c := range snap.Replies {
		st.replies[c.UserID] = c
	}
	for _, r := range snap.Dedup {
		st.dedup[dedupKey(r.UserID, r.ThreadID)] = r
	}
	return nil
}

func replayJournal(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail write from a crash.
			continue
		}
		switch r.Op {
		case opSavePost:
			if r.Post != nil {
				st.posts[r.Post.UserID] = *r.Post
			}
		case opSaveReply:
			if r.Reply != nil {
				st.replies[r.Reply.UserID] = *r.Reply
			}
		case opDelete:
			st.delete(r.User, r.Kind)
		case opMark:
			if r.Mark != nil {
				st.dedup[dedupKey(r.Mark.UserID, r.Mark.ThreadID)] = *r.Mark
			}
		}
	}
	return sc.Err()
}

func loadActivities(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var a automation.Activity
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			continue
		}
		st.activities = append(st.activities, a)
	}
	return sc.Err()
}
