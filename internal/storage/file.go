package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"campaigner/internal/campaign"
	logx "campaigner/pkg/logx"
)

// fileStore keeps one directory per campaign:
//   - <root>/<id>/campaign.json     (rewritten via tmp + rename)
//   - <root>/<id>/responses.jsonl   (append-only JSON Lines)
//   - <root>/<id>/followups.jsonl   (append-only JSON Lines)
//
// The per-campaign locks only serialize one process, so the root is held
// under an OS lock on <root>/.lock for as long as the store is open.
type fileStore struct {
	root string
	log  logx.Logger
	lock *flock.Flock

	locks keyedMutex
}

const (
	recordFile   = "campaign.json"
	responseFile = "responses.jsonl"
	followUpFile = "followups.jsonl"
	lockFile     = ".lock"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, persistErr("open", "", err)
	}
	lock := flock.New(filepath.Join(root, lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, persistErr("open", "", err)
	}
	if !ok {
		return nil, persistErr("open", "", fmt.Errorf("%w: %s", ErrLocked, root))
	}
	return &fileStore{root: root, log: log, lock: lock}, nil
}

func (s *fileStore) Close() error { return s.lock.Unlock() }

func (s *fileStore) dir(id string) string { return filepath.Join(s.root, id) }

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid campaign id %q", id)
	}
	return nil
}

func (s *fileStore) Create(ctx context.Context, c *campaign.Campaign) (string, error) {
	if c == nil {
		return "", errors.New("nil campaign")
	}
	if err := validID(c.ID); err != nil {
		return "", err
	}
	unlock := s.locks.Lock(c.ID)
	defer unlock()

	dir := s.dir(c.ID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", persistErr("create", c.ID, err)
	}
	if err := s.writeRecord(c); err != nil {
		return "", persistErr("create", c.ID, err)
	}
	return c.ID, nil
}

func (s *fileStore) Load(ctx context.Context, id string) (*campaign.Campaign, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	c, err := s.readRecord(id)
	return c, persistErr("load", id, err)
}

func (s *fileStore) Save(ctx context.Context, c *campaign.Campaign) error {
	if c == nil {
		return errors.New("nil campaign")
	}
	if err := validID(c.ID); err != nil {
		return err
	}
	unlock := s.locks.Lock(c.ID)
	defer unlock()
	if _, err := os.Stat(s.dir(c.ID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", campaign.ErrNotFound, c.ID)
		}
		return persistErr("save", c.ID, err)
	}
	return persistErr("save", c.ID, s.writeRecord(c))
}

func (s *fileStore) Update(ctx context.Context, id string, fn UpdateFunc) (*campaign.Campaign, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.readRecord(id)
	if err != nil {
		return nil, persistErr("update", id, err)
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := s.writeRecord(c); err != nil {
		return nil, persistErr("update", id, err)
	}
	return c.Clone(), nil
}

func (s *fileStore) List(ctx context.Context) ([]*campaign.Campaign, error) {
	ents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	out := make([]*campaign.Campaign, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		c, err := s.readRecord(e.Name())
		if err != nil {
			// A half-written or foreign directory should not hide the rest.
			s.log.Warn("skipping unreadable campaign", logx.String("id", e.Name()), logx.Err(err))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *fileStore) AppendResponse(ctx context.Context, id string, r campaign.Response) error {
	if err := validID(id); err != nil {
		return err
	}
	return persistErr("append response", id, s.appendLine(id, responseFile, r))
}

func (s *fileStore) RecordResponse(ctx context.Context, id string, r campaign.Response) (*campaign.Campaign, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	unlockLog := s.locks.Lock(id + "/" + responseFile)
	defer unlockLog()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.readRecord(id)
	if err != nil {
		return nil, persistErr("record response", id, err)
	}
	off, err := s.writeLine(id, responseFile, r)
	if err != nil {
		return nil, persistErr("record response", id, err)
	}
	c.Stats.Responses++
	if err := s.writeRecord(c); err != nil {
		if terr := os.Truncate(filepath.Join(s.dir(id), responseFile), off); terr != nil {
			s.log.Error("response logged but not counted", logx.Campaign(id), logx.String("response", r.ID), logx.Err(terr))
		}
		return nil, persistErr("record response", id, err)
	}
	return c, nil
}

func (s *fileStore) Responses(ctx context.Context, id string) ([]campaign.Response, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var out []campaign.Response
	err := s.readLines(id, responseFile, func(b []byte) error {
		var r campaign.Response
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, persistErr("responses", id, err)
}

func (s *fileStore) AppendFollowUp(ctx context.Context, f campaign.FollowUp) error {
	if err := validID(f.CampaignID); err != nil {
		return err
	}
	return persistErr("append follow-up", f.CampaignID, s.appendLine(f.CampaignID, followUpFile, f))
}

func (s *fileStore) FollowUps(ctx context.Context, id string) ([]campaign.FollowUp, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var out []campaign.FollowUp
	err := s.readLines(id, followUpFile, func(b []byte) error {
		var f campaign.FollowUp
		if err := json.Unmarshal(b, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, persistErr("follow-ups", id, err)
}

func (s *fileStore) readRecord(id string) (*campaign.Campaign, error) {
	b, err := os.ReadFile(filepath.Join(s.dir(id), recordFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
		}
		return nil, err
	}
	var c campaign.Campaign
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", recordFile, err)
	}
	if c.ID == "" {
		c.ID = id
	}
	return &c, nil
}

func (s *fileStore) writeRecord(c *campaign.Campaign) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir(c.ID), recordFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// appendLine writes one JSON line. Log files are appended under a per-file
// lock so concurrent writers never interleave partial lines.
func (s *fileStore) appendLine(id, name string, v any) error {
	unlock := s.locks.Lock(id + "/" + name)
	defer unlock()
	_, err := s.writeLine(id, name, v)
	return err
}

// writeLine appends v to the log and returns the size the file had before,
// for rolling back. The caller holds the file's lock.
func (s *fileStore) writeLine(id, name string, v any) (int64, error) {
	if _, err := os.Stat(s.dir(id)); err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
		}
		return 0, err
	}
	f, err := os.OpenFile(filepath.Join(s.dir(id), name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		_ = os.Truncate(f.Name(), fi.Size())
		return 0, err
	}
	return fi.Size(), f.Close()
}

func (s *fileStore) readLines(id, name string, fn func([]byte) error) error {
	f, err := os.Open(filepath.Join(s.dir(id), name))
	if err != nil {
		if os.IsNotExist(err) {
			if _, serr := os.Stat(s.dir(id)); os.IsNotExist(serr) {
				return fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
			}
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			s.log.Debug("skipping corrupt log line", logx.String("id", id), logx.String("file", name), logx.Err(err))
		}
	}
	return sc.Err()
}
