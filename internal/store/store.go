package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a local id is in neither new/ nor cur/.
var ErrNotFound = errors.New("message not found")

// State is the physical placement of a message.
type State int

const (
	Unseen State = iota
	Seen
)

func (s State) String() string {
	if s == Seen {
		return "seen"
	}
	return "unseen"
}

const (
	dirTmp = "tmp"
	dirNew = "new"
	dirCur = "cur"

	// infoSeen is the maildir info suffix for messages in cur/.
	infoSeen = ":2,S"
)

// Entry is one enumerated message.
type Entry struct {
	ID    string
	State State
	Raw   []byte
}

// Maildir is a directory-based message store with unseen (new/) and seen
// (cur/) states.
type Maildir struct {
	root string
	mu   sync.RWMutex
}

// Open creates or opens a maildir rooted at root.
func Open(root string) (*Maildir, error) {
	for _, d := range []string{dirTmp, dirNew, dirCur} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create maildir %s: %w", d, err)
		}
	}
	return &Maildir{root: root}, nil
}

// Root returns the maildir directory.
func (m *Maildir) Root() string {
	return m.root
}

// Store writes raw into new/ (unseen) or cur/ (seen) and returns its local id.
func (m *Maildir) Store(raw []byte, unseen bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store(raw, unseen)
}

func (m *Maildir) store(raw []byte, unseen bool) (string, error) {
	id := fmt.Sprintf("%d.%s", time.Now().Unix(), uuid.NewString())

	tmp := filepath.Join(m.root, dirTmp, id)
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write message: %w", err)
	}

	dst := filepath.Join(m.root, dirNew, id)
	if !unseen {
		dst = filepath.Join(m.root, dirCur, id+infoSeen)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to deliver message: %w", err)
	}
	return id, nil
}

// MoveToSeen moves a message from new/ to cur/. Already seen is a no-op.
func (m *Maildir) MoveToSeen(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, state, err := m.locate(id)
	if err != nil {
		return err
	}
	if state == Seen {
		return nil
	}
	if err := os.Rename(path, filepath.Join(m.root, dirCur, id+infoSeen)); err != nil {
		return fmt.Errorf("failed to move %s to cur: %w", id, err)
	}
	return nil
}

// MoveToUnseen re-delivers a seen message into new/. The message gets a new
// local id, which is returned; callers must rewrite their mapping. A message
// that is already unseen keeps its id.
func (m *Maildir) MoveToUnseen(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, state, err := m.locate(id)
	if err != nil {
		return "", err
	}
	if state == Unseen {
		return id, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", id, err)
	}
	newID, err := m.store(raw, true)
	if err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("failed to remove %s from cur: %w", id, err)
	}
	return newID, nil
}

// Delete removes a message from whichever state holds it.
func (m *Maildir) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, _, err := m.locate(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

// WhichState reports whether id is unseen or seen.
func (m *Maildir) WhichState(id string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, state, err := m.locate(id)
	return state, err
}

// Read returns the raw bytes and state of id.
func (m *Maildir) Read(id string) ([]byte, State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	path, state, err := m.locate(id)
	if err != nil {
		return nil, 0, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("failed to read %s: %w", id, err)
	}
	return raw, state, nil
}

// IDs lists local ids in both states without reading content. It is a
// listing helper; sync checks single ids with WhichState.
func (m *Maildir) IDs() (map[string]State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[string]State)
	for _, d := range []struct {
		dir   string
		state State
	}{{dirNew, Unseen}, {dirCur, Seen}} {
		entries, err := os.ReadDir(filepath.Join(m.root, d.dir))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s directory: %w", d.dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ids[baseID(e.Name())] = d.state
		}
	}
	return ids, nil
}

// Enumerate returns every message in new/ followed by cur/. Files removed
// between listing and reading are skipped.
func (m *Maildir) Enumerate() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, d := range []struct {
		dir   string
		state State
	}{{dirNew, Unseen}, {dirCur, Seen}} {
		dir := filepath.Join(m.root, d.dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s directory: %w", d.dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read maildir entry %s: %w", e.Name(), err)
			}
			out = append(out, Entry{ID: baseID(e.Name()), State: d.state, Raw: raw})
		}
	}
	return out, nil
}

// locate finds the file backing id. new/ is checked first.
func (m *Maildir) locate(id string) (string, State, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", 0, fmt.Errorf("invalid id %q: %w", id, ErrNotFound)
	}

	p := filepath.Join(m.root, dirNew, id)
	if _, err := os.Stat(p); err == nil {
		return p, Unseen, nil
	}

	p = filepath.Join(m.root, dirCur, id)
	if _, err := os.Stat(p); err == nil {
		return p, Seen, nil
	}
	matches, err := filepath.Glob(filepath.Join(m.root, dirCur, globEscape(id)+":2,*"))
	if err != nil {
		return "", 0, fmt.Errorf("failed to search cur for %s: %w", id, err)
	}
	if len(matches) > 0 {
		return matches[0], Seen, nil
	}
	return "", 0, fmt.Errorf("%s: %w", id, ErrNotFound)
}

func baseID(name string) string {
	if i := strings.Index(name, ":2,"); i >= 0 {
		return name[:i]
	}
	return name
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
