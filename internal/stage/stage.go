// Package stage manages the staging area: one directory per resource id
// holding fetched items, background-removed results and diagnostics.
// Writes are atomic (temp file + rename) so readers never see partial files.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pixeloff/internal/httputil"
)

// ErrBusy is returned under the Reject policy when the id is already in use.
var ErrBusy = errors.New("resource is busy")

// ErrNotStaged is returned when no staged item matches.
var ErrNotStaged = errors.New("item not staged")

// Policy decides what happens when two fetches target the same id.
type Policy int

const (
	Serialize Policy = iota // the second caller waits
	Reject                  // the second caller gets ErrBusy
)

// ParsePolicy reads "serialize" or "reject".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "serialize", "":
		return Serialize, nil
	case "reject":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown concurrency policy %q (valid: serialize, reject)", s)
}

func (p Policy) String() string {
	if p == Reject {
		return "reject"
	}
	return "serialize"
}

// DiagDir is the subdirectory holding diagnostic records.
const DiagDir = "diag"

const noBGSuffix = "_nobg"

var slideStem = regexp.MustCompile(`^.+_slide(\d+)$`)

// SlideName names the staged file of item n.
func SlideName(id string, n int, ext string) string {
	return fmt.Sprintf("%s_slide%d%s", id, n, ext)
}

// NoBGName names the background-removed result of a staged file.
func NoBGName(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	return base + noBGSuffix + ".png"
}

// File is one staged file.
type File struct {
	Name    string
	Path    string
	Item    int  // 0 when the name carries no item number
	NoBG    bool // background-removed result
	Size    int64
	ModTime time.Time
}

// Area is the staging root. Safe for concurrent use.
type Area struct {
	root   string
	policy Policy
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*idLock
}

// idLock is a one-slot semaphore, so waiting can honor a context.
type idLock struct {
	ch   chan struct{}
	refs int
}

// New opens (creating if needed) the staging area at root.
func New(root string, policy Policy, logger *slog.Logger) (*Area, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving stage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("creating stage dir: %w", err)
	}
	return &Area{root: abs, policy: policy, logger: logger, locks: map[string]*idLock{}}, nil
}

func (a *Area) Root() string   { return a.root }
func (a *Area) Policy() Policy { return a.policy }

// Acquire takes the lock for id. The returned release func must be called
// exactly once. Different ids never contend.
func (a *Area) Acquire(ctx context.Context, id string) (func(), error) {
	if err := httputil.ValidateID(id); err != nil {
		return nil, err
	}
	return a.lock(ctx, id, a.policy == Serialize)
}

func (a *Area) lock(ctx context.Context, id string, wait bool) (func(), error) {
	a.mu.Lock()
	l, ok := a.locks[id]
	if !ok {
		l = &idLock{ch: make(chan struct{}, 1)}
		a.locks[id] = l
	}
	l.refs++
	a.mu.Unlock()

	if wait {
		select {
		case l.ch <- struct{}{}:
		case <-ctx.Done():
			a.unref(id, l)
			return nil, ctx.Err()
		}
	} else {
		select {
		case l.ch <- struct{}{}:
		default:
			a.unref(id, l)
			return nil, fmt.Errorf("%s: %w", id, ErrBusy)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			a.unref(id, l)
		})
	}, nil
}

func (a *Area) unref(id string, l *idLock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(a.locks, id)
	}
}

// Dir returns the directory of id without creating it.
func (a *Area) Dir(id string) (string, error) {
	if err := httputil.ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(a.root, id), nil
}

// Reset clears and recreates the directory of id. Call it with the id lock held.
func (a *Area) Reset(id string) (string, error) {
	dir, err := a.Dir(id)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clearing %s: %w", id, err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating %s: %w", id, err)
	}
	return dir, nil
}

// Path resolves a file name inside the directory of id.
func (a *Area) Path(id, name string) (string, error) {
	dir, err := a.Dir(id)
	if err != nil {
		return "", err
	}
	return httputil.SafePath(dir, name)
}

// Write stores data under name atomically and returns its path.
func (a *Area) Write(id, name string, data []byte) (string, error) {
	path, err := a.Path(id, name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(dir, ".stage-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming %s: %w", name, err)
	}
	return path, nil
}

// Read returns the content of a staged file.
func (a *Area) Read(id, name string) ([]byte, error) {
	path, err := a.Path(id, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", id, name, ErrNotStaged)
	}
	return data, err
}

// List returns the staged files of id ordered by item, originals first.
// Diagnostics and temp files are skipped.
func (a *Area) List(id string) ([]File, error) {
	dir, err := a.Dir(id)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", id, err)
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		f := File{Name: e.Name(), Path: filepath.Join(dir, e.Name()), Size: info.Size(), ModTime: info.ModTime()}
		stem := strings.TrimSuffix(f.Name, filepath.Ext(f.Name))
		if strings.HasSuffix(stem, noBGSuffix) {
			f.NoBG = true
			stem = strings.TrimSuffix(stem, noBGSuffix)
		}
		if m := slideStem.FindStringSubmatch(stem); m != nil {
			f.Item, _ = strconv.Atoi(m[1])
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Item != files[j].Item {
			return files[i].Item < files[j].Item
		}
		if files[i].NoBG != files[j].NoBG {
			return !files[i].NoBG
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// Find returns the staged original of item n.
func (a *Area) Find(id string, n int) (File, error) {
	files, err := a.List(id)
	if err != nil {
		return File{}, err
	}
	for _, f := range files {
		if f.Item == n && !f.NoBG {
			return f, nil
		}
	}
	return File{}, fmt.Errorf("%s item %d: %w", id, n, ErrNotStaged)
}

// IDs lists the resource ids present in the area.
func (a *Area) IDs() ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("listing stage dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && httputil.ValidateID(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Sweep removes id directories untouched for longer than ttl. Ids that are
// currently locked are skipped. It returns the number of removed dirs.
func (a *Area) Sweep(ttl time.Duration, now time.Time) (int, error) {
	ids, err := a.IDs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		release, err := a.lock(context.Background(), id, false)
		if err != nil {
			continue
		}
		dir := filepath.Join(a.root, id)
		info, err := os.Stat(dir)
		if err == nil && now.Sub(info.ModTime()) >= ttl {
			if err := os.RemoveAll(dir); err != nil {
				a.logger.Warn("sweep: removing stale dir failed", "id", id, "err", err)
			} else {
				removed++
			}
		}
		release()
	}
	if removed > 0 {
		a.logger.Info("swept stale staging dirs", "removed", removed)
	}
	return removed, nil
}
