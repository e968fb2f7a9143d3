package lua

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/zot/modns/internal/config"
)

// HotLoader watches the script directory tree and reloads included modules
// whose source unit changed.
type HotLoader struct {
	config   *config.Config
	dir      string
	host     *Host
	watcher  *fsnotify.Watcher
	onReload func(name string, err error) // called after each reload attempt

	// Symlink tracking
	symlinkTargets map[string]string // unit file path -> resolved target dir
	watchedDirs    map[string]int    // dir path -> reference count
	mu             sync.Mutex

	// Debouncing
	pendingReloads map[string]time.Time
	debounceMu     sync.Mutex
	debounceDelay  time.Duration

	done chan struct{}
}

// NewHotLoader creates a hot loader for the scripts under dir, reloading them
// in host. onReload may be nil.
func NewHotLoader(cfg *config.Config, dir string, host *Host, onReload func(name string, err error)) (*HotLoader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	h := &HotLoader{
		config:         cfg,
		dir:            abs,
		host:           host,
		watcher:        watcher,
		onReload:       onReload,
		symlinkTargets: make(map[string]string),
		watchedDirs:    make(map[string]int),
		pendingReloads: make(map[string]time.Time),
		debounceDelay:  cfg.Watch.Debounce.Duration(),
		done:           make(chan struct{}),
	}
	return h, nil
}

// Start begins watching for file changes.
func (h *HotLoader) Start() error {
	if err := h.addWatchTree(h.dir); err != nil {
		return err
	}

	go h.eventLoop()
	go h.debounceLoop()

	h.config.Log(1, "HotLoader: watching %s for changes", h.dir)
	return nil
}

// Stop stops the hot loader.
func (h *HotLoader) Stop() error {
	close(h.done)
	return h.watcher.Close()
}

// rel returns the slash-separated path of p relative to the script root, or
// false when p lies outside it.
func (h *HotLoader) rel(p string) (string, bool) {
	r, err := filepath.Rel(h.dir, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(r), true
}

// isIgnored matches a root-relative path against the configured ignore globs.
func (h *HotLoader) isIgnored(rel string) bool {
	for _, pattern := range h.config.Watch.Ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// isIgnoredDir reports whether a directory is ignored: a file directly inside
// it would be.
func (h *HotLoader) isIgnoredDir(rel string) bool {
	if rel == "." {
		return false
	}
	return h.isIgnored(rel) || h.isIgnored(path.Join(rel, "file"))
}

func (h *HotLoader) isSource(p string) bool {
	ext := h.config.Library.Ext
	if ext == "" {
		ext = ".lua"
	} else if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return strings.HasSuffix(p, ext)
}

// addWatchTree watches root and every directory below it.
func (h *HotLoader) addWatchTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := h.rel(p)
		if d.IsDir() {
			if h.isIgnoredDir(rel) {
				return filepath.SkipDir
			}
			return h.addWatch(p)
		}
		if h.isSource(p) && !h.isIgnored(rel) {
			h.updateSymlinkWatch(p)
		}
		return nil
	})
}

// updateSymlinkWatch checks if a file is a symlink and updates watches accordingly.
func (h *HotLoader) updateSymlinkWatch(filePath string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := os.Lstat(filePath)
	if err != nil {
		return
	}

	// Remove old watch if this file was previously a symlink
	if oldTarget, ok := h.symlinkTargets[filePath]; ok {
		h.removeWatchLocked(oldTarget)
		delete(h.symlinkTargets, filePath)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(filePath)
		if err != nil {
			h.config.Log(2, "HotLoader: cannot resolve symlink %s: %v", filePath, err)
			return
		}

		targetDir := filepath.Dir(target)
		h.symlinkTargets[filePath] = targetDir
		h.addWatchLocked(targetDir)
		h.config.Log(2, "HotLoader: watching symlink target dir %s for %s", targetDir, filePath)
	}
}

// removeSymlinkWatch removes the watch for a symlink's target directory.
func (h *HotLoader) removeSymlinkWatch(filePath string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if targetDir, ok := h.symlinkTargets[filePath]; ok {
		h.removeWatchLocked(targetDir)
		delete(h.symlinkTargets, filePath)
	}
}

// addWatch adds a directory to the watch list.
func (h *HotLoader) addWatch(dir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addWatchLocked(dir)
}

func (h *HotLoader) addWatchLocked(dir string) error {
	h.watchedDirs[dir]++
	if h.watchedDirs[dir] == 1 {
		if err := h.watcher.Add(dir); err != nil {
			h.watchedDirs[dir]--
			return err
		}
		h.config.Log(2, "HotLoader: added watch for %s", dir)
	}
	return nil
}

func (h *HotLoader) removeWatchLocked(dir string) {
	h.watchedDirs[dir]--
	if h.watchedDirs[dir] <= 0 {
		h.watcher.Remove(dir)
		delete(h.watchedDirs, dir)
		h.config.Log(2, "HotLoader: removed watch for %s", dir)
	}
}

// eventLoop processes file system events.
func (h *HotLoader) eventLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.config.Log(1, "HotLoader: watcher error: %v", err)
		}
	}
}

// handleEvent processes a single file system event.
func (h *HotLoader) handleEvent(event fsnotify.Event) {
	h.config.Log(3, "HotLoader: event %s on %s", event.Op, event.Name)

	rel, inTree := h.rel(event.Name)

	// New directories in the tree are watched too
	if inTree && event.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if !h.isIgnoredDir(rel) {
				if err := h.addWatchTree(event.Name); err != nil {
					h.config.Log(1, "HotLoader: cannot watch %s: %v", event.Name, err)
				}
			}
			return
		}
	}

	if !h.isSource(event.Name) || (inTree && h.isIgnored(rel)) {
		return
	}

	if inTree {
		switch {
		case event.Op&fsnotify.Create != 0:
			h.updateSymlinkWatch(event.Name)
		case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
			h.removeSymlinkWatch(event.Name)
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		h.queueReload(event.Name)
	}
}

// queueReload queues a file for reload with debouncing.
func (h *HotLoader) queueReload(filePath string) {
	h.debounceMu.Lock()
	h.pendingReloads[filePath] = time.Now()
	h.debounceMu.Unlock()
}

// debounceLoop processes pending reloads after the debounce delay.
func (h *HotLoader) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.processPendingReloads()
		}
	}
}

// processPendingReloads reloads files that have been pending for longer than debounceDelay.
func (h *HotLoader) processPendingReloads() {
	h.debounceMu.Lock()
	now := time.Now()
	var toReload []string
	for p, queuedAt := range h.pendingReloads {
		if now.Sub(queuedAt) >= h.debounceDelay {
			toReload = append(toReload, p)
			delete(h.pendingReloads, p)
		}
	}
	h.debounceMu.Unlock()

	for _, p := range toReload {
		h.reloadFile(p)
	}
}

// reloadFile reloads the module owning a changed file if it is included.
// Modules never required stay unloaded until something requires them.
func (h *HotLoader) reloadFile(filePath string) {
	reloadPath := h.resolveReloadPath(filePath)
	if reloadPath == "" {
		return
	}
	rel, ok := h.rel(reloadPath)
	if !ok {
		return
	}

	ctx := context.Background()
	name, included, err := h.host.ModuleForPath(ctx, rel)
	if err != nil {
		h.config.Log(1, "HotLoader: %s: %v", rel, err)
		return
	}
	if name == "" {
		h.config.Log(2, "HotLoader: %s is not a module source", rel)
		return
	}
	if !included {
		h.config.Log(2, "HotLoader: skipping %s (not loaded)", name)
		return
	}

	h.config.Log(1, "HotLoader: reloading %s from %s", name, rel)

	// Panic recovery to keep the watcher alive
	defer func() {
		if r := recover(); r != nil {
			h.config.Log(0, "HotLoader: PANIC reloading %s: %v", name, r)
		}
	}()

	err = h.host.Reload(ctx, name)
	if err != nil {
		h.config.Log(0, "HotLoader: error reloading %s: %v", name, err)
	} else {
		h.config.Log(2, "HotLoader: reloaded %s", name)
	}
	if h.onReload != nil {
		h.onReload(name, err)
	}
}

// resolveReloadPath determines which file to reload based on the changed path.
func (h *HotLoader) resolveReloadPath(changedPath string) string {
	if _, inTree := h.rel(changedPath); inTree {
		// Might have been deleted
		if _, err := os.Stat(changedPath); err != nil {
			return ""
		}
		return changedPath
	}

	// Otherwise, this is a change in a symlink target directory.
	// Find which unit file links to this location.
	h.mu.Lock()
	defer h.mu.Unlock()

	changedDir := filepath.Dir(changedPath)
	changedBase := filepath.Base(changedPath)

	for unitPath, targetDir := range h.symlinkTargets {
		if targetDir == changedDir {
			target, err := filepath.EvalSymlinks(unitPath)
			if err == nil && filepath.Base(target) == changedBase {
				return unitPath
			}
		}
	}

	return ""
}
