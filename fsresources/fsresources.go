// Package fsresources serves a directory tree as gateway resources and pushes
// resource_updated notifications when files change on disk.
package fsresources

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/thecodekitchen/mcpsock/registry"
)

// Broadcaster delivers a notification payload to every active connection.
type Broadcaster interface {
	Broadcast(ctx context.Context, data any) error
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the slog logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithPathPrefix sets the registry path prefix for the file handlers.
// Defaults to "/files".
func WithPathPrefix(prefix string) Option {
	return func(p *Provider) { p.prefix = registry.NormalizePath(prefix) }
}

// Provider exposes a restricted slice of the filesystem. Reads never escape
// the configured root, even through symlinks.
type Provider struct {
	root   string // absolute, symlink-evaluated
	prefix string
	log    *slog.Logger
}

// New builds a Provider over an existing directory.
func New(root string, opts ...Option) (*Provider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	fi, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}

	p := &Provider{root: real, prefix: "/files", log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// FileInfo describes one file in a listing.
type FileInfo struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// ReadResult is the payload returned by the read handler.
type ReadResult struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type readArgs struct {
	Path string `json:"path"`
}

// Register installs the provider's handlers on reg under its path prefix.
func (p *Provider) Register(reg *registry.Registry) error {
	if err := reg.Register(registry.CategoryResource, p.prefix+"/list", p.handleList,
		registry.WithDescription("List files under the resource root")); err != nil {
		return err
	}
	return reg.Register(registry.CategoryResource, p.prefix+"/read", p.handleRead,
		registry.WithDescription("Read one file by its listed path"),
		registry.WithInputSchema(registry.ReflectSchema[readArgs]()))
}

func (p *Provider) handleList(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
	var files []FileInfo
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return nil
		}
		files = append(files, FileInfo{
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return nil, registry.Errorf("internal_error", "walk resource root: %v", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	if files == nil {
		files = []FileInfo{}
	}
	return map[string][]FileInfo{"files": files}, nil
}

func (p *Provider) handleRead(ctx context.Context, conn registry.ConnInfo, params json.RawMessage) (any, error) {
	var args readArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, registry.Errorf("invalid_params", "invalid arguments: %v", err)
	}
	if args.Path == "" {
		return nil, registry.Errorf("invalid_params", "path is required")
	}

	full, err := p.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, registry.Errorf("handler_error", "no such file: %s", args.Path)
		}
		return nil, registry.Errorf("internal_error", "read file: %v", err)
	}

	result := ReadResult{Path: args.Path, Size: int64(len(data))}
	if utf8.Valid(data) {
		result.Content = string(data)
		result.Encoding = "utf-8"
	} else {
		result.Content = base64.StdEncoding.EncodeToString(data)
		result.Encoding = "base64"
	}
	return result, nil
}

// resolve maps a listed path back to an absolute one, rejecting anything that
// escapes the root.
func (p *Provider) resolve(rel string) (string, error) {
	full := filepath.Join(p.root, filepath.FromSlash(rel))
	real, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", registry.Errorf("handler_error", "no such file: %s", rel)
		}
		return "", registry.Errorf("invalid_params", "invalid path: %s", rel)
	}
	if !within(real, p.root) {
		return "", registry.Errorf("invalid_params", "path escapes resource root: %s", rel)
	}
	return real, nil
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// Watch blocks, broadcasting a resource_updated notification for every change
// under the root, until ctx is cancelled or the watcher fails. Newly created
// directories are added to the watch set as they appear.
func (p *Provider) Watch(ctx context.Context, b Broadcaster) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Close()

	addDirs := func(root string) {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if err := w.Add(path); err != nil {
				p.log.Debug("fsresources.watch.add.fail", slog.String("dir", path), slog.String("err", err.Error()))
			}
			return nil
		})
	}
	addDirs(p.root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			p.handleEvent(ctx, b, w, ev, addDirs)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.log.Warn("fsresources.watch.fail", slog.String("err", err.Error()))
		}
	}
}

func (p *Provider) handleEvent(ctx context.Context, b Broadcaster, w *fsnotify.Watcher, ev fsnotify.Event, addDirs func(string)) {
	op := eventOp(ev.Op)
	if op == "" {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			addDirs(ev.Name)
		}
	}

	rel, err := filepath.Rel(p.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	payload := map[string]string{
		"event": "resource_updated",
		"path":  filepath.ToSlash(rel),
		"op":    op,
	}
	if err := b.Broadcast(ctx, payload); err != nil {
		p.log.Warn("fsresources.broadcast.fail", slog.String("err", err.Error()))
	}
	p.log.Debug("fsresources.change", slog.String("path", payload["path"]), slog.String("op", op))
}

func eventOp(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	default:
		return ""
	}
}
