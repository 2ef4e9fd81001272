// Package js loads strategy engines written in JavaScript and runs them on goja.
package js

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/coachpo/stratum/internal/app/strategy"
)

// SourceJavaScript tags catalog entries created from script modules.
const SourceJavaScript = "javascript"

// ErrModuleNotFound reports missing strategy modules.
var ErrModuleNotFound = errors.New("strategy module not found")

// ErrFunctionMissing is returned when a module lacks the decide export.
var ErrFunctionMissing = errors.New("strategy function missing")

// Loader compiles JavaScript strategy modules from a directory.
type Loader struct {
	mu     sync.RWMutex
	root   string
	byName map[string]*Module
}

// Module is a compiled script plus the metadata it exports.
type Module struct {
	Name     string
	Filename string
	Path     string
	Hash     string
	Metadata strategy.Metadata
	Program  *goja.Program
	Size     int64
}

// NewLoader constructs a Loader rooted at the provided directory.
func NewLoader(root string) (*Loader, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("strategy loader: root directory required")
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, fmt.Errorf("strategy loader: ensure directory %q: %w", clean, err)
	}
	return &Loader{
		root:   clean,
		byName: make(map[string]*Module),
	}, nil
}

// Root returns the filesystem root used by the loader.
func (l *Loader) Root() string {
	if l == nil {
		return ""
	}
	return l.root
}

// Refresh recompiles every script in the root directory.
func (l *Loader) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("strategy loader: refresh canceled: %w", err)
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return fmt.Errorf("strategy loader: read directory %q: %w", l.root, err)
	}

	next := make(map[string]*Module)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("strategy loader: refresh canceled: %w", err)
		}
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(l.root, entry.Name())
		module, err := compileModule(fullPath, entry)
		if err != nil {
			return fmt.Errorf("strategy loader: compile module %q: %w", fullPath, err)
		}
		if _, exists := next[module.Name]; exists {
			return fmt.Errorf("strategy loader: duplicate strategy name %q", module.Name)
		}
		next[module.Name] = module
	}

	l.mu.Lock()
	l.byName = next
	l.mu.Unlock()
	return nil
}

// Get returns the compiled module for the named strategy.
func (l *Loader) Get(name string) (*Module, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.byName[strategy.NormalizeName(name)]
	if !ok {
		return nil, ErrModuleNotFound
	}
	return module, nil
}

// Modules returns loaded modules sorted by name.
func (l *Loader) Modules() []*Module {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Module, 0, len(l.byName))
	for _, module := range l.byName {
		out = append(out, module)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register publishes every loaded module into the catalog. Each session gets its own runtime.
func (l *Loader) Register(catalog *strategy.Catalog) error {
	for _, module := range l.Modules() {
		mod := module
		def := strategy.Definition{
			Meta: mod.Metadata,
			Factory: func() (strategy.Engine, error) {
				return NewEngine(mod)
			},
		}
		if err := catalog.Register(def); err != nil {
			return fmt.Errorf("strategy loader: register %s: %w", mod.Filename, err)
		}
	}
	return nil
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

func compileModule(fullPath string, entry fs.DirEntry) (*Module, error) {
	// #nosec G304 -- fullPath originates from os.ReadDir and filepath.Join within loader root.
	source, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", fullPath, err)
	}
	prog, err := goja.Compile(fullPath, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", fullPath, err)
	}
	meta, err := extractMetadata(prog)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(source)
	return &Module{
		Name:     meta.Name,
		Filename: entry.Name(),
		Path:     fullPath,
		Hash:     hex.EncodeToString(sum[:]),
		Metadata: meta,
		Program:  prog,
		Size:     fileSize(entry),
	}, nil
}

func extractMetadata(program *goja.Program) (strategy.Metadata, error) {
	rt := goja.New()
	exports, err := runModule(rt, program)
	if err != nil {
		return strategy.Metadata{}, err
	}
	raw := exports.Get("metadata")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return strategy.Metadata{}, fmt.Errorf("metadata export missing")
	}
	var meta strategy.Metadata
	if err := rt.ExportTo(raw, &meta); err != nil {
		return strategy.Metadata{}, fmt.Errorf("metadata export invalid: %w", err)
	}
	meta.Name = strategy.NormalizeName(meta.Name)
	if meta.Name == "" {
		return strategy.Metadata{}, fmt.Errorf("metadata name required")
	}
	if _, ok := goja.AssertFunction(exports.Get("decide")); !ok {
		return strategy.Metadata{}, fmt.Errorf("%s: %w", meta.Name, ErrFunctionMissing)
	}
	meta.Source = SourceJavaScript
	return meta, nil
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}

func fileSize(entry fs.DirEntry) int64 {
	info, err := entry.Info()
	if err != nil {
		return 0
	}
	return info.Size()
}
