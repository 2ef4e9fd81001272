// Package ledger persists per-wallet trade history as append-only JSON lines files.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/stratum/internal/domain/schema"
)

const (
	filePrefix    = "trades_"
	fileExtension = ".jsonl"
	maxLineBytes  = 1 << 20
)

// ErrClosed reports use of a closed ledger.
var ErrClosed = errors.New("ledger closed")

// Options tunes FileLedger behaviour.
type Options struct {
	// SyncWrites fsyncs after every append.
	SyncWrites bool
	// MaxReadLimit caps the number of records returned by Read; zero means unlimited.
	MaxReadLimit int
}

// FileLedger writes one file per wallet under a directory.
type FileLedger struct {
	dir    string
	opts   Options
	logger *log.Logger

	mu     sync.Mutex
	files  map[string]*walletFile
	closed bool
}

type walletFile struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open prepares a FileLedger rooted at dir, creating it when missing.
func Open(dir string, opts Options, logger *log.Logger) (*FileLedger, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: directory required")
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, fmt.Errorf("ledger: ensure directory %q: %w", clean, err)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "ledger ", log.LstdFlags|log.Lmicroseconds)
	}
	return &FileLedger{
		dir:    clean,
		opts:   opts,
		logger: logger,
		files:  make(map[string]*walletFile),
	}, nil
}

// Dir returns the directory holding the ledger files.
func (l *FileLedger) Dir() string {
	return l.dir
}

// FileName maps a wallet address onto its ledger file name.
// Characters outside [A-Za-z0-9_-] become '_' and a hash suffix keeps distinct wallets apart.
func FileName(wallet string) string {
	var b strings.Builder
	for _, r := range wallet {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) > 64 {
		name = name[:64]
	}
	sum := sha256.Sum256([]byte(wallet))
	return filePrefix + name + "_" + hex.EncodeToString(sum[:4]) + fileExtension
}

func (l *FileLedger) handle(wallet string) (*walletFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	wf, ok := l.files[wallet]
	if !ok {
		wf = &walletFile{path: filepath.Join(l.dir, FileName(wallet))}
		l.files[wallet] = wf
	}
	return wf, nil
}

// Append writes rec as one line to the wallet's file. Appends for one wallet are serialised,
// so file order equals the order in which appends complete.
func (l *FileLedger) Append(ctx context.Context, rec schema.TradeRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ledger: append canceled: %w", err)
	}
	wallet := strings.TrimSpace(rec.WalletAddress)
	if wallet == "" {
		return fmt.Errorf("ledger: wallet address required")
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: encode trade %s: %w", rec.ID, err)
	}
	line = append(line, '\n')

	wf, err := l.handle(wallet)
	if err != nil {
		return err
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if l.isClosed() {
		return ErrClosed
	}
	if wf.file == nil {
		// #nosec G304 -- path is derived from FileName within the ledger directory.
		f, err := os.OpenFile(wf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fmt.Errorf("ledger: open %q: %w", wf.path, err)
		}
		wf.file = f
	}
	if _, err := wf.file.Write(line); err != nil {
		return fmt.Errorf("ledger: write %q: %w", wf.path, err)
	}
	if l.opts.SyncWrites {
		if err := wf.file.Sync(); err != nil {
			return fmt.Errorf("ledger: sync %q: %w", wf.path, err)
		}
	}
	return nil
}

func (l *FileLedger) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Read returns the wallet's most recent records in ledger order. limit <= 0 returns everything
// up to MaxReadLimit. A wallet without a file yields an empty slice.
func (l *FileLedger) Read(wallet string, limit int) ([]schema.TradeRecord, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("ledger: wallet address required")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	wf, ok := l.files[wallet]
	l.mu.Unlock()
	if !ok {
		// Only Append registers handles, so reads of unknown wallets leave no state behind.
		return l.readPath(filepath.Join(l.dir, FileName(wallet)), l.effectiveLimit(limit))
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return l.readPath(wf.path, l.effectiveLimit(limit))
}

// ReadFile decodes every record of a ledger file by path.
func (l *FileLedger) ReadFile(path string) ([]schema.TradeRecord, error) {
	return l.readPath(path, 0)
}

func (l *FileLedger) effectiveLimit(limit int) int {
	if l.opts.MaxReadLimit > 0 && (limit <= 0 || limit > l.opts.MaxReadLimit) {
		return l.opts.MaxReadLimit
	}
	return limit
}

func (l *FileLedger) readPath(path string, limit int) ([]schema.TradeRecord, error) {
	// #nosec G304 -- callers pass paths inside the ledger directory.
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []schema.TradeRecord{}, nil
		}
		return nil, fmt.Errorf("ledger: open %q: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	records := make([]schema.TradeRecord, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec schema.TradeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			l.logger.Printf("skip malformed line %d in %s: %v", lineNo, filepath.Base(path), err)
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) > limit {
			records = records[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan %q: %w", path, err)
	}
	return records, nil
}

// Files lists ledger files in the directory, sorted by name.
func (l *FileLedger) Files() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("ledger: read directory %q: %w", l.dir, err)
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExtension) {
			continue
		}
		paths = append(paths, filepath.Join(l.dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// Close releases every open file handle. Further appends fail with ErrClosed.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	files := l.files
	l.files = nil
	l.mu.Unlock()

	var errList []error
	for _, wf := range files {
		wf.mu.Lock()
		if wf.file != nil {
			if err := wf.file.Close(); err != nil {
				errList = append(errList, err)
			}
			wf.file = nil
		}
		wf.mu.Unlock()
	}
	return errors.Join(errList...)
}
