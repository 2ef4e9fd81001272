package ledger

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/stratum/internal/domain/schema"
)

func newTestLedger(t *testing.T, opts Options) *FileLedger {
	t.Helper()
	l, err := Open(t.TempDir(), opts, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func record(wallet, id string) schema.TradeRecord {
	now := time.Now().UTC()
	return schema.TradeRecord{
		ID:            id,
		WalletAddress: wallet,
		Beneficiary:   wallet,
		Strategy:      "test-strategy",
		Direction:     schema.DirectionBuy,
		AmountIn:      decimal.NewFromInt(1),
		Profit:        decimal.RequireFromString("0.1"),
		Success:       true,
		CompletedAt:   now,
		Timestamp:     now,
	}
}

func TestAppendAndReadPreservesOrder(t *testing.T) {
	l := newTestLedger(t, Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, record("eth|abc", fmt.Sprintf("t-%d", i))))
	}

	all, err := l.Read("eth|abc", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, rec := range all {
		require.Equal(t, fmt.Sprintf("t-%d", i), rec.ID)
		require.Equal(t, "eth|abc", rec.Beneficiary)
	}

	last, err := l.Read("eth|abc", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	require.Equal(t, "t-3", last[0].ID)
	require.Equal(t, "t-4", last[1].ID)
}

func TestReadUnknownWalletIsEmpty(t *testing.T) {
	l := newTestLedger(t, Options{})
	records, err := l.Read("eth|unknown", 10)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestReadsDoNotRetainHandles(t *testing.T) {
	l := newTestLedger(t, Options{})
	for i := 0; i < 500; i++ {
		_, err := l.Read(fmt.Sprintf("eth|ghost%d", i), 10)
		require.NoError(t, err)
	}
	l.mu.Lock()
	retained := len(l.files)
	l.mu.Unlock()
	require.Zero(t, retained)

	require.NoError(t, l.Append(context.Background(), record("eth|abc", "t-0")))
	_, err := l.Read("eth|abc", 10)
	require.NoError(t, err)
	l.mu.Lock()
	retained = len(l.files)
	l.mu.Unlock()
	require.Equal(t, 1, retained)
}

func TestReadFindsFilesWrittenBeforeReopen(t *testing.T) {
	dir := t.TempDir()
	discard := log.New(io.Discard, "", 0)
	first, err := Open(dir, Options{}, discard)
	require.NoError(t, err)
	require.NoError(t, first.Append(context.Background(), record("eth|abc", "t-0")))
	require.NoError(t, first.Close())

	second, err := Open(dir, Options{}, discard)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()
	records, err := second.Read("eth|abc", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "t-0", records[0].ID)
}

func TestReadRespectsMaxLimit(t *testing.T) {
	l := newTestLedger(t, Options{MaxReadLimit: 3})
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Append(context.Background(), record("eth|abc", fmt.Sprintf("t-%d", i))))
	}
	records, err := l.Read("eth|abc", 100)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "t-5", records[2].ID)
}

func TestFileNameKeepsWalletsDistinct(t *testing.T) {
	a := FileName("eth|abc")
	b := FileName("eth_abc")
	require.NotEqual(t, a, b)
	require.Regexp(t, `^trades_eth_abc_[0-9a-f]{8}\.jsonl$`, a)
	require.NotContains(t, FileName("../../etc/passwd"), "/")
}

func TestConcurrentWalletsStayAttributed(t *testing.T) {
	l := newTestLedger(t, Options{})
	ctx := context.Background()
	wallets := []string{"eth|a", "eth|b", "sol|c"}

	var wg sync.WaitGroup
	for _, wallet := range wallets {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := l.Append(ctx, record(w, fmt.Sprintf("%s-%d", w, i))); err != nil {
					t.Error(err)
					return
				}
			}
		}(wallet)
	}
	wg.Wait()

	for _, wallet := range wallets {
		records, err := l.Read(wallet, 0)
		require.NoError(t, err)
		require.Len(t, records, 50)
		for i, rec := range records {
			require.Equal(t, wallet, rec.WalletAddress)
			require.Equal(t, wallet, rec.Beneficiary)
			require.Equal(t, fmt.Sprintf("%s-%d", wallet, i), rec.ID)
		}
	}
	files, err := l.Files()
	require.NoError(t, err)
	require.Len(t, files, 3)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	l := newTestLedger(t, Options{})
	require.NoError(t, l.Append(context.Background(), record("eth|abc", "good-1")))

	path := filepath.Join(l.Dir(), FileName("eth|abc"))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Append(context.Background(), record("eth|abc", "good-2")))
	records, err := l.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "good-2", records[1].ID)
}

func TestAppendValidatesAndRespectsClose(t *testing.T) {
	l := newTestLedger(t, Options{SyncWrites: true})
	require.Error(t, l.Append(context.Background(), schema.TradeRecord{ID: "x"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Append(ctx, record("eth|abc", "x")))

	require.NoError(t, l.Close())
	require.ErrorIs(t, l.Append(context.Background(), record("eth|abc", "y")), ErrClosed)
	require.NoError(t, l.Close())
}

func TestOpenRequiresDirectory(t *testing.T) {
	if _, err := Open("  ", Options{}, nil); err == nil {
		t.Fatal("expected error for empty directory")
	}
}
