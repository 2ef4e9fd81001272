package main

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/stratum/internal/app/runner"
	"github.com/coachpo/stratum/internal/app/strategy"
	"github.com/coachpo/stratum/internal/infra/config"
	"github.com/coachpo/stratum/internal/infra/market"
	"github.com/coachpo/stratum/internal/infra/swap"
)

func TestResolveConfigPathPrecedence(t *testing.T) {
	t.Setenv(configPathEnv, "")
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))

	t.Setenv(configPathEnv, "/etc/stratum/app.yaml")
	require.Equal(t, "/etc/stratum/app.yaml", resolveConfigPath(""))
	require.Equal(t, "local.yaml", resolveConfigPath(" ./local.yaml "))
}

func TestApplyEnvironmentOverride(t *testing.T) {
	cfg := config.Default()

	t.Setenv(environmentEnv, "")
	require.NoError(t, applyEnvironmentOverride(&cfg))
	require.Equal(t, config.EnvDev, cfg.Environment)

	t.Setenv(environmentEnv, "STAGING")
	require.NoError(t, applyEnvironmentOverride(&cfg))
	require.Equal(t, config.EnvStaging, cfg.Environment)

	t.Setenv(environmentEnv, "qa")
	require.Error(t, applyEnvironmentOverride(&cfg))
}

func TestBuildFeedModes(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	cfg := config.Default()

	feed, err := buildFeed(cfg.Market, logger)
	require.NoError(t, err)
	paper, ok := feed.(*market.PaperFeed)
	require.True(t, ok)
	price, ok := paper.Price(cfg.Runner.Pair)
	require.True(t, ok)
	require.True(t, price.Equal(decimal.NewFromInt(2000)))

	stream := cfg.Market
	stream.Mode = config.MarketModeStream
	stream.StreamURL = "ws://127.0.0.1:1/prices"
	stream.Subscribe = `{"op":"subscribe"}`
	feed, err = buildFeed(stream, logger)
	require.NoError(t, err)
	_, ok = feed.(*market.StreamFeed)
	require.True(t, ok)

	stream.Subscribe = "{not json"
	_, err = buildFeed(stream, logger)
	require.Error(t, err)

	stream.Mode = "replay"
	_, err = buildFeed(stream, logger)
	require.Error(t, err)
}

func TestBuildExecutorSerializesWhenConfigured(t *testing.T) {
	cfg := config.Default()
	feed, err := buildFeed(cfg.Market, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	executor, err := buildExecutor(cfg.Swap, false, feed)
	require.NoError(t, err)
	_, ok := executor.(*swap.Paper)
	require.True(t, ok)

	executor, err = buildExecutor(cfg.Swap, true, feed)
	require.NoError(t, err)
	_, ok = executor.(*swap.Serialized)
	require.True(t, ok)

	bad := cfg.Swap
	bad.FailureRate = 2
	_, err = buildExecutor(bad, false, feed)
	require.Error(t, err)
}

func TestBuildCatalogRegistersBuiltinsAndScripts(t *testing.T) {
	dir := t.TempDir()
	module := `module.exports = {
  metadata: { name: "edge" },
  decide: function() { return null; }
};`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "edge.js"), []byte(module), 0o600))

	catalog, err := buildCatalog(context.Background(), config.StrategiesConfig{Directory: dir}, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	require.True(t, catalog.Has(strategy.NameMomentum))
	require.True(t, catalog.Has("edge"))
	require.False(t, catalog.Has("does-not-exist"))
}

func TestBuildRunnerRejectsBadThreshold(t *testing.T) {
	cfg := config.Default().Runner
	cfg.ApprovalThreshold = "many"
	_, err := buildRunner(cfg, runner.Deps{})
	require.Error(t, err)
}
