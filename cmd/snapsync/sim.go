package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/event"
	"github.com/urfave/cli/v2"

	"github.com/eth2030/snapsync/core/rawdb"
	"github.com/eth2030/snapsync/eth/snap"
	"github.com/eth2030/snapsync/log"
	"github.com/eth2030/snapsync/sync"
)

var (
	accountsFlag = &cli.IntFlag{
		Name:  "accounts",
		Usage: "Number of accounts in the generated state",
	}
	peersFlag = &cli.IntFlag{
		Name:  "peers",
		Usage: "Number of simulated peers",
	}
	seedFlag = &cli.Uint64Flag{
		Name:  "seed",
		Usage: "Seed of the generated state and the peer faults",
	}
	latencyFlag = &cli.DurationFlag{
		Name:  "latency",
		Usage: "Latency added to every answer",
	}
	failRateFlag = &cli.Float64Flag{
		Name:  "fail-rate",
		Usage: "Share of requests failed by faulty peers",
	}
	dropRateFlag = &cli.Float64Flag{
		Name:  "drop-rate",
		Usage: "Share of requests never answered by faulty peers",
	}
	corruptRateFlag = &cli.Float64Flag{
		Name:  "corrupt-rate",
		Usage: "Share of answers corrupted by faulty peers",
	}
	retargetFlag = &cli.DurationFlag{
		Name:  "retarget-after",
		Usage: "Announce a new head with a different state root after this long (0 disables)",
	}
	throttleRateFlag = &cli.Float64Flag{
		Name:  "throttle-rate",
		Usage: "Requests per second each peer serves (0 disables throttling)",
	}
	throttleBurstFlag = &cli.IntFlag{
		Name:  "throttle-burst",
		Usage: "Requests a peer serves back to back before throttling",
	}
)

var simCommand = &cli.Command{
	Name:  "sim",
	Usage: "Sync a generated state from simulated peers",
	Flags: []cli.Flag{
		accountsFlag, peersFlag, seedFlag, latencyFlag,
		failRateFlag, dropRateFlag, corruptRateFlag, retargetFlag,
		throttleRateFlag, throttleBurstFlag,
	},
	Action: runSim,
}

// applySimFlags overrides the sim section with explicitly set flags.
func applySimFlags(c *cli.Context, cfg *simConfig) {
	if c.IsSet(accountsFlag.Name) {
		cfg.Accounts = c.Int(accountsFlag.Name)
	}
	if c.IsSet(peersFlag.Name) {
		cfg.Peers = c.Int(peersFlag.Name)
	}
	if c.IsSet(seedFlag.Name) {
		cfg.Seed = c.Uint64(seedFlag.Name)
	}
	if c.IsSet(latencyFlag.Name) {
		cfg.Latency = c.Duration(latencyFlag.Name).String()
	}
	if c.IsSet(failRateFlag.Name) {
		cfg.FailRate = c.Float64(failRateFlag.Name)
	}
	if c.IsSet(dropRateFlag.Name) {
		cfg.DropRate = c.Float64(dropRateFlag.Name)
	}
	if c.IsSet(corruptRateFlag.Name) {
		cfg.CorruptRate = c.Float64(corruptRateFlag.Name)
	}
	if c.IsSet(retargetFlag.Name) {
		cfg.RetargetAfter = c.Duration(retargetFlag.Name).String()
	}
	if c.IsSet(throttleRateFlag.Name) {
		cfg.ThrottleRate = c.Float64(throttleRateFlag.Name)
	}
	if c.IsSet(throttleBurstFlag.Name) {
		cfg.ThrottleBurst = c.Int(throttleBurstFlag.Name)
	}
}

// openDatabase opens the account database under datadir, or an in-memory
// one when datadir is empty.
func openDatabase(datadir string) (ethdb.KeyValueStore, error) {
	if datadir == "" {
		return rawdb.NewMemoryDatabase(), nil
	}
	return rawdb.NewLevelDBDatabase(filepath.Join(datadir, "accounts"), 64, 64, "snapsync/db/", false)
}

// headFeed announces simulated chain heads to the root tracker.
type headFeed struct {
	feed event.Feed
}

func (f *headFeed) SubscribeNewHead(ch chan<- *types.Header) event.Subscription {
	return f.feed.Subscribe(ch)
}

// announce sends header once a subscriber listens or ctx is done.
func (f *headFeed) announce(ctx context.Context, header *types.Header) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for f.feed.Send(header) == 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reportingStage logs engine progress at a fixed interval.
type reportingStage struct {
	*sync.Engine
	log   *log.Logger
	every time.Duration
	last  time.Time
}

func (s *reportingStage) RunBatch(ctx context.Context) (sync.BatchResult, error) {
	res, err := s.Engine.RunBatch(ctx)
	if now := time.Now(); now.Sub(s.last) >= s.every {
		s.last = now
		p := s.Engine.Progress()
		s.log.Info("Sync progress", "state", p.State, "percent", fmt.Sprintf("%.2f", p.PercentComplete),
			"accounts", p.Checkpoint.AccountsWritten, "inflight", p.InFlight, "pending", p.Pending,
			"retrying", p.Retrying, "peers", p.Peers, "sizebits", p.SizeBits,
			"rate", fmt.Sprintf("%.0f/s", p.AccountsPerSecond(now)), "eta", common.PrettyDuration(p.ETA(now)))
	}
	return res, err
}

func runSim(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}
	applySimFlags(c, &cfg.Sim)
	logger, err := setupLogging(c, cfg.Log)
	if err != nil {
		return err
	}
	engineCfg, err := cfg.Sync.engineConfig()
	if err != nil {
		return err
	}
	sim := cfg.Sim
	if sim.Peers <= 0 {
		return fmt.Errorf("%w: sim.peers must be positive", ErrInvalidValue)
	}
	if sim.ThrottleRate < 0 || (sim.ThrottleRate > 0 && sim.ThrottleBurst <= 0) {
		return fmt.Errorf("%w: sim.throttle_rate must not be negative and needs a positive sim.throttle_burst", ErrInvalidValue)
	}
	latency, err := parseDuration("sim.latency", sim.Latency)
	if err != nil {
		return err
	}
	retarget, err := parseDuration("sim.retarget_after", sim.RetargetAfter)
	if err != nil {
		return err
	}
	reportEvery, err := parseDuration("sim.report_every", sim.ReportEvery)
	if err != nil {
		return err
	}

	db, err := openDatabase(c.String(dataDirFlag.Name))
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := sync.NewDBStore(db, 4096)
	if err != nil {
		return err
	}

	// Serve the generated state from every peer. The first peer is always
	// honest so the sync can complete.
	var throttler *snap.RequestThrottler
	if sim.ThrottleRate > 0 {
		throttler = snap.NewRequestThrottler(sim.ThrottleRate, sim.ThrottleBurst)
	}
	handler := snap.NewHandler(throttler, logger)
	tr, err := snap.GenerateState(sim.Accounts, sim.Seed)
	if err != nil {
		return err
	}
	root := handler.AddState(tr)

	network := snap.NewNetwork()
	for i := 0; i < sim.Peers; i++ {
		faults := snap.Faults{Latency: latency}
		if i > 0 {
			faults.FailRate, faults.DropRate, faults.CorruptRate = sim.FailRate, sim.DropRate, sim.CorruptRate
		}
		network.Connect(snap.NewLocalPeer(fmt.Sprintf("peer-%02d", i), handler, faults, sim.Seed+uint64(i)))
	}

	tracker := sync.NewRootTracker()
	defer tracker.Stop()
	var feed headFeed
	tracker.SubscribeHeaders(&feed)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	feed.announce(ctx, &types.Header{Number: big.NewInt(1), Root: root})

	if retarget > 0 {
		next, err := snap.GenerateState(sim.Accounts+sim.Accounts/10, sim.Seed+1)
		if err != nil {
			return err
		}
		nextRoot := handler.AddState(next)
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retarget):
			}
			logger.Info("Announcing new head", "number", 2, "root", nextRoot)
			feed.announce(ctx, &types.Header{Number: big.NewInt(2), Root: nextRoot})
		}()
	}

	engine, err := sync.New(engineCfg, store, network, tracker, logger)
	if err != nil {
		return err
	}
	defer engine.Close()
	for _, id := range network.Peers() {
		engine.AddPeer(id)
	}

	pipeline := sync.NewPipeline(sync.PipelineConfig{RetryLimit: cfg.Pipeline.RetryLimit}, logger)
	if err := pipeline.AddStage(&reportingStage{Engine: engine, log: logger.Module("sim"), every: reportEvery}); err != nil {
		return err
	}
	logger.Info("Starting account sync", "accounts", sim.Accounts, "peers", sim.Peers, "root", root)
	start := time.Now()
	if err := pipeline.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Sync interrupted", "checkpoint", engine.Checkpoint().LastCoveredKey)
			return nil
		}
		return err
	}

	cp := engine.Checkpoint()
	// A retarget may land before or after completion, so only a fixed
	// target has a known account count.
	if retarget <= 0 && cp.AccountsWritten != uint64(sim.Accounts) {
		return fmt.Errorf("synced %d accounts, state has %d", cp.AccountsWritten, sim.Accounts)
	}
	logger.Info("Account sync finished", "accounts", cp.AccountsWritten,
		"elapsed", common.PrettyDuration(time.Since(start)))
	fmt.Fprintf(c.App.Writer, "synced %d accounts\n", cp.AccountsWritten)
	return nil
}
