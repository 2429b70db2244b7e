// Command arena plays one battle between two JavaScript strain files and
// prints the result. With -load it verifies and prints an archived battle
// instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xypine/codestrain/internal/battle"
	"github.com/xypine/codestrain/internal/config"
	"github.com/xypine/codestrain/internal/logging"
	"github.com/xypine/codestrain/internal/repository"
	"github.com/xypine/codestrain/internal/sandbox"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	size       = flag.Int("size", 0, "arena size (overrides config)")
	moves      = flag.Int("moves", 0, "moves per round (overrides config)")
	policy     = flag.String("policy", "", "illegal move policy: skip or forfeit (overrides config)")
	archiveDir = flag.String("archive", "", "directory to write or read replay archives")
	load       = flag.String("load", "", "battle id to load from -archive instead of playing")
	watch      = flag.Bool("watch", false, "print every turn as it is played")
	logLevel   = flag.String("log-level", "warn", "log level")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] strain_a.js strain_b.js\n       %s -archive dir -load id\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, err := logging.New(config.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *load != "" {
		if err := replay(*archiveDir, *load); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	rules, err := overrideRules(cfg.Battle)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid rules: %v\n", err)
		os.Exit(2)
	}

	a, err := readPayload(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	b, err := readPayload(flag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := []battle.RunnerOption{}
	if *watch {
		opts = append(opts, battle.WithObserver(printTurn))
	}
	adapter := sandbox.NewAdapter(sandbox.NewJSCapability(logger), cfg.Sandbox.Options(), logger)
	runner, err := battle.NewRunner(rules, nil, nil, adapter, logger, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	result, err := runner.Play(ctx, a, b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Battle failed: %v\n", err)
		os.Exit(1)
	}
	if err := printResult(result); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if *archiveDir != "" {
		archiver := battle.NewArchiver(logger, *archiveDir)
		if err := archiver.Save(result); err != nil {
			logger.Error("failed to archive battle", zap.Error(err))
			os.Exit(1)
		}
		fmt.Printf("Replay: %s (id %s)\n", filepath.Join(*archiveDir, result.ID+".replay"), result.ID)
	}
}

func overrideRules(b config.BattleConfig) (battle.Config, error) {
	if *size > 0 {
		b.ArenaSize = *size
	}
	if *moves > 0 {
		b.MovesPerRound = *moves
	}
	if *policy != "" {
		b.IllegalMovePolicy = *policy
	}
	return b.Rules()
}

func readPayload(path string) (battle.StrainPayload, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return battle.StrainPayload{}, fmt.Errorf("failed to read strain: %w", err)
	}
	return battle.StrainPayload{
		Ref:  filepath.Base(path),
		Code: code,
		Hash: repository.ContentHash(code),
	}, nil
}

func printTurn(e battle.TurnEvent) {
	move := "-"
	if e.Entry.Move != nil {
		move = e.Entry.Move.String()
	}
	line := fmt.Sprintf("%4d %s %-8s %-7s A=%d B=%d", e.Entry.Turn, e.Entry.Player, e.Entry.Outcome, move, e.ScoreA, e.ScoreB)
	if e.Entry.Error != "" {
		line += "  " + e.Entry.Error
	}
	fmt.Println(line)
}

func printResult(r *battle.Result) error {
	board, err := battle.Replay(r.ArenaSize, r.Log)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Print(board.String())
	fmt.Println()
	fmt.Printf("A %-24s %d\n", r.StrainA, r.ScoreA)
	fmt.Printf("B %-24s %d\n", r.StrainB, r.ScoreB)

	winner := "draw"
	if r.Winner != nil {
		winner = *r.Winner
	}
	fmt.Printf("Winner: %s (%s after %d turns)\n", winner, r.Reason, len(r.Log))
	if r.InternalError {
		fmt.Println("Warning: the battle ended on an internal error")
	}
	fmt.Printf("Checksum: %s\n", r.Checksum)
	return nil
}

func replay(dir, id string) error {
	if dir == "" {
		return fmt.Errorf("-load requires -archive")
	}
	r, err := battle.LoadArchive(dir, id)
	if err != nil {
		return err
	}
	if err := battle.Verify(r); err != nil {
		return fmt.Errorf("archived battle does not verify: %w", err)
	}
	return printResult(r)
}
