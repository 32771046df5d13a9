package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"captchify/internal/client"
	"captchify/internal/config"
	"captchify/internal/features"
	"captchify/internal/orchestrator"
	"captchify/internal/pow"
	"captchify/internal/puzzle"
	"captchify/internal/sensor"
	"captchify/internal/session"
	"captchify/internal/store"
)

// consoleUI prints status updates as lines.
type consoleUI struct {
	out io.Writer
}

func (c consoleUI) SetEnabled(bool) {}

func (c consoleUI) Status(s orchestrator.Status) {
	mark := " "
	switch {
	case s.Good():
		mark = "+"
	case s.Bad():
		mark = "!"
	}
	fmt.Fprintf(c.out, "[%s] %s\n", mark, s)
}

func (c consoleUI) ShowPuzzle() { fmt.Fprintln(c.out, "[?] puzzle required") }
func (c consoleUI) HidePuzzle() {}

func newReplayCmd(a *app) *cobra.Command {
	var solvePuzzle bool
	cmd := &cobra.Command{
		Use:   "replay TRACE",
		Short: "Feed a recorded input trace through a verification attempt",
		Long: "replay reads input events from a JSON-lines trace, requests a challenge\n" +
			"from endpoint.base_url and submits one attempt. With --solve-puzzle the\n" +
			"step-up puzzle is completed and the attempt retried when the gate asks.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			events, err := sensor.ReadTrace(f)
			if err != nil {
				return err
			}
			return replay(cmd.Context(), a.cfg, events, solvePuzzle, cmd.OutOrStdout(), a.logger)
		},
	}
	cmd.Flags().BoolVar(&solvePuzzle, "solve-puzzle", false, "complete the puzzle and retry on step-up")
	return cmd
}

func tokenStore(cfg *config.Config) (store.Tokens, func() error) {
	if cfg.Store.Backend == "redis" {
		rdb := store.New(cfg.Store.RedisAddr)
		return store.NewRedisTokens(rdb, cfg.Store.KeyPrefix), rdb.Close
	}
	return store.NewMemoryTokens(), func() error { return nil }
}

func replay(ctx context.Context, cfg *config.Config, events []sensor.Event, solvePuzzle bool, out io.Writer, logger *zap.Logger) error {
	c, err := client.New(cfg.Endpoint, nil, logger)
	if err != nil {
		return err
	}
	tokens, closeTokens := tokenStore(cfg)
	defer closeTokens()

	surface := puzzle.Surface{Width: cfg.Puzzle.Width, Height: cfg.Puzzle.Height, PixelRatio: cfg.Puzzle.PixelRatio}
	sess := session.New(session.Options{
		Geometry: puzzle.FromConfig(cfg.Puzzle),
		Renderer: puzzle.ScaledRenderer{Surface: surface, Next: puzzle.NewRasterRenderer(surface)},
		Tokens:   tokens,
		TokenTTL: cfg.Store.TokenTTL,
		Logger:   logger,
	})
	solver := &pow.Solver{
		ChunkSize: cfg.Solver.ChunkSize,
		Workers:   cfg.Solver.Workers,
		MaxNonce:  cfg.Solver.MaxNonce,
		Logger:    logger,
	}
	ui := consoleUI{out: out}
	o := orchestrator.New(sess, c, solver, orchestrator.Options{
		Control:  ui,
		Display:  ui,
		Policy:   cfg.Policy,
		Deadline: cfg.Solver.Deadline,
		Logger:   logger,
	})

	if err := sess.Aggregator.Run(ctx, sensor.NewReplay(events)); err != nil {
		return err
	}
	ch, err := o.Init(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s challenge %s difficulty %d\n", sess.ID, shortID(ch.ID), ch.Difficulty)

	start := time.Now()
	res, err := o.Submit(ctx)
	if err != nil {
		return err
	}
	if !res.OK && solvePuzzle {
		geo := puzzle.FromConfig(cfg.Puzzle)
		sess.Puzzle.PointerDown(geo.Marker.Center)
		sess.Puzzle.PointerMove(geo.Target.Center)
		sess.Puzzle.PointerUp(geo.Target.Center)
		if res, err = o.Submit(ctx); err != nil {
			return err
		}
	}

	printSummary(out, res, time.Since(start))
	if !res.OK {
		return fmt.Errorf("not verified (risk %.2f)", res.Risk)
	}
	return nil
}

func printSummary(out io.Writer, res *orchestrator.Result, took time.Duration) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "nonce\t%s\n", res.Nonce)
	fmt.Fprintf(tw, "puzzle_ok\t%t\n", res.PuzzleOK)
	for _, l := range features.Summary(res.Features) {
		fmt.Fprintf(tw, "%s\t%s\n", l.Name, l.Value)
	}
	fmt.Fprintf(tw, "took\t%s\n", took.Round(time.Millisecond))
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
