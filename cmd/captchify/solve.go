package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"captchify/internal/pow"
)

func newSolveCmd(a *app) *cobra.Command {
	var (
		prefix     string
		difficulty int
		workers    int
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Find the smallest proof-of-work nonce for a hex prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(prefix)
			if err != nil {
				return fmt.Errorf("prefix: %w", err)
			}
			if workers <= 0 {
				workers = a.cfg.Solver.Workers
			}
			if timeout <= 0 {
				timeout = a.cfg.Solver.Deadline
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			s := &pow.Solver{ChunkSize: a.cfg.Solver.ChunkSize, Workers: workers, MaxNonce: a.cfg.Solver.MaxNonce, Logger: a.logger}
			start := time.Now()
			nonce, err := s.Solve(ctx, raw, difficulty)
			if err != nil {
				return err
			}
			d := pow.Digest(raw, nonce)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%x\t%d bits\t%s\n",
				nonce, d, pow.LeadingZeroBits(d[:]), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "challenge prefix, hex encoded")
	cmd.Flags().IntVarP(&difficulty, "difficulty", "d", 18, "required leading zero bits")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "parallel workers (default solver.workers)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (default solver.deadline)")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}
