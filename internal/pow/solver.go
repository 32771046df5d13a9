package pow

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"captchify/internal/logging"
)

const DefaultChunkSize = 2048

// cancelCheck is how many candidates a worker hashes between context checks.
const cancelCheck = 256

var (
	// ErrUnsolvable is returned when the search bound or deadline is reached
	// before a nonce is found.
	ErrUnsolvable        = errors.New("pow: challenge unsolvable within limits")
	ErrInvalidDifficulty = errors.New("pow: invalid difficulty")
)

// Solver searches nonces 0, 1, 2, ... in order and returns the first one that
// satisfies the difficulty. Work is done in chunks; the context is checked
// between chunks.
type Solver struct {
	// ChunkSize is the number of candidates hashed between cancellation
	// checks. Zero means DefaultChunkSize.
	ChunkSize int
	// Workers splits every round across this many goroutines. The result is
	// the same nonce a single worker would find.
	Workers int
	// MaxNonce bounds the search to nonces below it. Zero means unbounded.
	MaxNonce uint64

	Logger *zap.Logger
}

// Solve returns the smallest nonce, as a decimal string, whose digest has at
// least difficulty leading zero bits.
func (s *Solver) Solve(ctx context.Context, prefix []byte, difficulty int) (string, error) {
	if difficulty < 0 || difficulty > MaxDifficulty {
		return "", fmt.Errorf("%w: %d", ErrInvalidDifficulty, difficulty)
	}
	chunk := uint64(s.ChunkSize)
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	logger := logging.OrNop(s.Logger)

	var base uint64
	for {
		if err := ctx.Err(); err != nil {
			return "", stopped(logger, base, err)
		}
		if s.MaxNonce > 0 && base >= s.MaxNonce {
			return "", fmt.Errorf("%w: no nonce below %d", ErrUnsolvable, s.MaxNonce)
		}

		n, found, err := s.round(ctx, prefix, difficulty, base, chunk, workers)
		if err != nil {
			return "", stopped(logger, base, err)
		}
		if found {
			logger.Debug("Solve: found nonce", zap.Uint64("nonce", n), zap.Int("difficulty", difficulty))
			return strconv.FormatUint(n, 10), nil
		}
		base += chunk * uint64(workers)
	}
}

// stopped maps a context error to the error Solve returns. Hitting a
// deadline means the challenge was too hard for the time allowed.
func stopped(logger *zap.Logger, searched uint64, err error) error {
	logger.Debug("Solve: stopped", zap.Uint64("searched", searched), zap.Error(err))
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: searched %d nonces: %v", ErrUnsolvable, searched, err)
	}
	return fmt.Errorf("pow: solve: %w", err)
}

// round scans [base, base+chunk*workers). Each worker owns a contiguous
// slice, so the lowest-indexed worker with a hit holds the smallest nonce.
func (s *Solver) round(ctx context.Context, prefix []byte, difficulty int, base, chunk uint64, workers int) (uint64, bool, error) {
	if workers == 1 {
		return s.scan(ctx, prefix, difficulty, base, base+chunk)
	}

	hits := make([]uint64, workers)
	found := make([]bool, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		i := i
		start := base + uint64(i)*chunk
		g.Go(func() error {
			var err error
			hits[i], found[i], err = s.scan(gctx, prefix, difficulty, start, start+chunk)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, false, err
	}
	for i := range found {
		if found[i] {
			return hits[i], true, nil
		}
	}
	return 0, false, nil
}

// scan hashes [from, to) in order, checking ctx every cancelCheck
// candidates.
func (s *Solver) scan(ctx context.Context, prefix []byte, difficulty int, from, to uint64) (uint64, bool, error) {
	if s.MaxNonce > 0 && to > s.MaxNonce {
		to = s.MaxNonce
	}
	buf := make([]byte, len(prefix), len(prefix)+20)
	copy(buf, prefix)
	for n := from; n < to; n++ {
		if (n-from)%cancelCheck == 0 {
			if err := ctx.Err(); err != nil {
				return 0, false, err
			}
		}
		msg := strconv.AppendUint(buf[:len(prefix)], n, 10)
		digest := sha256.Sum256(msg)
		if HasLeadingZeroBits(digest[:], difficulty) {
			return n, true, nil
		}
	}
	return 0, false, nil
}
