package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MultiScanner fans a file out to every engine and merges the findings.
// One engine being down is tolerated as long as another answers.
type MultiScanner struct {
	engines []Engine
}

func NewMultiScanner(engines ...Engine) *MultiScanner {
	return &MultiScanner{engines: engines}
}

func (m *MultiScanner) Engines() []string {
	names := make([]string, 0, len(m.engines))
	for _, e := range m.engines {
		names = append(names, e.Name())
	}
	return names
}

func (m *MultiScanner) Scan(ctx context.Context, path string) (Verdict, error) {
	if len(m.engines) == 0 {
		return Verdict{}, ErrUnavailable
	}

	var (
		mu      sync.Mutex
		verdict = Verdict{EngineErrors: map[string]error{}}
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, engine := range m.engines {
		engine := engine
		g.Go(func() error {
			threats, err := engine.Scan(gctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				zap.S().Named("scanner").Warnw("engine failed", "engine", engine.Name(), "error", err)
				verdict.EngineErrors[engine.Name()] = err
				return nil
			}
			verdict.EnginesUsed = append(verdict.EnginesUsed, engine.Name())
			verdict.Threats = append(verdict.Threats, threats...)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	if len(verdict.EnginesUsed) == 0 {
		errs := make([]error, 0, len(verdict.EngineErrors))
		for name, err := range verdict.EngineErrors {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return Verdict{}, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
	}
	return verdict, nil
}

// Ping succeeds when at least one engine is reachable.
func (m *MultiScanner) Ping(ctx context.Context) error {
	var errs []error
	for _, e := range m.engines {
		if err := e.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}
