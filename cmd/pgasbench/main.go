// Command pgasbench runs the Poisson-access stream benchmark: every rank
// streams through its shard of a distributed array, and a sparse minority of
// indices, with gaps drawn from a Poisson distribution, misses to a remote
// rank's shard through the scatter-gather engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/pgas-rdma-engine/internal/config"
	"github.com/yuuki/pgas-rdma-engine/internal/engine"
	"github.com/yuuki/pgas-rdma-engine/internal/pgas"
	"github.com/yuuki/pgas-rdma-engine/internal/rendezvous"
	"github.com/yuuki/pgas-rdma-engine/internal/server"
	"github.com/yuuki/pgas-rdma-engine/internal/transport"
)

const version = "0.1.0"

// Remote indices pack as peer*indexMask + offset; the low 28 bits address
// the element within the peer's shard.
const indexMask = 2 << 27

// missIndex marks entries of the index list that resolve to a remote rank.
const missIndex = math.MaxUint64

const rngSeed = 5374857

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "pgasbench: %v\n", err)
		os.Exit(1)
	}
	if cfg.ShowVersion {
		fmt.Printf("pgasbench %s\n", version)
		os.Exit(0)
	}

	logger := newLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("benchmark failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func run(cfg config.Config, logger *slog.Logger) error {
	coll, err := rendezvous.FromEnv(logger)
	if err != nil {
		return err
	}
	defer coll.Close()

	rank, nproc := coll.Rank(), coll.Size()
	logger.Info("starting pgasbench",
		"rank", rank,
		"nproc", nproc,
		"nx", cfg.Nx,
		"lambda", cfg.Lambda,
		"team_size", cfg.TeamSize,
		"league_size", cfg.LeagueSize,
		"repeat", cfg.Repeats,
		"fraction", cfg.Fraction,
		"transport", cfg.Transport,
	)

	factory, err := transportFactory(cfg, coll, logger)
	if err != nil {
		return err
	}
	state, err := pgas.Init(coll, factory, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := state.Finalize(); err != nil {
			logger.Error("finalize failed", "err", err)
		}
	}()

	var metricsSrv *server.Server
	if cfg.ListenAddress != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
			engine.NewCollector(state, logger),
		)
		metricsSrv = server.New(server.Options{
			ListenAddress: cfg.ListenAddress,
			MetricsPath:   cfg.MetricsPath,
			HealthPath:    cfg.HealthPath,
			ScrapeTimeout: cfg.ScrapeTimeout,
		}, registry, logger)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil {
				logger.Error("metrics server exited", "err", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(ctx)
		}()
	}

	return benchmark(cfg, state, logger)
}

func transportFactory(cfg config.Config, coll rendezvous.Collective, logger *slog.Logger) (pgas.TransportFactory, error) {
	switch cfg.Transport {
	case "loopback":
		if coll.Size() != 1 {
			return nil, fmt.Errorf("loopback transport supports a single rank, got %d", coll.Size())
		}
		return func() (transport.Transport, error) {
			return transport.NewFabric(1).Endpoint(0), nil
		}, nil
	case "tcp":
		return func() (transport.Transport, error) {
			return transport.NewTCP(coll, transport.TCPOptions{
				Logger:       logger,
				FabricDevice: cfg.FabricDevice,
			})
		}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func benchmark(cfg config.Config, state *pgas.State, logger *slog.Logger) error {
	rank, nproc := state.Rank(), state.Size()
	viewSize := int(cfg.ViewSize())

	alloc, err := state.AllocateSymmetric("MyView", viewSize, 8, engine.Options{
		Logger: logger,
		Cached: true,
	})
	if err != nil {
		return err
	}
	remote, err := pgas.NewView[float64](alloc, viewSize)
	if err != nil {
		return err
	}

	initStart := time.Now()

	// Draw the gap between consecutive misses for every index. Small
	// lambda samples the distribution directly; large lambda uses the
	// normal approximation.
	gen := rand.New(rand.NewSource(rngSeed))
	sqrtLambda := math.Sqrt(cfg.Lambda)
	gaps := make([]int, viewSize)
	for i := range gaps {
		k := 0
		if cfg.Lambda < 30 {
			l := math.Exp(-cfg.Lambda)
			p := 1.0
			for p > l {
				k++
				p *= gen.Float64()
			}
		} else {
			k = int(gen.NormFloat64()*sqrtLambda + cfg.Lambda)
			if k <= 0 {
				k = 1
			}
		}
		gaps[i] = k
	}

	// Prefix-scan the gaps into miss positions, then mark those entries
	// of the index list.
	indices := make([]uint64, viewSize)
	sum := uint64(0)
	for _, gap := range gaps {
		sum += uint64(gap)
		if sum < uint64(viewSize) {
			indices[sum] = missIndex
		}
	}

	// Fill the index list: a stream fill, except that marked entries in
	// remote teams point at another rank's shard.
	for team := 0; team < cfg.LeagueSize; team++ {
		offset := team * cfg.TeamSize
		warpRemainder := team % cfg.Fraction
		for t := 0; t < cfg.TeamSize; t++ {
			localIdx := uint64(offset + t)
			if warpRemainder == 0 && indices[localIdx] == missIndex {
				rankStride := int(localIdx) / nproc
				if rankStride == 0 {
					rankStride = 1
				}
				dst := (rank + rankStride) % nproc
				indices[localIdx] = uint64(dst)*indexMask + localIdx%uint64(viewSize)
			} else {
				indices[localIdx] = uint64(rank)*indexMask + localIdx
			}
		}
	}

	// Identity-fill the local shard.
	for i := 0; i < viewSize; i++ {
		if err := remote.Put(rank, float64(i), i); err != nil {
			return err
		}
	}
	if err := state.Fence(); err != nil {
		return err
	}
	logger.Info("initialized", "rank", rank, "init_seconds", time.Since(initStart).Seconds())

	target := make([]float64, viewSize)
	workStart := time.Now()
	for r := 0; r < cfg.Repeats; r++ {
		iterStart := time.Now()

		// Stream through the array, copying it over; the marked subset
		// of accesses misses to a remote shard.
		var teams errgroup.Group
		teams.SetLimit(runtime.GOMAXPROCS(0))
		for team := 0; team < cfg.LeagueSize; team++ {
			offset := team * cfg.TeamSize
			teams.Go(func() error {
				for t := 0; t < cfg.TeamSize; t++ {
					globalIdx := indices[offset+t]
					peer := int(globalIdx / indexMask)
					off := int(globalIdx % indexMask)
					target[offset+t] = 2.0 * remote.Get(peer, off)
				}
				return nil
			})
		}
		if err := teams.Wait(); err != nil {
			return err
		}
		if err := state.Fence(); err != nil {
			return err
		}

		if rank == 0 {
			fmt.Printf("Iteration %d: %12.8fs\n", r, time.Since(iterStart).Seconds())
		}
	}
	workTime := time.Since(workStart).Seconds()

	// Each op reads/writes two doubles and one 64-bit index.
	gb := float64(cfg.Repeats) * float64(viewSize) * float64(2*8+8) / 1e9
	if rank == 0 {
		fmt.Printf("Observed BW: %18.8f GB/s\n", gb/workTime)
	}

	return remote.Release()
}
