package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/chunkflow/internal/chunkstate"
	"github.com/udisondev/chunkflow/internal/config"
	"github.com/udisondev/chunkflow/internal/db"
	"github.com/udisondev/chunkflow/internal/fetch"
	"github.com/udisondev/chunkflow/internal/headless"
	"github.com/udisondev/chunkflow/internal/lifecycle"
	"github.com/udisondev/chunkflow/internal/model"
	"github.com/udisondev/chunkflow/internal/orchestrator"
)

const (
	ConfigPath = "config/chunkd.yaml"
	worldSeed  = 0x5eed
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("CHUNKD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("chunkd starting", "log_level", cfg.LogLevel, "config", cfgPath)

	ctrl, err := lifecycle.New(cfg.Chunks)
	if err != nil {
		return fmt.Errorf("creating chunk lifecycle: %w", err)
	}
	defer ctrl.Destroy()

	source, closeSource, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	if cfg.FetchCache.Enabled {
		cached, err := fetch.NewCachedFetchFunc(source, fetch.CacheConfig{
			MaxCost: cfg.FetchCache.MaxCost,
			TTL:     cfg.FetchCache.TTL,
		})
		if err != nil {
			return fmt.Errorf("creating fetch cache: %w", err)
		}
		defer cached.Close()
		source = cached.Fetch
		slog.Info("fetch cache enabled", "maxCost", cfg.FetchCache.MaxCost, "ttl", cfg.FetchCache.TTL)
	}

	feed := headless.NewFeed(source)
	ctrl.SetFetchFunc(feed.Fetch)
	defer feed.Attach(ctrl)()

	for _, typ := range model.EntityTypes {
		if typ == model.EntityBiome {
			continue // tiles carry no ids
		}
		ctrl.RegisterManager(
			headless.NewManager(typ, cfg.Chunks.RenderChunkWidth, cfg.Chunks.RenderChunkHeight),
			orchestrator.Options{},
		)
	}

	ctrl.OnActivated(func(ev chunkstate.ActivatedEvent) {
		slog.Info("chunk active", "chunk", ev.ChunkKey, "took", ev.TotalDuration, "entities", ev.EntityCounts)
	})
	ctrl.OnError(func(ev chunkstate.ErrorEvent) {
		slog.Warn("chunk failed", "chunk", ev.ChunkKey, "phase", ev.Phase, "err", ev.Err)
	})

	ctrl.OnCameraMove(model.Vec3{})

	g, gctx := errgroup.WithContext(ctx)

	frames := lifecycle.NewFrameLoop(ctrl, cfg.FrameInterval(), cfg.StatsEvery)
	g.Go(func() error {
		if err := frames.Start(gctx); err != nil {
			return fmt.Errorf("frame loop: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("reading camera positions from stdin", "format", "x z | x y z")
		if err := readCamera(gctx, os.Stdin, ctrl); err != nil {
			return fmt.Errorf("camera input: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("chunkd error: %w", err)
	}
	return nil
}

// openSource returns the world fetch function: the PostgreSQL store when the
// database is enabled, the procedural generator otherwise.
func openSource(ctx context.Context, cfg config.Server) (fetch.FetchFunc, func(), error) {
	gen := headless.NewProcedural(worldSeed)
	if !cfg.Database.Enabled {
		slog.Info("database disabled, using procedural world", "seed", worldSeed)
		return gen.Fetch, func() {}, nil
	}

	dsn := cfg.Database.DSN()
	if err := db.RunMigrations(ctx, dsn); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	database, err := db.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	store := database.WorldStore()

	if r := cfg.Database.SeedRadius; r > 0 {
		if err := seedWorld(ctx, store, gen, cfg.Chunks, r); err != nil {
			database.Close()
			return nil, nil, err
		}
	}

	slog.Info("database connected", "host", cfg.Database.Host, "db", cfg.Database.DBName)
	return store.Fetch, database.Close, nil
}

func seedWorld(ctx context.Context, store *db.WorldStore, gen *headless.Procedural, cfg config.Chunks, radius int) error {
	w, h := cfg.RenderChunkWidth, cfg.RenderChunkHeight
	chunks := 0
	for dr := -radius; dr <= radius; dr++ {
		for dc := -radius; dc <= radius; dc++ {
			bounds := model.ChunkBounds(dr*h, dc*w, w, h)
			if err := store.Seed(ctx, gen.Generate(bounds)); err != nil {
				return fmt.Errorf("seeding chunk %s: %w", model.ChunkKey(bounds.MinRow, bounds.MinCol), err)
			}
			chunks++
		}
	}
	slog.Info("world seeded", "chunks", chunks, "radius", radius)
	return nil
}

// readCamera feeds camera positions read from r into the controller until
// ctx is cancelled. Malformed lines are logged and skipped.
func readCamera(ctx context.Context, r io.Reader, ctrl *lifecycle.Controller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				// input closed: keep serving the last position
				<-ctx.Done()
				return ctx.Err()
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			pos, err := parseCamera(line)
			if err != nil {
				slog.Warn("invalid camera input", "line", line, "err", err)
				continue
			}
			ctrl.OnCameraMove(pos)
		}
	}
}

// parseCamera parses "x z" or "x y z".
func parseCamera(line string) (model.Vec3, error) {
	fields := strings.Fields(line)
	vals := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return model.Vec3{}, fmt.Errorf("parsing %q: %w", f, err)
		}
		vals[i] = v
	}

	switch len(vals) {
	case 2:
		return model.Vec3{X: vals[0], Z: vals[1]}, nil
	case 3:
		return model.Vec3{X: vals[0], Y: vals[1], Z: vals[2]}, nil
	default:
		return model.Vec3{}, fmt.Errorf("want 2 or 3 coordinates, got %d", len(vals))
	}
}

// parseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
