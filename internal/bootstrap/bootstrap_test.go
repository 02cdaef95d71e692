package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/queue"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	mem, closeMem, err := OpenStore(ctx, config.App{StoreBackend: config.StoreMemory}, discard)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mem.(*attendance.MemoryStore); !ok {
		t.Errorf("memory backend returned %T", mem)
	}
	if err := closeMem(); err != nil {
		t.Error(err)
	}

	cfg := config.App{
		StoreBackend:   config.StoreSQLite,
		SQLitePath:     filepath.Join(t.TempDir(), "nested", "qrattend.db"),
		MigrateOnStart: true,
	}
	repo, closeRepo, err := OpenStore(ctx, cfg, discard)
	if err != nil {
		t.Fatalf("OpenStore(sqlite): %v", err)
	}
	defer closeRepo()
	if err := repo.UpsertStudent(ctx, attendance.Student{ID: "S1", Name: "Sana"}); err != nil {
		t.Fatalf("schema not migrated: %v", err)
	}

	if _, _, err := OpenStore(ctx, config.App{StoreBackend: "mongo"}, discard); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestOpenBus(t *testing.T) {
	bus, err := OpenBus(config.App{BusBackend: config.BusMemory}, nil, discard)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bus.(*queue.InMemory); !ok {
		t.Errorf("memory backend returned %T", bus)
	}
	if _, err := OpenBus(config.App{BusBackend: config.BusRedis}, nil, discard); err == nil {
		t.Error("redis bus without a client accepted")
	}
}

func TestLoggerLevel(t *testing.T) {
	l := Logger(config.App{LogLevel: "warn"})
	if l.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !Logger(config.App{LogLevel: "bogus"}).Enabled(context.Background(), slog.LevelInfo) {
		t.Error("invalid level did not fall back to info")
	}
}
