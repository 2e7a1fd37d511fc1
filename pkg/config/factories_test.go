package config

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/authority/rpc"
	"github.com/marmos91/dittosnap/pkg/device"
	"github.com/marmos91/dittosnap/pkg/journal"
	"github.com/marmos91/dittosnap/pkg/proxy"
)

func TestCreateBlockStore_Filesystem(t *testing.T) {
	ctx := context.Background()
	cfg := &StoreConfig{
		Type: "filesystem",
		Filesystem: map[string]any{
			"path": t.TempDir(),
		},
	}

	store, err := CreateBlockStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create filesystem store: %v", err)
	}
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("Expected healthy store, got: %v", err)
	}
}

func TestCreateBlockStore_FilesystemMissingPath(t *testing.T) {
	ctx := context.Background()
	cfg := &StoreConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{},
	}

	_, err := CreateBlockStore(ctx, cfg, nil)
	if err == nil {
		t.Fatal("Expected error for missing path")
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("Expected 'path is required' error, got: %v", err)
	}
}

func TestCreateBlockStore_Memory(t *testing.T) {
	store, err := CreateBlockStore(context.Background(), &StoreConfig{Type: "memory"}, nil)
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	defer store.Close()

	if err := store.Put(context.Background(), "vol0/s1/a", []byte("pre-image"), 0); err != nil {
		t.Errorf("Expected put to succeed, got: %v", err)
	}
}

func TestCreateBlockStore_S3MissingBucket(t *testing.T) {
	cfg := &StoreConfig{
		Type: "s3",
		S3:   map[string]any{"region": "us-east-1"},
	}

	_, err := CreateBlockStore(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("Expected error for missing bucket")
	}
	if !strings.Contains(err.Error(), "bucket is required") {
		t.Errorf("Expected 'bucket is required' error, got: %v", err)
	}
}

func TestCreateBlockStore_UnknownType(t *testing.T) {
	_, err := CreateBlockStore(context.Background(), &StoreConfig{Type: "tape"}, nil)
	if err == nil {
		t.Fatal("Expected error for unknown store type")
	}
	if !strings.Contains(err.Error(), "unknown store type") {
		t.Errorf("Expected 'unknown store type' error, got: %v", err)
	}
}

func TestCreateBlockStore_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := &StoreConfig{
		Type:       "filesystem",
		Filesystem: map[string]any{"path": t.TempDir()},
	}
	if _, err := CreateBlockStore(ctx, cfg, nil); err == nil {
		t.Fatal("Expected error for canceled context")
	}
}

func TestCreateAuthority_Local(t *testing.T) {
	ctx := context.Background()
	cfg := &AuthorityConfig{
		Type:  "local",
		Local: LocalAuthorityConfig{InMemory: true},
	}

	auth, err := CreateAuthority(ctx, cfg, 64<<10)
	if err != nil {
		t.Fatalf("Failed to create local authority: %v", err)
	}
	defer auth.Close()

	hdr := authority.Header{SnapType: authority.SnapTypeLocal}
	if err := auth.Create(ctx, hdr, "vol0", "s1"); err != nil {
		t.Fatalf("Expected create to succeed, got: %v", err)
	}
	status, err := auth.Query(ctx, "vol0", "s1")
	if err != nil {
		t.Fatalf("Expected query to succeed, got: %v", err)
	}
	if status != authority.StatusCreating {
		t.Errorf("Expected status %v, got %v", authority.StatusCreating, status)
	}
}

func TestCreateAuthority_Remote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backing, err := CreateLocalAuthority(ctx, &LocalAuthorityConfig{InMemory: true}, 0)
	if err != nil {
		t.Fatalf("Failed to create backing authority: %v", err)
	}
	defer backing.Close()

	srv := rpc.NewServer(backing, rpc.ServerConfig{Address: "127.0.0.1:0"}, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	cfg := &AuthorityConfig{
		Type:   "remote",
		Remote: rpc.ClientConfig{Address: srv.Addr().String()},
	}
	auth, err := CreateAuthority(ctx, cfg, 0)
	if err != nil {
		t.Fatalf("Failed to connect to remote authority: %v", err)
	}

	names, err := auth.List(ctx, "vol0")
	if err != nil {
		t.Fatalf("Expected list to succeed, got: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("Expected no snapshots, got %v", names)
	}

	if err := auth.Close(); err != nil {
		t.Errorf("Failed to close client: %v", err)
	}
	cancel()
	select {
	case <-served:
	case <-time.After(10 * time.Second):
		t.Fatal("Server did not stop")
	}
}

func TestCreateAuthority_UnknownType(t *testing.T) {
	_, err := CreateAuthority(context.Background(), &AuthorityConfig{Type: "etcd"}, 0)
	if err == nil {
		t.Fatal("Expected error for unknown authority type")
	}
}

func TestOpenDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol0.img")
	if err := device.CreateImage(path, 1<<20); err != nil {
		t.Fatalf("Failed to create image: %v", err)
	}

	cfg := &VolumeConfig{Device: DeviceConfig{Path: path, Alignment: 4096}}
	dev, err := OpenDevice(cfg, false)
	if err != nil {
		t.Fatalf("Failed to open device: %v", err)
	}
	defer dev.Close()

	if dev.Size() != 1<<20 {
		t.Errorf("Expected size %d, got %d", 1<<20, dev.Size())
	}
	if dev.Alignment() != 4096 {
		t.Errorf("Expected alignment 4096, got %d", dev.Alignment())
	}
}

func TestOpenDevice_MissingPath(t *testing.T) {
	if _, err := OpenDevice(&VolumeConfig{}, false); err == nil {
		t.Fatal("Expected error for missing device path")
	}
}

func TestOpenJournal(t *testing.T) {
	ctx := context.Background()

	w, coord, err := OpenJournal(ctx, &JournalConfig{InMemory: true, QueueSize: 4}, "vol0")
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer w.Close()
	defer coord.Close()

	if w.Name() != "vol0" {
		t.Errorf("Expected journal named 'vol0', got %q", w.Name())
	}

	e, err := w.Append(&journal.Intent{Type: journal.EntryCreate, Volume: "vol0", Snapshot: "s1"})
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if e.Marker.Offset != 1 {
		t.Errorf("Expected first offset 1, got %d", e.Marker.Offset)
	}
}

func TestProxyConfig(t *testing.T) {
	cfg := &VolumeConfig{
		Name:            "vol0",
		Role:            "primary",
		Replication:     true,
		BlockSize:       64 << 10,
		ReadConcurrency: 4,
	}

	pc, err := ProxyConfig(cfg)
	if err != nil {
		t.Fatalf("Failed to build proxy config: %v", err)
	}
	if pc.Volume.Role != proxy.RolePrimary || !pc.Volume.ReplicationEnabled {
		t.Errorf("Expected replicating primary, got %+v", pc.Volume)
	}
	if pc.BlockSize != 64<<10 || pc.ReadConcurrency != 4 {
		t.Errorf("Unexpected proxy config %+v", pc)
	}

	cfg.Role = "tertiary"
	if _, err := ProxyConfig(cfg); err == nil {
		t.Error("Expected error for unknown role")
	}
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	isolate(t)
	cfg := GetDefaultConfig()

	m := InitializeMetrics(cfg)
	if m.Proxy != nil || m.Store != nil || m.RPC != nil || m.GC != nil {
		t.Errorf("Expected nil collectors when metrics are disabled, got %+v", m)
	}
	if NewMetricsServer(cfg, nil) != nil {
		t.Error("Expected no metrics server when metrics are disabled")
	}
}
