package config

import (
	"context"
	"fmt"
	"io"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/authority/local"
	"github.com/marmos91/dittosnap/pkg/authority/rpc"
	"github.com/marmos91/dittosnap/pkg/device"
	"github.com/marmos91/dittosnap/pkg/journal"
	"github.com/marmos91/dittosnap/pkg/proxy"
	"github.com/marmos91/dittosnap/pkg/store/block"
	blockFs "github.com/marmos91/dittosnap/pkg/store/block/fs"
	"github.com/marmos91/dittosnap/pkg/store/block/memory"
	blockS3 "github.com/marmos91/dittosnap/pkg/store/block/s3"
)

// CreateBlockStore creates a preservation store based on configuration.
//
// This factory function uses the Type field to determine which store implementation
// to create, then decodes the type-specific configuration from the corresponding
// map and passes it to the store's constructor.
//
// Supported types:
//   - "memory": Uses pkg/store/block/memory (ephemeral, tests and demos)
//   - "filesystem": Uses pkg/store/block/fs (local filesystem storage)
//   - "s3": Uses pkg/store/block/s3 (Amazon S3 or compatible storage)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Store configuration
//   - metrics: Optional store metrics (nil disables)
//
// Returns:
//   - block.Store: Initialized preservation store
//   - error: Configuration or initialization error
func CreateBlockStore(ctx context.Context, cfg *StoreConfig, metrics block.Metrics) (block.Store, error) {
	switch cfg.Type {
	case "memory":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Warn("Memory preservation store selected: preserved blocks are lost on exit")
		return memory.NewMemoryBlockStore(), nil
	case "filesystem":
		return createFilesystemBlockStore(ctx, cfg.Filesystem, metrics)
	case "s3":
		return createS3BlockStore(ctx, cfg.S3, metrics)
	default:
		return nil, fmt.Errorf("unknown store type: %q (supported: memory, filesystem, s3)", cfg.Type)
	}
}

// createFilesystemBlockStore creates a filesystem-based preservation store.
func createFilesystemBlockStore(ctx context.Context, options map[string]any, metrics block.Metrics) (block.Store, error) {
	type FilesystemBlockStoreConfig struct {
		Path string `mapstructure:"path"`
	}

	var storeCfg FilesystemBlockStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem store config: %w", err)
	}

	// Validate required fields
	if storeCfg.Path == "" {
		return nil, fmt.Errorf("filesystem store: path is required")
	}

	store, err := blockFs.NewFSBlockStore(ctx, storeCfg.Path, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem store: %w", err)
	}

	logger.Info("Filesystem preservation store initialized: path=%s", storeCfg.Path)
	return store, nil
}

// createS3BlockStore creates an S3-based preservation store.
func createS3BlockStore(ctx context.Context, options map[string]any, metrics block.Metrics) (block.Store, error) {
	type S3BlockStoreOptions struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var storeCfg S3BlockStoreOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true, // env overrides arrive as strings
		Result:           &storeCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return nil, fmt.Errorf("failed to decode S3 store config: %w", err)
	}

	// Validate required fields
	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 store: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 store: region is required")
	}

	client, err := blockS3.NewClient(ctx, blockS3.ClientConfig{
		Region:          storeCfg.Region,
		Endpoint:        storeCfg.Endpoint,
		AccessKeyID:     storeCfg.AccessKeyID,
		SecretAccessKey: storeCfg.SecretAccessKey,
		MaxRetries:      storeCfg.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	store, err := blockS3.NewS3BlockStore(ctx, blockS3.S3BlockStoreConfig{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 store: %w", err)
	}

	logger.Info("S3 preservation store initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)

	return store, nil
}

// Authority is an authority the caller owns and must close.
type Authority interface {
	authority.Authority
	io.Closer
}

// CreateAuthority creates the metadata authority a proxy talks to.
//
// Supported types:
//   - "local": opens the BadgerDB reference authority in-process
//   - "remote": dials an authority server over RPC
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Authority configuration
//   - blockSize: COW block size; a local authority is created with it
func CreateAuthority(ctx context.Context, cfg *AuthorityConfig, blockSize uint64) (Authority, error) {
	switch cfg.Type {
	case "local":
		return CreateLocalAuthority(ctx, &cfg.Local, blockSize)
	case "remote":
		client, err := rpc.Dial(ctx, cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to authority: %w", err)
		}
		logger.Info("Using remote authority at %s", cfg.Remote.Address)
		return client, nil
	default:
		return nil, fmt.Errorf("unknown authority type: %q (supported: local, remote)", cfg.Type)
	}
}

// CreateLocalAuthority opens the BadgerDB reference authority.
//
// The authority server uses it directly, since it also needs the reference
// authority's garbage collection support.
func CreateLocalAuthority(ctx context.Context, cfg *LocalAuthorityConfig, blockSize uint64) (*local.Authority, error) {
	auth, err := local.New(ctx, local.Config{
		DBPath:     cfg.Path,
		InMemory:   cfg.InMemory,
		BlockSize:  blockSize,
		SyncWrites: cfg.SyncWrites,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local authority: %w", err)
	}

	if cfg.InMemory {
		logger.Warn("In-memory authority selected: snapshot state is lost on exit")
	} else {
		logger.Info("Local authority initialized: path=%s", cfg.Path)
	}
	return auth, nil
}

// OpenDevice opens the volume's device with the configured I/O options.
func OpenDevice(cfg *VolumeConfig, readOnly bool) (*device.Device, error) {
	if cfg.Device.Path == "" {
		return nil, fmt.Errorf("volume.device.path is required")
	}

	dev, err := device.Open(cfg.Device.Path, device.Options{
		DirectIO:  cfg.Device.DirectIO,
		Sync:      cfg.Device.Sync,
		ReadOnly:  readOnly,
		Alignment: cfg.Device.Alignment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	logger.Debug("Device opened: path=%s size=%d alignment=%d direct_io=%v",
		dev.Path(), dev.Size(), dev.Alignment(), dev.Direct())
	return dev, nil
}

// OpenJournal opens the volume's intent journal and the coordinator that
// feeds it. The caller runs Writer.Run with the coordinator and closes both.
func OpenJournal(ctx context.Context, cfg *JournalConfig, volume string) (*journal.Writer, *journal.Coordinator, error) {
	w, err := journal.Open(ctx, journal.Config{
		Name:       volume,
		Path:       cfg.Path,
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return w, journal.NewCoordinator(cfg.QueueSize), nil
}

// VolumeAttr converts the volume section into the proxy's policy attributes.
func VolumeAttr(cfg *VolumeConfig) (proxy.VolumeAttr, error) {
	role, err := proxy.ParseRole(cfg.Role)
	if err != nil {
		return proxy.VolumeAttr{}, err
	}
	return proxy.VolumeAttr{
		Name:               cfg.Name,
		Role:               role,
		ReplicationEnabled: cfg.Replication,
	}, nil
}

// ProxyConfig builds the proxy configuration from the volume section.
func ProxyConfig(cfg *VolumeConfig) (proxy.Config, error) {
	attr, err := VolumeAttr(cfg)
	if err != nil {
		return proxy.Config{}, err
	}
	return proxy.Config{
		Volume:          attr,
		BlockSize:       cfg.BlockSize,
		ReadConcurrency: cfg.ReadConcurrency,
	}, nil
}
