// Command repertory is the CLI entrypoint: it loads config, builds
// the selected provider, wires the metadata/upload stores and event
// bus into a file_manager.Manager, and either runs the mount process
// or one of the management subcommands (spec.md §6). It is grounded
// on the teacher's cmd/ cobra tree (cmd/cmd.go's root command plus
// cmd/mount's Run wiring) — generalized from rclone's many-remote
// selection to repertory's single configured provider.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/repertory-go/repertory/internal/config"
	"github.com/repertory-go/repertory/internal/events"
	"github.com/repertory-go/repertory/internal/filemanager"
	"github.com/repertory-go/repertory/internal/metadb"
	"github.com/repertory-go/repertory/internal/mountlock"
	"github.com/repertory-go/repertory/internal/packet"
	"github.com/repertory-go/repertory/internal/provider"
	"github.com/repertory-go/repertory/internal/provider/remote"
	"github.com/repertory-go/repertory/internal/provider/s3"
	"github.com/repertory-go/repertory/internal/provider/sia"
	"github.com/repertory-go/repertory/internal/rerrors"
	"github.com/repertory-go/repertory/internal/rlog"
	"github.com/repertory-go/repertory/internal/uploadqueue"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "repertory",
		Short: "Mount an S3, Sia, or peer repertory instance as a local filesystem",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML")
	root.AddCommand(mountCmd(), unmountCmd(), pinCmd(), unpinCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	rerr, ok := err.(*rerrors.Error)
	if !ok {
		return int(rerrors.ExitCommunicationError)
	}
	return int(rerrors.ExitCodeFor(rerr.Code))
}

func mountCmd() *cobra.Command {
	var mountPoint string
	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Run the file manager for the configured provider (no FUSE session is attached to the mount point)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(cmd.Context(), mountPoint)
		},
	}
	cmd.Flags().StringVar(&mountPoint, "mount-point", "", "local directory to mount onto")
	_ = cmd.MarkFlagRequired("mount-point")
	return cmd
}

func unmountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unmount",
		Short: "Report whether a mount holds the configured cache dir's lock (does not stop it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return requestUnmount(cfg.CacheDir)
		},
	}
}

func pinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin [api_path]",
		Short: "Mark a file as pinned so the orphan sweeper never evicts its cache copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return setPinned(cfg, args[0], true)
		},
	}
}

func unpinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin [api_path]",
		Short: "Clear a file's pinned flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return setPinned(cfg, args[0], false)
		},
	}
}

func setPinned(cfg *config.Config, apiPath string, pinned bool) error {
	db, err := metadb.Open(cfg.CacheDir+"/meta", 5*time.Second)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.SetItemMetaKey(apiPath, metadb.KeyPinned, fmt.Sprintf("%v", pinned))
}

// requestUnmount reports whether a mount is currently holding the
// cache dir's advisory lock. Tearing down a peer process's FUSE
// session over this CLI needs a signal/IPC handshake this skeleton
// does not implement; see DESIGN.md's open-questions section.
func requestUnmount(cacheDir string) error {
	lock, err := mountlock.Acquire(cacheDir)
	if err != nil {
		return nil
	}
	defer lock.Unlock()
	return rerrors.New(rerrors.FileInUse)
}

func runMount(ctx context.Context, mountPoint string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	rlog.Configure(level)

	lock, err := mountlock.Acquire(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	prov, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	if err := prov.CheckVersion(ctx); err != nil {
		return rerrors.Wrap(rerrors.IncompatibleVersion, err)
	}

	meta, err := metadb.Open(cfg.CacheDir+"/meta", 5*time.Second)
	if err != nil {
		return err
	}
	defer meta.Close()

	queue, err := uploadqueue.Open(cfg.CacheDir+"/queue", 5*time.Second)
	if err != nil {
		return err
	}
	defer queue.Close()

	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()
	bus.SubscribeAll(func(ev events.Event) {
		rlog.Debugf("event", "%s: %s", ev.Name(), ev.SingleLine())
	})

	mgr := filemanager.New(filemanager.Config{
		CacheDir:          cfg.CacheDir,
		ChunkSize:         cfg.ChunkSize,
		MaxConcurrentDL:   cfg.MaxConcurrentDL,
		MaxConcurrentUL:   cfg.MaxConcurrentUL,
		RingBufferSize:    cfg.RingBufferSize,
		UseRingBuffer:     cfg.UseRingBuffer,
		UploadRetryWait:   cfg.UploadRetryWait,
		OrphanSweepPeriod: cfg.OrphanSweepPeriod,
	}, prov, meta, queue, bus)

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	if cfg.PacketListenAddr != "" {
		peer, err := startPeerServer(cfg, prov)
		if err != nil {
			return err
		}
		defer peer.Close()
	}

	rlog.Infof("mount", "mounting %s via provider %s", mountPoint, prov.Name())
	return waitForShutdown(ctx)
}

// waitForShutdown blocks until SIGINT/SIGTERM or ctx is cancelled.
// FUSE session wiring (the actual hanwen/go-fuse mount loop) is left
// to the platform-specific mount glue this CLI skeleton hands off to;
// spec.md scopes the file_manager and provider subsystems, not the
// FUSE binding itself.
func waitForShutdown(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderS3:
		return s3.New(ctx, s3.Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		})
	case config.ProviderSia:
		return sia.New(sia.Options{
			APIURL:      cfg.Sia.APIURL,
			APIPassword: cfg.Sia.APIPassword,
			UserAgent:   cfg.Sia.UserAgent,
		}), nil
	case config.ProviderRemote:
		return buildRemoteProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func buildRemoteProvider(cfg *config.Config) (provider.Provider, error) {
	addr := cfg.Remote.Addr
	dialTimeout := cfg.Remote.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	key, err := parsePacketKey(cfg.Remote.KeyHex)
	if err != nil {
		return nil, err
	}
	dial := func() (net.Conn, error) { return net.DialTimeout("tcp", addr, dialTimeout) }
	client := packet.NewClient(dial, maxOr(cfg.Remote.NumConns, 4), key)
	return remote.New(client, addr), nil
}

// parsePacketKey decodes a hex-encoded secretbox key, or returns nil
// (encryption disabled) when keyHex is empty.
func parsePacketKey(keyHex string) (*[packet.KeySize]byte, error) {
	if keyHex == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid packet key: %w", err)
	}
	if len(raw) != packet.KeySize {
		return nil, fmt.Errorf("packet key must be %d bytes, got %d", packet.KeySize, len(raw))
	}
	var key [packet.KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

func maxOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// startPeerServer exposes this instance's provider to other repertory
// instances' remote provider over internal/packet (spec.md §4.9's
// peer-to-peer remote backend).
func startPeerServer(cfg *config.Config, prov provider.Provider) (io.Closer, error) {
	key, err := parsePacketKey(cfg.PacketKeyHex)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.PacketListenAddr)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.OSError, err)
	}
	srv := packet.NewServer(ln, maxOr(cfg.MaxConcurrentDL, 8), key, peerHandler(prov))
	go func() {
		if err := srv.Serve(); err != nil {
			rlog.Debugf("packet-server", "serve exited: %v", err)
		}
	}()
	return ln, nil
}
