package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kardianos/osext"
	"github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"

	"github.com/linka-cloud/gonbdserver/backend/aio"
	"github.com/linka-cloud/gonbdserver/backend/file"
	"github.com/linka-cloud/gonbdserver/backend/rbd"
	"github.com/linka-cloud/gonbdserver/config"
	"github.com/linka-cloud/gonbdserver/internal/logging"
	"github.com/linka-cloud/gonbdserver/internal/metrics"
	"github.com/linka-cloud/gonbdserver/nbd"
)

func serveCmd() *cobra.Command {
	var foreground bool
	var pidFile string
	var logFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the config file and run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return fmt.Errorf("serve: --config is required")
			}
			if !foreground {
				bin, err := osext.Executable()
				if err != nil {
					return fmt.Errorf("serve: resolve executable path: %w", err)
				}
				if pidFile == "" {
					pidFile = bin + ".pid"
				}
				if logFile == "" {
					logFile = bin + ".log"
				}
				ctx := &daemon.Context{
					PidFileName: pidFile,
					PidFilePerm: 0o644,
					LogFileName: logFile,
					LogFilePerm: 0o640,
					Umask:       0o027,
				}
				child, err := ctx.Reborn()
				if err != nil {
					return fmt.Errorf("serve: daemonize: %w", err)
				}
				if child != nil {
					// Parent: the child has forked off, nothing left to do.
					return nil
				}
				defer ctx.Release()
			}
			return run(configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to the YAML config file")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground instead of daemonizing")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "pidfile path (daemon mode only, default <exe>.pid)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file path (daemon mode only, default <exe>.log)")
	return cmd
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log := logging.New(logging.ParseLevel(cfg.LogLevel))

	sink := metrics.New()

	registry := nbd.NewRegistry()
	var contexts []*nbd.IOContext
	var exports []*nbd.Export
	for _, sc := range cfg.Servers {
		for _, ec := range sc.Exports {
			e, ioctx, err := buildExport(registry, ec)
			if err != nil {
				return err
			}
			contexts = append(contexts, ioctx)
			if err := registry.SetName(e, &ec.Name); err != nil {
				return fmt.Errorf("serve: bind export %q: %w", ec.Name, err)
			}
			// Keep the management reference New() took alive for as long as
			// the process runs: releasing it now would drop the refcount
			// from 2 (name + management) to 1, which unref() treats as
			// "only the name is left holding this" and unbinds the name
			// immediately, tearing the export down before any client can
			// connect. The reference is dropped by registry.Release below,
			// once the listeners have stopped accepting new clients.
			exports = append(exports, e)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	if cfg.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	for _, sc := range cfg.Servers {
		l, err := net.Listen(sc.Protocol, sc.Address)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("serve: listen %s %s: %w", sc.Protocol, sc.Address, err)
		}
		srv := &nbd.Server{
			Registry:      registry,
			MaxInFlight:   cfg.MaxInFlight,
			MaxBufferSize: cfg.MaxBufferSize,
			Log:           log,
			Metrics:       sink,
		}
		log.Infof("listening on %s %s", sc.Protocol, sc.Address)
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			if err := srv.Serve(ctx, l); err != nil {
				log.Errorf("server on %s: %v", l.Addr(), err)
			}
		}(l)
	}

	wg.Wait()
	for _, e := range exports {
		// Close disconnects any still-attached clients and unbinds the
		// name (dropping the reference SetName took); Release then drops
		// the management reference New() took, which is the one this
		// function has been holding open since startup. Together they
		// bring the export to refcount zero and its backend gets closed.
		registry.Close(e)
		registry.Release(e)
	}
	for _, c := range contexts {
		c.Close()
	}
	return nil
}

func buildExport(registry *nbd.Registry, ec config.ExportConfig) (*nbd.Export, *nbd.IOContext, error) {
	var b nbd.Backend
	var err error
	switch ec.Driver {
	case "file":
		b, err = file.Open(ec.Path, ec.ReadOnly)
	case "aio":
		b, err = aio.Open(ec.Path, ec.ReadOnly)
	case "rbd":
		b, err = rbd.Open(rbd.Config{
			ConfigFile: ec.CephConfigFile,
			Pool:       ec.Pool,
			Image:      ec.Image,
			ReadOnly:   ec.ReadOnly,
		})
	default:
		return nil, nil, fmt.Errorf("serve: export %q: unknown driver %q", ec.Name, ec.Driver)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("serve: export %q: %w", ec.Name, err)
	}

	size := ec.SizeBytes
	if size == 0 {
		size, err = b.Length(context.Background())
		if err != nil {
			return nil, nil, fmt.Errorf("serve: export %q: determine size: %w", ec.Name, err)
		}
	}

	var flags uint16
	if ec.ReadOnly {
		flags |= nbd.NBD_FLAG_READ_ONLY
	}

	ioctx := nbd.NewIOContext()
	e := registry.New(b, 0, size, flags, ioctx)
	return e, ioctx, nil
}
