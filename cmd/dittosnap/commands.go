package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/marmos91/dittosnap/pkg/authority"
	"github.com/marmos91/dittosnap/pkg/config"
)

// headerFlags registers the flags that describe who requests a snapshot
// operation and returns a constructor for the resulting header.
func headerFlags(fs *flag.FlagSet) func() (authority.Header, error) {
	snapType := fs.String("type", "local", "Snapshot type (local, remote)")
	replication := fs.String("replication-uuid", "", "Replication relationship (remote snapshots)")
	checkpoint := fs.String("checkpoint-uuid", "", "Replication checkpoint (remote snapshots)")

	return func() (authority.Header, error) {
		t, err := authority.ParseSnapType(*snapType)
		if err != nil {
			return authority.Header{}, err
		}
		hdr := authority.Header{
			SnapType:        t,
			ReplicationUUID: *replication,
			CheckpointUUID:  *checkpoint,
			Scene:           authority.SceneNormal,
		}
		if t == authority.SnapTypeRemote {
			hdr.Scene = authority.SceneReplication
		}
		return hdr, nil
	}
}

// withVolume opens the configured volume, runs fn and closes the volume.
func withVolume(ctx context.Context, cfg *config.Config, fn func(v *volume) error) (err error) {
	v, err := openVolume(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := v.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(v)
}

// arg returns the i-th positional argument or an error naming it.
func arg(fs *flag.FlagSet, i int, name string) (string, error) {
	if fs.NArg() <= i {
		return "", fmt.Errorf("missing <%s> argument", name)
	}
	return fs.Arg(i), nil
}

// snapshotCommand builds create, delete and rollback, which share their
// flags and differ only in the proxy call.
func snapshotCommand(verb string, call func(v *volume, ctx context.Context, hdr authority.Header, snap string) error) *command {
	var header func() (authority.Header, error)
	return &command{
		flags: func(fs *flag.FlagSet) { header = headerFlags(fs) },
		run: func(ctx context.Context, cfg *config.Config, fs *flag.FlagSet) error {
			snap, err := arg(fs, 0, "snap")
			if err != nil {
				return err
			}
			hdr, err := header()
			if err != nil {
				return err
			}
			return withVolume(ctx, cfg, func(v *volume) error {
				if err := call(v, ctx, hdr, snap); err != nil {
					return err
				}
				fmt.Printf("%s %s/%s ok\n", verb, v.Volume(), snap)
				return nil
			})
		},
	}
}

func createCommand() *command {
	return snapshotCommand("create", func(v *volume, ctx context.Context, hdr authority.Header, snap string) error {
		return v.Create(ctx, hdr, snap)
	})
}

func deleteCommand() *command {
	return snapshotCommand("delete", func(v *volume, ctx context.Context, hdr authority.Header, snap string) error {
		return v.Delete(ctx, hdr, snap)
	})
}

func rollbackCommand() *command {
	return snapshotCommand("rollback", func(v *volume, ctx context.Context, hdr authority.Header, snap string) error {
		return v.Rollback(ctx, hdr, snap)
	})
}

func listCommand() *command {
	return &command{
		run: func(ctx context.Context, cfg *config.Config, _ *flag.FlagSet) error {
			return withVolume(ctx, cfg, func(v *volume) error {
				names, err := v.List(ctx)
				if err != nil {
					return err
				}
				active, _ := v.Active()

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTATUS\tACTIVE")
				for _, name := range names {
					status, err := v.Query(ctx, name)
					if err != nil {
						return err
					}
					marker := ""
					if name == active {
						marker = "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", name, status, marker)
				}
				return w.Flush()
			})
		},
	}
}

func queryCommand() *command {
	return &command{
		run: func(ctx context.Context, cfg *config.Config, fs *flag.FlagSet) error {
			snap, err := arg(fs, 0, "snap")
			if err != nil {
				return err
			}
			return withVolume(ctx, cfg, func(v *volume) error {
				status, err := v.Query(ctx, snap)
				if err != nil {
					return err
				}
				fmt.Println(status)
				return nil
			})
		},
	}
}

func diffCommand() *command {
	var header func() (authority.Header, error)
	return &command{
		flags: func(fs *flag.FlagSet) { header = headerFlags(fs) },
		run: func(ctx context.Context, cfg *config.Config, fs *flag.FlagSet) error {
			first, err := arg(fs, 0, "first")
			if err != nil {
				return err
			}
			last := fs.Arg(1) // empty compares against the live volume
			hdr, err := header()
			if err != nil {
				return err
			}
			return withVolume(ctx, cfg, func(v *volume) error {
				ranges, err := v.Diff(ctx, hdr, first, last)
				if err != nil {
					return err
				}
				bs := v.BlockSize()
				for _, r := range ranges {
					fmt.Printf("blocks %d+%d\tbytes %d+%d\n",
						r.FirstBlock, r.BlockCount, r.FirstBlock*bs, r.BlockCount*bs)
				}
				return nil
			})
		},
	}
}

func readCommand() *command {
	var (
		header         func() (authority.Header, error)
		offset, length *uint64
		out            *string
	)
	return &command{
		flags: func(fs *flag.FlagSet) {
			header = headerFlags(fs)
			offset = fs.Uint64("offset", 0, "Byte offset to read from")
			length = fs.Uint64("length", 0, "Number of bytes to read")
			out = fs.String("out", "-", "Output file ('-' for stdout)")
		},
		run: func(ctx context.Context, cfg *config.Config, fs *flag.FlagSet) error {
			snap, err := arg(fs, 0, "snap")
			if err != nil {
				return err
			}
			if *length == 0 {
				return fmt.Errorf("--length is required")
			}
			hdr, err := header()
			if err != nil {
				return err
			}
			return withVolume(ctx, cfg, func(v *volume) error {
				data, err := v.ReadSnapshot(ctx, hdr, snap, *offset, *length)
				if err != nil {
					return err
				}
				if *out == "-" {
					_, err = os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(*out, data, 0o644)
			})
		},
	}
}

func writeCommand() *command {
	var (
		offset *uint64
		in     *string
	)
	return &command{
		flags: func(fs *flag.FlagSet) {
			offset = fs.Uint64("offset", 0, "Byte offset to write at")
			in = fs.String("in", "-", "Input file ('-' for stdin)")
		},
		run: func(ctx context.Context, cfg *config.Config, _ *flag.FlagSet) error {
			var (
				data []byte
				err  error
			)
			if *in == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(*in)
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			if len(data) == 0 {
				return fmt.Errorf("nothing to write")
			}

			return withVolume(ctx, cfg, func(v *volume) error {
				if err := v.Write(ctx, *offset, data); err != nil {
					return err
				}
				fmt.Printf("wrote %d bytes at offset %d\n", len(data), *offset)
				return nil
			})
		},
	}
}
