package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dnr/blobd/common"
	"github.com/dnr/blobd/common/cdig"
	"github.com/dnr/blobd/format"
	"github.com/dnr/blobd/store"
)

const (
	ctxStoreConfig = iota
	ctxStore
)

func withStoreConfig(c *cobra.Command) runE {
	var cfg store.Config

	c.PersistentFlags().StringVar(&cfg.DevicePath, "dev", "blobd.img", "path to block device or image file")
	c.PersistentFlags().StringVar(&cfg.DbPath, "db", "blobd.db", "path to metadata db")
	maxSize := c.PersistentFlags().String("max_size", "", "cap volume growth at this size (e.g. 10GB)")
	c.PersistentFlags().Int64Var(&cfg.WriteConcurrency, "write_concurrency", 4, "concurrent blob writes")
	c.PersistentFlags().IntVar(&cfg.BlockCacheBlocks, "block_cache", 1024, "compressed block cache size in blocks (negative disables)")
	c.PersistentFlags().IntVar(&cfg.PagerBufSize, "pager_buffer", 0, "pager transfer buffer size in bytes (0 for default)")

	return func(c *cobra.Command, args []string) error {
		if *maxSize != "" {
			sz, err := units.RAMInBytes(*maxSize)
			if err != nil {
				return fmt.Errorf("bad --max_size: %w", err)
			}
			cfg.MaxBlocks = uint64(sz) >> format.BlockShift
		}
		c.SetContext(context.WithValue(c.Context(), ctxStoreConfig, cfg))
		return nil
	}
}

func withStore(c *cobra.Command) runE {
	return chainRunE(
		withStoreConfig(c),
		func(c *cobra.Command, args []string) error {
			cfg := c.Context().Value(ctxStoreConfig).(store.Config)
			s, err := store.Open(cfg)
			if err != nil {
				return err
			}
			c.SetContext(context.WithValue(c.Context(), ctxStore, s))
			return nil
		},
	)
}

func getStore(c *cobra.Command) *store.Store {
	return c.Context().Value(ctxStore).(*store.Store)
}

func closeStore(c *cobra.Command, args []string) error {
	return getStore(c).Close()
}

func putOne(ctx context.Context, s *store.Store, src string, fromUrl bool) error {
	var data []byte
	var err error
	if fromUrl {
		res, herr := common.RetryHttpRequest(ctx, "GET", src, "", nil)
		if common.IsNotFound(herr) {
			return fmt.Errorf("fetch %s: not found", src)
		} else if herr != nil {
			return fmt.Errorf("fetch %s: %w", src, herr)
		}
		data, err = io.ReadAll(res.Body)
		res.Body.Close()
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	dig, err := s.Put(ctx, data)
	if errors.Is(err, store.ErrAlreadyExists) {
		log.Printf("%s  %s (already stored)", dig, src)
		return nil
	} else if err != nil {
		return err
	}
	log.Printf("%s  %s (%s)", dig, src, units.BytesSize(float64(len(data))))
	return nil
}

func main() {
	root := cmd(
		&cobra.Command{
			Use:           "blobd",
			Short:         "blobd - verified content-addressed blob store",
			SilenceUsage:  true,
			SilenceErrors: true,
		},
		cmd(
			&cobra.Command{
				Use:   "init",
				Short: "format a fresh volume",
				Args:  cobra.NoArgs,
			},
			func(c *cobra.Command) runE {
				size := c.Flags().String("size", "64MB", "initial volume size")
				return chainRunE(
					withStoreConfig(c),
					func(c *cobra.Command, args []string) error {
						cfg := c.Context().Value(ctxStoreConfig).(store.Config)
						sz, err := units.RAMInBytes(*size)
						if err != nil {
							return fmt.Errorf("bad --size: %w", err)
						}
						cfg.InitialBlocks = uint64(sz) >> format.BlockShift
						s, err := store.Open(cfg)
						if err != nil {
							return err
						}
						log.Printf("formatted %s (%s) with db %s",
							cfg.DevicePath, units.BytesSize(float64(sz)), cfg.DbPath)
						return s.Close()
					},
				)
			},
		),
		cmd(
			&cobra.Command{
				Use:   "put <file>...",
				Short: "store blobs and print their digests",
				Args:  cobra.MinimumNArgs(1),
			},
			func(c *cobra.Command) runE {
				fromUrl := c.Flags().Bool("from-url", false, "treat arguments as urls to fetch")
				return chainRunE(
					withStore(c),
					func(c *cobra.Command, args []string) error {
						s := getStore(c)
						eg, ctx := errgroup.WithContext(c.Context())
						eg.SetLimit(4)
						for _, src := range args {
							src := src // go directive is below 1.22; keep per-iteration semantics
							eg.Go(func() error {
								return putOne(ctx, s, src, *fromUrl)
							})
						}
						return eg.Wait()
					},
					closeStore,
				)
			},
		),
		cmd(
			&cobra.Command{
				Use:   "get <digest>",
				Short: "write a blob to stdout (or --out)",
				Args:  cobra.ExactArgs(1),
			},
			func(c *cobra.Command) runE {
				out := c.Flags().String("out", "", "write to this file instead of stdout")
				return chainRunE(
					withStore(c),
					func(c *cobra.Command, args []string) error {
						dig, err := cdig.FromString(args[0])
						if err != nil {
							return err
						}
						data, err := getStore(c).Get(dig)
						if err != nil {
							return err
						}
						if *out != "" {
							return os.WriteFile(*out, data, 0o644)
						}
						_, err = os.Stdout.Write(data)
						return err
					},
					closeStore,
				)
			},
		),
		cmd(
			&cobra.Command{
				Use:   "evict <digest>...",
				Short: "remove blobs and free their space",
				Args:  cobra.MinimumNArgs(1),
			},
			withStore,
			func(c *cobra.Command, args []string) error {
				s := getStore(c)
				for _, a := range args {
					dig, err := cdig.FromString(a)
					if err != nil {
						return err
					}
					if err := s.Evict(dig); err != nil {
						return fmt.Errorf("evict %s: %w", a, err)
					}
					log.Printf("evicted %s", dig)
				}
				return nil
			},
			closeStore,
		),
		cmd(
			&cobra.Command{
				Use:   "ls",
				Short: "list stored blobs",
				Args:  cobra.NoArgs,
			},
			withStore,
			func(c *cobra.Command, args []string) error {
				infos, err := getStore(c).List()
				if err != nil {
					return err
				}
				for _, bi := range infos {
					kind := "raw"
					if bi.Compressed {
						kind = "zstd"
					}
					fmt.Printf("%s  %10s  %6d blk  %s\n",
						bi.Digest, units.BytesSize(float64(bi.Size)), bi.Blocks, kind)
				}
				return nil
			},
			closeStore,
		),
		cmd(
			&cobra.Command{
				Use:   "stats",
				Short: "show volume usage",
				Args:  cobra.NoArgs,
			},
			withStore,
			func(c *cobra.Command, args []string) error {
				s := getStore(c)
				total, used := s.Usage()
				n, err := s.BlobCount()
				if err != nil {
					return err
				}
				fmt.Printf("blobs:  %d\n", n)
				fmt.Printf("volume: %s used of %s (%d%%)\n",
					units.BytesSize(float64(used<<format.BlockShift)),
					units.BytesSize(float64(total<<format.BlockShift)),
					used*100/max(total, 1))
				return nil
			},
			closeStore,
		),
	)
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
