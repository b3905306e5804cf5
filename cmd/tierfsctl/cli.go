package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tierfs/tierfs/pkg/bdevio"
	"github.com/tierfs/tierfs/pkg/capacity"
	"github.com/tierfs/tierfs/pkg/tieraddr"
	"github.com/tierfs/tierfs/pkg/tieralloc"
	"github.com/tierfs/tierfs/pkg/tierconf"
	"github.com/tierfs/tierfs/pkg/tiersb"
	"github.com/tierfs/tierfs/pkg/tlog"
	"github.com/tierfs/tierfs/pkg/vpmem"
	"github.com/tierfs/tierfs/pkg/writelog"
)

// files is the CLI's own bookkeeping of open inodes, standing in for
// the out-of-scope superblock/inode table: tierfsctl is a driver for
// the tier manager, not a file system, so it tracks just enough state
// (a log and an Inode per ino) to exercise migrate/rotate/inspect.
type openFile struct {
	log  *writelog.Log
	node *writelog.Inode
}

var (
	filesMu sync.Mutex
	files   = map[uint64]*openFile{}
)

func fileFor(ino uint64) (*openFile, error) {
	filesMu.Lock()
	defer filesMu.Unlock()
	f, ok := files[ino]
	if !ok {
		return nil, fmt.Errorf("inode %d is not open; run 'tierfsctl seed' first", ino)
	}
	return f, nil
}

var (
	flagVerbose  bool
	flagDebug    bool
	flagCfgFile  string

	log tlog.Logger
	sb  *tiersb.PerSb
)

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVarP(&flagCfgFile, "config", "c", "", "path to a tierfs.yaml config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cli := &tlog.CLI{Verbose: flagVerbose, Debug: flagDebug}
		logrus.SetLevel(logrus.TraceLevel)
		log = cli

		cfg, err := tierconf.Load(flagCfgFile, log)
		if err != nil {
			return err
		}
		sb = buildDryRunPerSb(cfg, log)
		return nil
	}

	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(allocCmd)
	rootCmd.AddCommand(freeCmd)
	rootCmd.AddCommand(downwardCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(inspectCmd)
}

// buildDryRunPerSb stands up a PerSb backed by in-memory PMEM and
// block-device stand-ins, per spec §6's note that specific device
// paths are configuration and out of scope for the core: this CLI
// drives the allocator and migration engine without a real mount.
func buildDryRunPerSb(cfg tierconf.Config, log tlog.Logger) *tiersb.PerSb {
	space := cfg.Space()
	arena := vpmem.NewArena(space.PmemBlocks, cfg.PageSize)

	bdevs := make(map[tieraddr.Tier]*bdevio.Device)
	for i := range space.Bdevs {
		info := space.Bdevs[i]
		dev := bdevio.New(bdevio.NewFakeDevice(int64(info.CapacityPage)*cfg.PageSize), cfg.PageSize, log)
		bdevs[info.Tier] = dev
	}

	return tiersb.New(tiersb.Config{
		Space:             space,
		CPUs:              cfg.CPUs,
		OptSizeBit:        cfg.OptSizeBit,
		ThresholdPercent:  cfg.ThresholdPercent,
		TransferPoolPages: cfg.TransferPoolPages,
		PageSize:          cfg.PageSize,
	}, arena, bdevs, log)
}

var rootCmd = &cobra.Command{
	Use:   "tierfsctl",
	Short: "tierfsctl drives the multi-tier block storage manager from the command line",
	Long: `tierfsctl is a diagnostic and operations tool for the tier manager: it can
report per-tier capacity, exercise the allocator directly, and trigger a
capacity-driven downward migration pass.`,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "print per-tier capacity usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reports, err := sb.Report()
		if err != nil {
			return err
		}
		for _, r := range reports {
			line := fmt.Sprintf("tier %d: %d/%d blocks used", r.Tier, r.Used, r.Total)
			if r.High {
				color.New(color.FgRed, color.Bold).Println(line + " [HIGH]")
			} else {
				color.New(color.FgGreen).Println(line)
			}
		}
		return nil
	},
}

var (
	allocTier int
	allocCPU  int
	allocN    uint64
	allocTail bool
)

var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "allocate n contiguous blocks from a tier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := tieralloc.FromHead
		if allocTail {
			dir = tieralloc.FromTail
		}
		block, err := sb.AllocTier(tieraddr.Tier(allocTier), allocCPU, allocN, dir)
		if err != nil {
			return err
		}
		fmt.Printf("allocated %d blocks starting at %d\n", allocN, block)
		return nil
	},
}

var (
	freeBlock uint64
	freeN     uint64
)

var freeCmd = &cobra.Command{
	Use:   "free",
	Short: "return n blocks starting at block to their owning shard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sb.FreeTier(freeBlock, freeN)
	},
}

var downwardCmd = &cobra.Command{
	Use:   "downward",
	Short: "run one capacity-driven downward migration pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sb.Downward(context.Background()); err != nil {
			return err
		}
		fmt.Println("downward migration pass complete")
		return nil
	},
}

var (
	seedIno      uint64
	seedTier     int
	seedNumPages uint32
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "open a synthetic inode with one write entry, for exercising migrate/rotate/inspect",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		block, err := sb.AllocTier(tieraddr.Tier(seedTier), tieralloc.ANY_CPU, uint64(seedNumPages), tieralloc.FromHead)
		if err != nil {
			return err
		}
		l := writelog.NewLog()
		in := &writelog.Inode{}
		e := &writelog.Entry{Tier: tieraddr.Tier(seedTier), NumPages: seedNumPages, Block: block, Pgoff: 0}
		if err := writelog.AppendEntry(l, in, e, true); err != nil {
			return err
		}
		filesMu.Lock()
		files[seedIno] = &openFile{log: l, node: in}
		filesMu.Unlock()
		sb.RegisterFile(seedIno, l, in, 0)
		fmt.Printf("inode %d opened: %d pages on tier %d at block %d\n", seedIno, seedNumPages, seedTier, block)
		return nil
	},
}

var (
	migrateIno      uint64
	migrateFromTier int
	migrateToTier   int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "migrate every entry of an open inode from one tier to another",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := fileFor(migrateIno)
		if err != nil {
			return err
		}

		var bar *tlog.Bar
		if cli, ok := log.(*tlog.CLI); ok {
			bar = cli.NewProgress(fmt.Sprintf("migrate inode %d", migrateIno), int64(len(f.log.Entries())))
		}

		err = sb.MigrateFileTier(context.Background(), f.log, f.node, tieraddr.Tier(migrateFromTier), tieraddr.Tier(migrateToTier))
		if bar != nil {
			bar.Increment(int64(len(f.log.Entries())))
			bar.Done()
		}
		if err != nil {
			return err
		}
		fmt.Printf("inode %d migrated tier %d -> tier %d\n", migrateIno, migrateFromTier, migrateToTier)
		return nil
	},
}

var (
	rotateIno      uint64
	rotateXFSTests bool
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "move an open inode one step around the tier rotate cycle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := fileFor(rotateIno)
		if err != nil {
			return err
		}
		mode := capacity.RotateSteady
		if rotateXFSTests {
			mode = capacity.RotateXFSTests
		}
		if err := sb.RotateFile(context.Background(), rotateIno, mode); err != nil {
			return err
		}
		tier, _ := sb.CurrentTier(f.log)
		fmt.Printf("inode %d rotated, now on tier %d\n", rotateIno, tier)
		return nil
	},
}

var promoteIno uint64

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "migrate every entry of an open inode to PMEM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := fileFor(promoteIno); err != nil {
			return err
		}
		if err := sb.MigrateFileToPmem(context.Background(), promoteIno); err != nil {
			return err
		}
		fmt.Printf("inode %d promoted to PMEM\n", promoteIno)
		return nil
	},
}

var inspectIno uint64

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "print every write entry in an open inode's log, in append order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := fileFor(inspectIno)
		if err != nil {
			return err
		}
		lines := writelog.Dump(f.log, func(e *writelog.Entry) string {
			return fmt.Sprintf("tier=%d pgoff=%d pages=%d block=%d updating=%v",
				e.Tier, e.Pgoff, e.NumPages, e.Block, e.Updating)
		})
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil
	},
}

func init() {
	seedCmd.Flags().Uint64Var(&seedIno, "ino", 100, "synthetic inode number")
	seedCmd.Flags().IntVar(&seedTier, "tier", 0, "tier to place the entry on (0 = PMEM)")
	seedCmd.Flags().Uint32Var(&seedNumPages, "pages", 4, "number of pages in the seeded entry")

	migrateCmd.Flags().Uint64Var(&migrateIno, "ino", 100, "open inode number")
	migrateCmd.Flags().IntVar(&migrateFromTier, "from", 0, "source tier")
	migrateCmd.Flags().IntVar(&migrateToTier, "to", 1, "destination tier")

	rotateCmd.Flags().Uint64Var(&rotateIno, "ino", 100, "open inode number")
	rotateCmd.Flags().BoolVar(&rotateXFSTests, "xfstests", false, "use the XFS test rotate cycle (bdev-low rotates back to PMEM)")

	promoteCmd.Flags().Uint64Var(&promoteIno, "ino", 100, "open inode number")

	inspectCmd.Flags().Uint64Var(&inspectIno, "ino", 100, "open inode number")
}

func init() {
	allocCmd.Flags().IntVar(&allocTier, "tier", 0, "tier number (0 = PMEM)")
	allocCmd.Flags().IntVar(&allocCPU, "cpu", tieralloc.ANY_CPU, "cpu shard, or -1 for any")
	allocCmd.Flags().Uint64Var(&allocN, "n", 1, "number of blocks to allocate")
	allocCmd.Flags().BoolVar(&allocTail, "from-tail", false, "allocate from the tail instead of the head")

	freeCmd.Flags().Uint64Var(&freeBlock, "block", 0, "starting global block number")
	freeCmd.Flags().Uint64Var(&freeN, "n", 1, "number of blocks to free")
}
