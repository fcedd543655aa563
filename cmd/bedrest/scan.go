package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/devicefactory"
	"github.com/srg/bedrest/pkg/config"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List advertising beds and whether each is configured",
	Long: `Scan once for peripherals advertising the bed service and print what was
seen next to the configured beds. Useful for finding the address of a new bed
or checking why one never connects.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Show every advertiser, not only the bed service")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", scanDuration)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	central, err := devicefactory.CentralFactory(logger)
	if err != nil {
		return fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	defer func() { _ = central.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceUUID := cfg.ServiceUUID
	if scanAll {
		serviceUUID = ""
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Scanning for %s...\n", scanDuration)
	seen, err := collectAdvertisements(ctx, central, serviceUUID, scanDuration)
	if err != nil {
		return err
	}
	return writeScanReport(cmd.OutOrStdout(), seen, cfg.Beds)
}

// collectAdvertisements scans for d and returns the latest advertisement per address.
func collectAdvertisements(ctx context.Context, central device.Central, serviceUUID string, d time.Duration) ([]device.Advertisement, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var mu sync.Mutex
	latest := make(map[string]device.Advertisement)
	err := central.Scan(ctx, serviceUUID, func(a device.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		latest[device.NormalizeAddress(a.Address)] = a
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]device.Advertisement, 0, len(latest))
	for addr, a := range latest {
		a.Address = addr
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// writeScanReport prints every advertiser seen, then configured beds that never showed up.
func writeScanReport(w io.Writer, seen []device.Advertisement, beds *config.Beds) error {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, bold.Sprint("ADDRESS")+"\t"+bold.Sprint("NAME")+"\t"+bold.Sprint("RSSI")+"\t"+bold.Sprint("BED"))

	found := make(map[string]bool, len(seen))
	for _, a := range seen {
		name := a.LocalName
		if name == "" {
			name = "-"
		}
		status := yellow.Sprint("not configured")
		if label, ok := beds.Label(a.Address); ok {
			status = green.Sprint(label)
			found[a.Address] = true
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", a.Address, name, a.RSSI, status)
	}

	for _, b := range beds.List() {
		if !found[b.Address] {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Address, "-", "-", red.Sprintf("%s (not seen)", b.Label))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d advertiser(s), %d of %d configured bed(s) seen\n", len(seen), len(found), beds.Len())
	return nil
}
