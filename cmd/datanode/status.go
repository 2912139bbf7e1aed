package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tunnelmesh/datanode/internal/block"
	"github.com/tunnelmesh/datanode/internal/upgrade"
	"github.com/tunnelmesh/datanode/internal/upgradestate"
	"github.com/tunnelmesh/datanode/internal/volume"
	"github.com/tunnelmesh/datanode/pkg/bytesize"
)

// poolReport is the read-only status of one pool as printed by "datanode status".
type poolReport struct {
	Pool            string `json:"pool"`
	State           string `json:"state"`
	TrashActive     bool   `json:"trash_active"`
	TrashRootExists bool   `json:"trash_root_exists"`
	TrashBytes      int64  `json:"trash_bytes"`
	SessionID       string `json:"session_id,omitempty"`
	Consistent      bool   `json:"consistent"`
	OverWarnSize    bool   `json:"over_warn_size"`
}

type statusReport struct {
	DataDir string        `json:"data_dir"`
	Volume  *volume.Stats `json:"volume,omitempty"`
	Pools   []poolReport  `json:"pools"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	report, err := collectStatus(cfg.DataDir, cfg.Pools(), cfg.TrashWarnSize.Bytes())
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(os.Stdout, report)
	return nil
}

// collectStatus reads markers and trash roots without changing either.
func collectStatus(dataDir string, configured []block.PoolID, warnBytes int64) (*statusReport, error) {
	discovered, err := upgrade.DiscoverPools(dataDir)
	if err != nil {
		return nil, err
	}

	seen := make(map[block.PoolID]bool)
	var pools []block.PoolID
	for _, p := range append(append([]block.PoolID{}, configured...), discovered...) {
		if !seen[p] {
			seen[p] = true
			pools = append(pools, p)
		}
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i] < pools[j] })

	report := &statusReport{DataDir: dataDir}
	if stats, err := volume.GetStats(dataDir); err == nil {
		report.Volume = &stats
	}

	states := upgradestate.NewStore(dataDir)
	for _, p := range pools {
		marker, err := states.Load(p)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", p, err)
		}
		layout := block.NewLayout(dataDir, p)
		info, statErr := os.Stat(layout.TrashRoot())
		rootExists := statErr == nil && info.IsDir()
		size, err := volume.DirSize(layout.TrashRoot())
		if err != nil {
			return nil, fmt.Errorf("pool %s: trash size: %w", p, err)
		}
		active := marker.State == upgradestate.TrashActive

		report.Pools = append(report.Pools, poolReport{
			Pool:            p.String(),
			State:           marker.State.String(),
			TrashActive:     active,
			TrashRootExists: rootExists,
			TrashBytes:      size,
			SessionID:       marker.SessionID,
			Consistent:      active == rootExists,
			OverWarnSize:    warnBytes > 0 && size > warnBytes,
		})
	}
	return report, nil
}

func printStatus(out io.Writer, report *statusReport) {
	fmt.Fprintf(out, "Data dir: %s\n", report.DataDir)
	if report.Volume != nil {
		fmt.Fprintf(out, "Volume:   %s available of %s\n",
			bytesize.Format(report.Volume.AvailableBytes), bytesize.Format(report.Volume.TotalBytes))
	}
	fmt.Fprintln(out)

	if len(report.Pools) == 0 {
		fmt.Fprintln(out, "No block pools found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "POOL\tSTATE\tTRASH ROOT\tTRASH SIZE\tCONSISTENT")
	for _, p := range report.Pools {
		size := bytesize.Format(p.TrashBytes)
		if p.OverWarnSize {
			size += " (!)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.Pool, p.State, yesNo(p.TrashRootExists), size, yesNo(p.Consistent))
	}
	_ = w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
