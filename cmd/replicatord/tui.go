package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/replicore/internal/daemon"
	"github.com/jfoltran/replicore/internal/metrics"
	"github.com/jfoltran/replicore/internal/tui"
)

var flagTUIAPIAddr string

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the status dashboard",
	Long: "Launch the status dashboard. With no --api-addr it polls the " +
		"local replicatord on --api-port; with --api-addr it polls a " +
		"remote replicatord's status API instead, for watching a daemon " +
		"with no attached terminal.",
	RunE: runTUI,
}

func init() {
	tuiCmd.Flags().IntVar(&flagAPIPort, "api-port", 8080, "port of the local replicatord's status API")
	tuiCmd.Flags().StringVar(&flagTUIAPIAddr, "api-addr", "", "base URL of a remote replicatord's status API (overrides --api-port)")
}

func runTUI(cmd *cobra.Command, args []string) error {
	addr := flagTUIAPIAddr
	if addr == "" {
		addr = apiAddr(flagAPIPort)
	}

	client := daemon.NewClient(addr)
	if err := client.Ping(); err != nil {
		return fmt.Errorf("cannot reach replicatord at %s: %w", addr, err)
	}

	collector := metrics.NewCollector(logger)
	defer collector.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pollRemote(ctx, client, collector)

	return tui.Run(collector)
}

// pollRemote relays a remote replicatord's status/log snapshots into a
// local Collector so the same Bubble Tea dashboard can render either a
// locally-running endpoint or one reached over the status API.
func pollRemote(ctx context.Context, client *daemon.Client, collector *metrics.Collector) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	seenLogs := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := client.Status()
			if err != nil {
				collector.RecordError("remote", "poll", err)
				continue
			}
			collector.SetMode(snap.Mode)
			for _, l := range snap.Links {
				collector.TrackLink(l.SourceEndpointID, l.LogName)
				collector.SetLinkState(l.SourceEndpointID, l.LogName, l.State)
				collector.RecordWrite(l.SourceEndpointID, l.LogName, 0, l.LocalProgress, l.RemoteSequenceNr)
			}

			logs, err := client.Logs()
			if err != nil || len(logs) <= seenLogs {
				continue
			}
			for _, entry := range logs[seenLogs:] {
				collector.AddLog(entry)
			}
			seenLogs = len(logs)
		}
	}
}
