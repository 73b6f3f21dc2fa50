package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/camgate/backend/cmd/server"
	"github.com/camgate/backend/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAppConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.Start(ctx, cfg)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the local camera table with the NVR once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAppConfig()
		if err != nil {
			return err
		}
		storage, err := services.NewStorage(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer storage.Close()

		registry := services.NewCameraRegistry(storage.DB(), server.NewDevice(cfg), 2*cfg.NVR.Timeout)
		defer registry.Close()

		report, err := registry.Sync(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if jsonOutput {
			return printJSON(report)
		}
		if report.Skipped {
			fmt.Printf("Sync skipped: %s\n", report.Reason)
			return nil
		}
		fmt.Printf("Reported %d channel(s), kept %d: %d created, %d updated, %d disabled\n",
			report.Reported, report.Kept, report.Created, report.Updated, report.Disabled)
		return nil
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the NVR's streaming channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAppConfig()
		if err != nil {
			return err
		}
		channels, err := server.NewDevice(cfg).ListChannels(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing channels: %w", err)
		}
		if jsonOutput {
			return printJSON(channels)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENABLED\tTRANSPORT")
		for _, ch := range channels {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", ch.ID, ch.Name, ch.Enabled, ch.Transport)
		}
		return w.Flush()
	},
}

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "List the NVR's event triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAppConfig()
		if err != nil {
			return err
		}
		triggers, err := server.NewDevice(cfg).ListEventTriggers(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing triggers: %w", err)
		}
		if jsonOutput {
			return printJSON(triggers)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tPORT")
		for _, t := range triggers {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Type, t.Port)
		}
		return w.Flush()
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
