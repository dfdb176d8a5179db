package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mdmview/internal/events"
)

func newNotifyCommand(root *rootOptions) *cobra.Command {
	var natsURL string
	var subject string

	cmd := &cobra.Command{
		Use:   "notify [machineId]",
		Short: "Tell running servers that machine data changed",
		Long: `Publishes a machine update event. Servers subscribed to the subject drop their
cached machine list and, when a machine id is given, that machine's reports.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("nats") {
				cfg.NATSURL = natsURL
			}
			if cmd.Flags().Changed("subject") {
				cfg.NATSSubject = subject
			}
			if cfg.NATSURL == "" {
				return fmt.Errorf("a NATS url is required (--nats or MDMVIEW_NATS_URL)")
			}

			log, err := root.logger(cfg)
			if err != nil {
				return err
			}
			nc, err := events.Connect(cfg.NATSURL, "mdmctl", log)
			if err != nil {
				return err
			}
			defer nc.Close()

			var update events.Update
			if len(args) == 1 {
				update.MachineID = args[0]
			}
			if err := events.Publish(nc, cfg.NATSSubject, update); err != nil {
				return err
			}
			target := "all machines"
			if update.MachineID != "" {
				target = update.MachineID
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published update for %s on %s\n", target, cfg.NATSSubject)
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", events.DefaultSubject, "Subject to publish on")
	return cmd
}
