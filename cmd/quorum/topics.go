package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the configured approvement topics",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tVOTES\tTIMEOUT\tCHANNELS\tDESCRIPTION")
		for _, t := range cfg.DomainTopics() {
			var bound []string
			for _, ch := range cfg.Channels {
				for _, b := range ch.Bindings {
					if b.Topic == t.Name {
						bound = append(bound, ch.Name)
					}
				}
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%v\t%s\n", t.Name, t.RequireVotes, t.ExpireTimeout, bound, t.Description)
		}
		return tw.Flush()
	},
}
