package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/regpull/internal/registry"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping [REGISTRY...]",
		Short: "Check that registries answer the V2 API",
		Long: `Send GET /v2/ to each registry and report latency and the
authentication scheme it asks for. Without arguments every registry in the
config file is checked.`,
		Example: `  regpull ping
  regpull ping docker.io ghcr.io quay.io localhost:5000`,
		RunE: pingRun,
	}
}

func pingRun(cmd *cobra.Command, args []string) error {
	hosts := args
	if len(hosts) == 0 {
		for name, r := range globalCfg.Registries {
			if r.Host != "" {
				name = r.Host
			}
			hosts = append(hosts, name)
		}
		sort.Strings(hosts)
	}
	if len(hosts) == 0 {
		return fmt.Errorf("no registries given and none configured")
	}

	clients := make([]*registry.Client, 0, len(hosts))
	for _, h := range hosts {
		c, err := newRegistryClient(h)
		if err != nil {
			return err
		}
		clients = append(clients, c)
	}

	results := registry.Probe(commandContext(cmd), clients)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REGISTRY\tLATENCY\tAUTH\tREALM")
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Fprintf(w, "%s\t-\terror: %s\t\n", r.Host, r.Error)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Host, r.Latency.Round(time.Millisecond), r.Auth, r.Realm)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d registries unreachable", failed, len(results))
	}
	return nil
}
