package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/regpull/internal/platform"
	"github.com/BadgerOps/regpull/internal/reference"
	"github.com/BadgerOps/regpull/internal/registry"
)

var (
	listLimit       int
	listLast        string
	catalogRegistry string
	inspectPlatform string
	inspectRaw      bool
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// clientFor parses arg and returns a client for its registry.
func clientFor(arg string) (*registry.Client, reference.Reference, error) {
	ref, err := reference.ParseNormalizedNamed(arg)
	if err != nil {
		return nil, nil, err
	}
	host, _, _ := reference.Repository(ref)
	client, err := newRegistryClient(host)
	if err != nil {
		return nil, nil, err
	}
	return client, ref, nil
}

func newTagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags REPOSITORY",
		Short: "List the tags of a repository",
		Example: `  regpull tags alpine
  regpull tags -n 50 --last 3.18 quay.io/prometheus/node-exporter`,
		Args: cobra.ExactArgs(1),
		RunE: tagsRun,
	}
	cmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "maximum number of entries (0 lets the registry decide)")
	cmd.Flags().StringVar(&listLast, "last", "", "list entries after this one")
	return cmd
}

func tagsRun(cmd *cobra.Command, args []string) error {
	client, ref, err := clientFor(args[0])
	if err != nil {
		return err
	}
	tags, err := client.ListTags(commandContext(cmd), ref, listLimit, listLast)
	if err != nil {
		return err
	}
	slog.Default().Debug("listed tags", "repository", tags.Name, "count", len(tags.Tags))
	for _, t := range tags.Tags {
		fmt.Println(t)
	}
	return nil
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List repositories on a registry",
		Long: `List repositories through the /v2/_catalog endpoint. Most public
registries disable it; private registries usually allow it.`,
		Example: `  regpull catalog --registry localhost:5000
  regpull catalog --registry registry.internal -n 100 --last team/app`,
		Args: cobra.NoArgs,
		RunE: catalogRun,
	}
	cmd.Flags().StringVar(&catalogRegistry, "registry", reference.DefaultDomain, "registry host")
	cmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "maximum number of entries (0 lets the registry decide)")
	cmd.Flags().StringVar(&listLast, "last", "", "list entries after this one")
	return cmd
}

func catalogRun(cmd *cobra.Command, args []string) error {
	client, err := newRegistryClient(catalogRegistry)
	if err != nil {
		return err
	}
	repos, err := client.Catalog(commandContext(cmd), listLimit, listLast)
	if err != nil {
		return err
	}
	for _, r := range repos {
		fmt.Println(r)
	}
	return nil
}

func newExistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exist IMAGE",
		Short: "Check whether an image manifest exists",
		Example: `  regpull exist alpine:3.20
  regpull exist localhost:5000/team/app@sha256:...`,
		Args: cobra.ExactArgs(1),
		RunE: existRun,
	}
}

func existRun(cmd *cobra.Command, args []string) error {
	client, ref, err := clientFor(args[0])
	if err != nil {
		return err
	}
	ok, err := client.Exist(commandContext(cmd), ref)
	if err != nil {
		return err
	}
	fmt.Println(ok)
	if !ok {
		return fmt.Errorf("%s: %w", ref, registry.ErrManifestNotFound)
	}
	return nil
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect IMAGE",
		Short: "Show the manifest of an image",
		Long: `Resolve an image for one platform and print its manifest digest, config
and layers. --raw prints the manifest document exactly as served.`,
		Example: `  regpull inspect nginx:1.27
  regpull inspect --platform linux/arm64/v8 --raw nginx:1.27`,
		Args: cobra.ExactArgs(1),
		RunE: inspectRun,
	}
	cmd.Flags().StringVar(&inspectPlatform, "platform", "", "platform as os/arch[/variant] (default from config)")
	cmd.Flags().BoolVar(&inspectRaw, "raw", false, "print the raw manifest JSON")
	return cmd
}

func inspectRun(cmd *cobra.Command, args []string) error {
	want := globalCfg.Pull.Platform
	if inspectPlatform != "" {
		want = inspectPlatform
	}
	p, err := platform.Parse(want)
	if err != nil {
		return err
	}

	client, ref, err := clientFor(args[0])
	if err != nil {
		return err
	}
	m, err := client.FetchManifest(commandContext(cmd), ref, p)
	if err != nil {
		return err
	}

	if inspectRaw {
		fmt.Println(string(m.Raw))
		return nil
	}

	var total int64
	for _, l := range m.Layers {
		total += l.Size
	}
	fmt.Printf("Name:      %s\n", reference.FamiliarString(ref))
	fmt.Printf("Digest:    %s\n", m.Digest)
	fmt.Printf("MediaType: %s\n", m.MediaType)
	fmt.Printf("Platform:  %s\n", p)
	fmt.Printf("Config:    %s\n", m.Config.Digest)
	fmt.Printf("Layers:    %d (%s)\n", len(m.Layers), humanize.Bytes(uint64(total)))
	for _, l := range m.Layers {
		fmt.Printf("  %s  %8s  %s\n", l.Digest, humanize.Bytes(uint64(l.Size)), l.MediaType)
	}
	return nil
}
