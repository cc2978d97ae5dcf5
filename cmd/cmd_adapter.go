// cmd_adapter.go - adapter subcommands
// Main functions: newAdapterCmd, newAdapterRegisterCmd, newAdapterListCmd,
// newAdapterGetCmd, newAdapterEnableCmd, newAdapterDisableCmd,
// newAdapterExportCmd, newAdapterImportCmd, openRegistry, newAdapterManager
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ignite-run/ignite/envconfig"
	"github.com/ignite-run/ignite/lora"
	"github.com/ignite-run/ignite/manifest"
	"github.com/ignite-run/ignite/registry"
	"github.com/ignite-run/ignite/store"
)

// openRegistry opens the SQLite-backed adapter registry rooted at
// envconfig.ModelsDir, the same location cmd_serve.go uses so the CLI
// and the HTTP API share one catalog.
func openRegistry() (*registry.Registry, error) {
	dir := envconfig.ModelsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	storage, err := registry.OpenSQLiteStorage(filepath.Join(dir, "adapters.db"))
	if err != nil {
		return nil, fmt.Errorf("ignite adapter: open registry: %w", err)
	}
	return registry.New(storage, int(envconfig.AdapterCacheSize())), nil
}

func newAdapterManager() *lora.Manager {
	return lora.NewManager(store.DiskAdapterLoader{}, 0, 2, lora.StackOptions{Strategy: lora.MergeWeightedSum, NormalizeWeights: true})
}

func newAdapterCmd() *cobra.Command {
	adapterCmd := &cobra.Command{
		Use:   "adapter",
		Short: "Manage LoRA adapters in the local registry",
	}

	adapterCmd.AddCommand(
		newAdapterRegisterCmd(),
		newAdapterListCmd(),
		newAdapterGetCmd(),
		newAdapterEnableCmd(),
		newAdapterDisableCmd(),
		newAdapterExportCmd(),
		newAdapterImportCmd(),
	)
	return adapterCmd
}

func newAdapterRegisterCmd() *cobra.Command {
	var tags []string
	c := &cobra.Command{
		Use:   "register DIR",
		Short: "Validate and register an adapter directory's manifest.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			data, err := store.ReadFile(dir, "manifest.json")
			if err != nil {
				return fmt.Errorf("ignite adapter register: %w", err)
			}
			m, err := manifest.ParseManifest(data)
			if err != nil {
				return fmt.Errorf("ignite adapter register: %w", err)
			}
			if res := manifest.ValidateManifest(*m); !res.Valid {
				return fmt.Errorf("ignite adapter register: invalid manifest: %v", res.Errors)
			}

			reg, err := openRegistry()
			if err != nil {
				return err
			}
			e, err := reg.Register(*m, dir, tags)
			if err != nil {
				return fmt.Errorf("ignite adapter register: %w", err)
			}
			fmt.Printf("registered %s (%s)\n", e.ID, e.Manifest.Name)
			return nil
		},
	}
	c.Flags().StringSliceVar(&tags, "tag", nil, "Tags to attach to the registered adapter")
	return c
}

func newAdapterListCmd() *cobra.Command {
	var baseModel, sortBy string
	c := &cobra.Command{
		Use:   "list",
		Short: "List registered adapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			entries, err := reg.List(registry.ListQuery{BaseModel: baseModel, SortBy: sortBy})
			if err != nil {
				return fmt.Errorf("ignite adapter list: %w", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "NAME", "BASE MODEL", "RANK", "TAGS"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			for _, e := range entries {
				table.Append([]string{e.ID, e.Manifest.Name, e.Manifest.BaseModel, fmt.Sprintf("%d", e.Manifest.Rank), strings.Join(e.Tags, ",")})
			}
			table.Render()
			return nil
		},
	}
	c.Flags().StringVar(&baseModel, "base-model", "", "Filter by exact base model name")
	c.Flags().StringVar(&sortBy, "sort", "name", "Sort by name|registeredAt|updatedAt|lastAccessedAt")
	return c
}

func newAdapterGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one registered adapter's details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			e, err := reg.Get(args[0])
			if err != nil {
				return fmt.Errorf("ignite adapter get: %w", err)
			}
			fmt.Printf("id:       %s\n", e.ID)
			fmt.Printf("name:     %s\n", e.Manifest.Name)
			fmt.Printf("base:     %s\n", e.Manifest.BaseModel)
			fmt.Printf("rank:     %d\n", e.Manifest.Rank)
			fmt.Printf("alpha:    %g\n", e.Manifest.Alpha)
			fmt.Printf("location: %s\n", e.Location)
			fmt.Printf("tags:     %s\n", strings.Join(e.Tags, ","))
			return nil
		},
	}
}

func newAdapterEnableCmd() *cobra.Command {
	var weight float64
	c := &cobra.Command{
		Use:   "enable ID",
		Short: "Load (if needed) and enable a registered adapter for generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			e, err := reg.Get(args[0])
			if err != nil {
				return fmt.Errorf("ignite adapter enable: %w", err)
			}

			mgr := newAdapterManager()
			if err := mgr.Load(e.ID, e.Location); err != nil && err != lora.ErrAlreadyLoaded {
				return fmt.Errorf("ignite adapter enable: %w", err)
			}
			opts := lora.EnableOptions{ExpectedBaseModel: e.Manifest.BaseModel}
			if cmd.Flags().Changed("weight") {
				opts.Weight = &weight
			}
			if err := mgr.Enable(e.ID, opts); err != nil {
				return fmt.Errorf("ignite adapter enable: %w", err)
			}
			fmt.Printf("enabled %s\n", e.ID)
			return nil
		},
	}
	c.Flags().Float64Var(&weight, "weight", 1.0, "Adapter blend weight")
	return c
}

func newAdapterDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable ID",
		Short: "Disable an enabled adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := newAdapterManager()
			if err := mgr.Disable(args[0]); err != nil {
				return fmt.Errorf("ignite adapter disable: %w", err)
			}
			fmt.Printf("disabled %s\n", args[0])
			return nil
		},
	}
}

func newAdapterExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export OUTFILE",
		Short: "Export the adapter catalog to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			data, err := reg.ExportToJSON()
			if err != nil {
				return fmt.Errorf("ignite adapter export: %w", err)
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return fmt.Errorf("ignite adapter export: %w", err)
			}
			fmt.Printf("exported catalog to %s\n", args[0])
			return nil
		},
	}
}

func newAdapterImportCmd() *cobra.Command {
	var overwrite, merge bool
	c := &cobra.Command{
		Use:   "import INFILE",
		Short: "Import a previously exported adapter catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("ignite adapter import: %w", err)
			}
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			n, err := reg.ImportFromJSON(data, registry.ImportOptions{Overwrite: overwrite, Merge: merge})
			if err != nil {
				return fmt.Errorf("ignite adapter import: %w", err)
			}
			fmt.Printf("imported %d adapters\n", n)
			return nil
		},
	}
	c.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing entries with the same id")
	c.Flags().BoolVar(&merge, "merge", false, "Shallow-merge metadata/tags into existing entries")
	return c
}
