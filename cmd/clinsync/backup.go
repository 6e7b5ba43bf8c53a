package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/clinsync/clinsync/internal/backup"
	"github.com/clinsync/clinsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "records",
	Short:   "Export all records as JSONL",
	Run: func(cmd *cobra.Command, args []string) {
		owner := requireOwner()
		st := openStore()
		defer st.Close()

		var w io.Writer = os.Stdout
		out, _ := cmd.Flags().GetString("out")
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			w = f
		}

		if err := backup.ExportJSONL(context.Background(), st, owner, w); err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
			os.Exit(1)
		}
		if out != "" {
			fmt.Printf("%s Exported to %s\n", ui.RenderSuccess("✓"), out)
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "records",
	Short:   "Import records from a JSONL export or YAML seed file",
	Long: `Import records into the local database. Imported records are created
fresh for the signed-in practitioner and pushed on the next sync;
canonical patient IDs are reassigned by the server.

With --seed the input is parsed as a YAML seed file instead of JSONL.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		owner := requireOwner()
		st := openStore()
		defer st.Close()

		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening input file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		seed, _ := cmd.Flags().GetBool("seed")

		var result *backup.ImportResult
		if seed {
			result, err = backup.ImportSeedYAML(context.Background(), st, owner, f)
		} else {
			result, err = backup.ImportJSONL(context.Background(), st, owner, f)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Imported %d patients, %d notes\n",
			ui.RenderSuccess("✓"), result.Patients, result.Notes)
		for _, s := range result.Skipped {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠ skipped:"), s)
		}
	},
}

func init() {
	exportCmd.Flags().String("out", "", "output file (default stdout)")
	importCmd.Flags().Bool("seed", false, "treat input as a YAML seed file")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
