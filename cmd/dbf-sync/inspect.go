package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Lllllllleong/dbfsync/internal/dbf"
	"github.com/Lllllllleong/dbfsync/internal/services"
	"github.com/spf13/cobra"
)

var inspectOpts struct {
	encoding  string
	hashField string
	limit     int
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.dbf>",
	Short: "Print the fields and documents a local DBF file would produce",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		table, err := dbf.Parse(data, dbf.WithEncoding(inspectOpts.encoding))
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[0], err)
		}
		records, err := table.Records()
		if err != nil {
			return fmt.Errorf("failed to read records of %s: %w", args[0], err)
		}
		docs, skipped := services.BuildDocuments(table.FieldNames(), records, inspectOpts.hashField)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "collection: %s\n", services.CollectionName(filepath.Base(args[0])))
		fmt.Fprintf(out, "version: 0x%02x  records: %d  live: %d  skipped: %d\n", table.Version, table.RecordCount(), len(records), skipped)
		for _, f := range table.Fields {
			fmt.Fprintf(out, "  %-11s %c %4d %2d\n", f.Name, f.Type, f.Length, f.Decimals)
		}
		if inspectOpts.limit >= 0 && len(docs) > inspectOpts.limit {
			docs = docs[:inspectOpts.limit]
		}
		enc := json.NewEncoder(out)
		for _, d := range docs {
			if err := enc.Encode(map[string]any{"id": d.ID, "data": d.Data}); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectOpts.encoding, "encoding", dbf.DefaultEncoding, "character encoding, or auto to use the language driver")
	inspectCmd.Flags().StringVar(&inspectOpts.hashField, "hash-field", "h", "document field holding the change hash")
	inspectCmd.Flags().IntVar(&inspectOpts.limit, "limit", 20, "documents to print; -1 prints all")
}
