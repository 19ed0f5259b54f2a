package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/andi/xmlconv/backend/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List converted artifacts grouped by source document",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := rt.wire(cmd.Context(), nil); err != nil {
			return err
		}

		listing, err := rt.svc.List(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if listJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(listing)
		}

		if len(listing.Groups) == 0 {
			fmt.Fprintln(out, "no artifacts")
			return nil
		}
		for _, g := range listing.Groups {
			fmt.Fprintf(out, "%s  %s  %s\n",
				color.New(color.Bold).Sprint(g.OriginalName),
				color.HiBlackString(g.ID),
				g.NewestModifiedAt.Format(time.RFC3339))
			for _, kind := range models.ArtifactKinds {
				a, ok := g.Artifacts[kind]
				if !ok {
					continue
				}
				fmt.Fprintf(out, "  %-5s %s (%d bytes)\n", color.CyanString(string(kind)), a.FileName, a.SizeBytes)
			}
		}
		return nil
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Show runtime capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := rt.wire(cmd.Context(), nil); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rt.svc.Environment())
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON instead of a table")
}
