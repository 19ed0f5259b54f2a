package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var convertCmd = &cobra.Command{
	Use:   "convert <file.xml>",
	Short: "Stage and convert one local XML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.Close()

		out := cmd.OutOrStdout()
		if err := rt.wire(cmd.Context(), &consolePublisher{out: out}); err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		doc, job, err := rt.svc.UploadAndProcess(cmd.Context(), f, filepath.Base(args[0]))
		if doc != nil {
			fmt.Fprintf(out, "staged %s as %s\n", doc.OriginalName, doc.StoredName)
		}
		if job != nil {
			printJob(out, rt.cfg.Storage.ConvertedPath(), job)
		}
		if err != nil {
			return fmt.Errorf("%s: %s", apperr.KindOf(err), apperr.Message(err))
		}
		return nil
	},
}

func printJob(w io.Writer, convertedDir string, job *models.ConversionJob) {
	state := color.GreenString(string(job.State))
	if job.State == models.JobStateFailed {
		state = color.RedString(string(job.State))
	}
	fmt.Fprintf(w, "job %s %s", job.ID, state)
	if job.IsDemo {
		fmt.Fprint(w, color.YellowString(" (demo)"))
	}
	fmt.Fprintf(w, " in %s\n", job.Duration())

	if job.ErrorMessage != "" {
		fmt.Fprintf(w, "  %s: %s\n", color.RedString(job.ErrorKind), job.ErrorMessage)
	}

	kinds := make([]string, 0, len(job.OutputFiles))
	for kind := range job.OutputFiles {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		name := job.OutputFiles[models.ArtifactKind(kind)]
		fmt.Fprintf(w, "  %-5s %s\n", color.CyanString(kind), filepath.Join(convertedDir, name))
	}
}
