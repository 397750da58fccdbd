// Command sheetbuilder submits a PDF to a sheetbuilder server, watches
// progress, and downloads the finished document. Reattachment state is kept
// in a local file, so re-running after an interruption resumes the job
// instead of re-uploading.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/progress"
	"github.com/Whateverdoa/SHEETBUILDER-2/pkg/client"
)

func main() {
	var (
		serverURL string
		rotation  int
		order     string
		output    string
		stateFile string
	)

	rootCmd := &cobra.Command{
		Use:   "sheetbuilder <file.pdf>",
		Short: "Submit a PDF for sheet composition and download the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			if stateFile == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolve home directory: %w", err)
				}
				stateFile = filepath.Join(home, ".sheetbuilder-jobs.json")
			}

			c := client.New(serverURL, client.NewFileStore(stateFile), logger)
			c.OnProgress = func(evt progress.Event) {
				fmt.Fprintf(os.Stderr, "\r%-22s %5.1f%%  page %d/%d",
					evt.Stage, evt.PercentComplete, evt.CurrentPage, evt.TotalPages)
			}

			result, err := c.ProcessFile(cmd.Context(), args[0], rotation, order)
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}

			fmt.Printf("done: %d pages packed onto %d sheets in %dms\n",
				result.InputPages, result.OutputPages, result.ProcessingTimeMillis)

			if output == "" {
				output = result.OutputFileName
			}
			if err := c.Download(cmd.Context(), result.DownloadPath, output); err != nil {
				return err
			}
			fmt.Printf("saved %s\n", output)
			return nil
		},
	}

	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "sheetbuilder server URL")
	rootCmd.Flags().IntVar(&rotation, "rotation", 0, "rotation angle in degrees (0..360)")
	rootCmd.Flags().StringVar(&order, "order", "Norm", "page order: Norm or Rev")
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "destination path for the finished document")
	rootCmd.Flags().StringVar(&stateFile, "state-file", "", "path of the reattachment state file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
