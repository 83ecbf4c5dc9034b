package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/absmach/roundsync/pkg/dataset"
	"github.com/spf13/cobra"
)

const meanFile = "mean.txt"

func NewPrepareCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "prepare <cifar-dir> <out-dir>",
		Short: "Preprocess CIFAR-10 into per-worker chunks",
		Long: `Load the CIFAR-10 binary batches, subtract the training mean (written to
mean.txt), optionally normalize contrast, and split the training set into one
chunk per worker for the chunks dataset source.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			workers, _ := cmd.Flags().GetInt("workers")
			normalize, _ := cmd.Flags().GetBool("normalize")

			m, err := Prepare(args[0], args[1], workers, normalize)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			logJSONCmd(*cmd, m)
		},
	}

	cmd.Flags().IntP("workers", "w", 2, "Number of workers to split the training set for")
	cmd.Flags().BoolP("normalize", "n", false, "Apply per-example contrast normalization")

	return &cmd
}

// Prepare writes the preprocessed chunks of the CIFAR-10 batches in src to dst.
func Prepare(src, dst string, workers int, normalize bool) (dataset.Manifest, error) {
	train, test, err := dataset.LoadCIFAR10(src)
	if err != nil {
		return dataset.Manifest{}, err
	}

	mean := dataset.Mean(train)
	train, test = preprocess(train, test, normalize)

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return dataset.Manifest{}, fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if err := os.WriteFile(filepath.Join(dst, meanFile), []byte(strconv.FormatFloat(mean, 'g', -1, 64)+"\n"), 0o644); err != nil {
		return dataset.Manifest{}, fmt.Errorf("failed to write mean: %w", err)
	}

	return dataset.WriteChunks(dst, train, test, workers, mean)
}
