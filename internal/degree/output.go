package degree

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"DistDegree/internal/types"
)

// writeOutput materializes both stages' results as tab-separated files,
// one file per non-empty partition: degree-part-NNNNN holds
// "nodeId\tinDegree" lines and hist-part-NNNNN holds
// "inDegree\tnodeCount" lines, each in ascending key order. Files are
// written under a staging directory and renamed into place atomically, so
// outputDir exists only for a completed job.
func writeOutput(outputDir string, degrees, histogram [][]types.ReduceResult) error {
	if _, err := os.Stat(outputDir); err == nil {
		return fmt.Errorf("output directory %s already exists", outputDir)
	}

	staging := outputDir + ".inprogress"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(staging)
		}
	}()

	for p, res := range degrees {
		if err := writePartition(filepath.Join(staging, fmt.Sprintf("degree-part-%05d", p)), res); err != nil {
			return err
		}
	}
	for p, res := range histogram {
		if err := writePartition(filepath.Join(staging, fmt.Sprintf("hist-part-%05d", p)), res); err != nil {
			return err
		}
	}

	if err := os.Rename(staging, outputDir); err != nil {
		return fmt.Errorf("failed to publish output directory: %w", err)
	}
	cleanup = false
	return nil
}

func writePartition(path string, results []types.ReduceResult) error {
	if len(results) == 0 {
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\n", r.Key, r.Total)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write output file %s: %w", path, err)
	}
	return f.Close()
}
