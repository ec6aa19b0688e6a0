package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-archive-download/internal/downloader"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files")
	cleanCmd.Flags().Bool("dry-run", false, "List matching files without removing them")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftover partial (.part) files from the download directory",
	Long: `Recursively scans the configured SavePath and removes files ending in
the .part extension, which are left behind by removed or abandoned
downloads. Paused and queued tasks keep their .part files through a
normal shutdown, so only run this when the queue is empty or those
partial transfers are no longer wanted.`,
	RunE: runClean,
}

func runClean(cmd *cobra.Command, args []string) error {
	savePath := globalConfig.SavePath
	cleanTorrents, _ := cmd.Flags().GetBool("torrents")
	cleanMagnets, _ := cmd.Flags().GetBool("magnets")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if savePath == "" {
		return fmt.Errorf("SavePath is not configured, cannot determine where to clean")
	}
	info, err := os.Stat(savePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("SavePath directory does not exist: %s", savePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing SavePath %q: %w", savePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("SavePath is not a directory: %s", savePath)
	}

	log.Infof("Scanning for leftover files in %s...", savePath)

	var removed, failed int
	walkErr := filepath.Walk(savePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if info.IsDir() {
			return nil
		}

		lowerName := strings.ToLower(info.Name())
		match := strings.HasSuffix(lowerName, downloader.PartSuffix) ||
			(cleanTorrents && strings.HasSuffix(lowerName, ".torrent")) ||
			(cleanMagnets && strings.HasSuffix(lowerName, "-magnet.txt"))
		if !match {
			return nil
		}

		if dryRun {
			fmt.Println(path)
			removed++
			return nil
		}
		if err := os.Remove(path); err != nil {
			log.Errorf("Failed to remove %q: %v", path, err)
			failed++
			return nil
		}
		log.Infof("Removed %s", path)
		removed++
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("error during directory walk of %q: %w", savePath, walkErr)
	}

	if dryRun {
		log.Infof("Dry run complete. %d file(s) would be removed.", removed)
		return nil
	}
	log.Infof("Clean complete. Removed %d file(s).", removed)
	if failed > 0 {
		return fmt.Errorf("failed to remove %d file(s)", failed)
	}
	return nil
}
