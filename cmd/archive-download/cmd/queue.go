package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-archive-download/index"
	"go-archive-download/internal/api"
	"go-archive-download/internal/cache"
	"go-archive-download/internal/downloader"
	"go-archive-download/internal/helpers"
	"go-archive-download/internal/models"
	"go-archive-download/internal/progress"
	"go-archive-download/internal/scheduler"
	"go-archive-download/internal/store"
)

var (
	addPriority     string
	addFiles        []string
	addOriginalOnly bool
	addPinMetadata  bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePauseCmd)
	queueCmd.AddCommand(queueResumeCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueReorderCmd)
	queueCmd.AddCommand(queueClearCompletedCmd)
	queueCmd.AddCommand(queueVerifyCmd)

	queueAddCmd.Flags().StringVarP(&addPriority, "priority", "p", "normal", "Task priority: low, normal or high")
	queueAddCmd.Flags().StringSliceVarP(&addFiles, "file", "f", nil, "Specific file name(s) within the item (default: all matching files)")
	queueAddCmd.Flags().BoolVar(&addOriginalOnly, "original-only", false, "Only queue original files, skipping archive.org derivatives")
	queueAddCmd.Flags().BoolVar(&addPinMetadata, "pin", false, "Pin the item's metadata in the cache")

	queueClearCompletedCmd.Flags().Int("days", 0, "Only remove tasks completed more than N days ago")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the persisted download queue",
}

// newOfflineScheduler wires a scheduler over the store without starting
// workers, so queue subcommands share the same transition rules the
// daemon enforces.
func newOfflineScheduler(taskStore *store.TaskStore) *scheduler.Scheduler {
	transport := downloader.NewDownloader(nil)
	tracker := progress.NewTracker(time.Duration(globalConfig.ProgressIntervalMs) * time.Millisecond)
	return scheduler.New(taskStore, transport, tracker, scheduler.Config{
		Concurrency: globalConfig.Concurrency,
		MaxRetries:  globalConfig.MaxRetries,
		RetryDelay:  time.Duration(globalConfig.RetryDelayMs) * time.Millisecond,
	})
}

func parsePriority(s string) (models.TaskPriority, error) {
	switch strings.ToLower(s) {
	case "low":
		return models.PriorityLow, nil
	case "normal", "":
		return models.PriorityNormal, nil
	case "high":
		return models.PriorityHigh, nil
	default:
		return models.PriorityNormal, fmt.Errorf("unknown priority %q (want low, normal or high)", s)
	}
}

var queueAddCmd = &cobra.Command{
	Use:   "add <identifier> [identifier...]",
	Short: "Queue downloads for one or more archive items",
	Long: `Resolves each item through the metadata cache (fetching from
archive.org on a miss), queues a download task per file and records the
item in the search index.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := parsePriority(addPriority)
		if err != nil {
			return err
		}

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		client := api.NewClient(newHttpClient())
		metaCache, err := openCache(db, client)
		if err != nil {
			return fmt.Errorf("error opening metadata cache: %w", err)
		}
		taskStore := store.New(db)
		sched := newOfflineScheduler(taskStore)

		idx, err := index.OpenOrCreate(globalConfig.IndexPath)
		if err != nil {
			log.WithError(err).Warn("Search index unavailable, continuing without indexing")
			idx = nil
		} else {
			defer idx.Close()
		}

		wanted := make(map[string]struct{}, len(addFiles))
		for _, name := range addFiles {
			wanted[name] = struct{}{}
		}

		queued := 0
		for _, identifier := range args {
			meta, err := resolveMetadata(cmd, metaCache, client, identifier, addPinMetadata)
			if err != nil {
				log.WithError(err).Errorf("Skipping %s", identifier)
				continue
			}

			if idx != nil {
				if err := index.IndexItem(idx, index.FromMetadata(meta)); err != nil {
					log.WithError(err).Warnf("Failed to index %s", identifier)
				}
			}

			for _, file := range meta.Files {
				if len(wanted) > 0 {
					if _, ok := wanted[file.Name]; !ok {
						continue
					}
				} else if addOriginalOnly && file.Source != "original" {
					continue
				}

				task := models.DownloadTask{
					Identifier: identifier,
					FileName:   file.Name,
					SourceURL:  models.DownloadURL(identifier, file.Name),
					TargetPath: filepath.Join(globalConfig.SavePath, helpers.ConvertToSlug(identifier), file.Name),
					Priority:   priority,
					TotalBytes: file.SizeBytes(),
					Hashes:     api.FileHashes(file),
				}
				stored, err := sched.Enqueue(task)
				if err != nil {
					if errors.Is(err, scheduler.ErrTaskExists) {
						log.Debugf("Already queued: %s/%s", identifier, file.Name)
					} else {
						log.WithError(err).Errorf("Failed to queue %s/%s", identifier, file.Name)
					}
					continue
				}
				log.Infof("Queued %s/%s as %s", identifier, file.Name, stored.ID)
				queued++
			}
		}

		log.Infof("Queued %d file(s) across %d item(s)", queued, len(args))
		return nil
	},
}

// resolveMetadata reads an item's metadata through the cache,
// populating it from the API on a miss.
func resolveMetadata(cmd *cobra.Command, metaCache *cache.MetadataCache, client *api.Client, identifier string, pin bool) (models.MetadataResponse, error) {
	var payload []byte

	entry, err := metaCache.Get(identifier)
	switch {
	case err == nil:
		payload = entry.Payload
		if pin && !entry.Pinned {
			if err := metaCache.SetPinned(identifier, true); err != nil {
				log.WithError(err).Warnf("Failed to pin metadata for %s", identifier)
			}
		}
	case errors.Is(err, cache.ErrCacheMiss):
		payload, err = client.GetItemMetadataRaw(cmd.Context(), identifier)
		if err != nil {
			return models.MetadataResponse{}, err
		}
		if err := metaCache.Put(identifier, payload, pin); err != nil {
			log.WithError(err).Warnf("Failed to cache metadata for %s", identifier)
		}
		if globalConfig.ApiDelayMs > 0 {
			time.Sleep(time.Duration(globalConfig.ApiDelayMs) * time.Millisecond)
		}
	default:
		return models.MetadataResponse{}, err
	}

	var meta models.MetadataResponse
	if err := json.Unmarshal(payload, &meta); err != nil {
		return models.MetadataResponse{}, fmt.Errorf("error unmarshalling metadata for %s: %w", identifier, err)
	}
	return meta, nil
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued, active and finished tasks in scheduling order",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		tasks, err := store.New(db).List()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tPROGRESS\tITEM\tFILE\tERROR")
		for _, task := range tasks {
			progressCell := helpers.BytesToSize(uint64(task.PartialBytes))
			if task.TotalBytes > 0 {
				progressCell = fmt.Sprintf("%s/%s", helpers.BytesToSize(uint64(task.PartialBytes)), helpers.BytesToSize(uint64(task.TotalBytes)))
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				task.ID, task.Status, task.Priority, progressCell, task.Identifier, task.FileName, task.ErrorMessage)
		}
		return w.Flush()
	},
}

// controlCommand builds the shared shape of the single-task lifecycle
// subcommands.
func controlCommand(use, short string, op func(*scheduler.Scheduler, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id> [task-id...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			sched := newOfflineScheduler(store.New(db))
			var failed int
			for _, id := range args {
				if err := op(sched, id); err != nil {
					log.WithError(err).Errorf("%s %s failed", use, id)
					failed++
				} else {
					log.Infof("%s %s: ok", use, id)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d task(s) failed", failed)
			}
			return nil
		},
	}
}

var queuePauseCmd = controlCommand("pause", "Pause a downloading task, keeping its partial bytes",
	func(s *scheduler.Scheduler, id string) error { return s.Pause(id) })

var queueResumeCmd = controlCommand("resume", "Re-admit a paused task to the queue",
	func(s *scheduler.Scheduler, id string) error { return s.Resume(id) })

var queueRetryCmd = controlCommand("retry", "Re-queue an errored task with a fresh retry budget",
	func(s *scheduler.Scheduler, id string) error { return s.Retry(id) })

var queueRemoveCmd = controlCommand("remove", "Cancel a task, deleting its record and partial file",
	func(s *scheduler.Scheduler, id string) error { return s.Remove(id) })

var queueReorderCmd = &cobra.Command{
	Use:   "reorder <task-id> [task-id...]",
	Short: "Rewrite queue priorities so the given tasks run in the given order",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		sched := newOfflineScheduler(store.New(db))
		if err := sched.Reorder(args); err != nil {
			return err
		}
		log.Infof("Reordered %d task(s)", len(args))
		return nil
	},
}

var queueClearCompletedCmd = &cobra.Command{
	Use:   "clear-completed",
	Short: "Delete completed task records",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		removed, err := store.New(db).DeleteOldCompleted(days)
		if err != nil {
			return err
		}
		log.Infof("Removed %d completed task(s)", removed)
		return nil
	},
}

var queueVerifyCmd = &cobra.Command{
	Use:   "verify [task-id...]",
	Short: "Verify checksums of completed downloads",
	Long: `Re-hashes completed files on disk against the checksums recorded at
download time. With no arguments, verifies every completed task.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		taskStore := store.New(db)

		var tasks []models.DownloadTask
		if len(args) > 0 {
			for _, id := range args {
				task, err := taskStore.Get(id)
				if err != nil {
					return err
				}
				tasks = append(tasks, task)
			}
		} else {
			tasks, err = taskStore.ListByStatus(models.StatusCompleted)
			if err != nil {
				return err
			}
		}

		var passed, failed, skipped int
		for _, task := range tasks {
			if task.Status != models.StatusCompleted {
				log.Debugf("Skipping %s: status %s", task.ID, task.Status)
				skipped++
				continue
			}
			if _, err := os.Stat(task.TargetPath); os.IsNotExist(err) {
				log.Errorf("FAIL %s: file missing: %s", task.ID, task.TargetPath)
				failed++
				continue
			}
			if helpers.CheckHash(task.TargetPath, task.Hashes) {
				log.Infof("OK   %s: %s", task.ID, task.FileName)
				passed++
			} else {
				log.Errorf("FAIL %s: checksum mismatch: %s", task.ID, task.TargetPath)
				failed++
			}
		}

		log.Infof("Verify complete. Passed: %d, Failed: %d, Skipped: %d", passed, failed, skipped)
		if failed > 0 {
			return fmt.Errorf("%d file(s) failed verification", failed)
		}
		return nil
	},
}
