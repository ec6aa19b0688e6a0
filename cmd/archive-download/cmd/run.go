package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-archive-download/internal/api"
	"go-archive-download/internal/downloader"
	"go-archive-download/internal/helpers"
	"go-archive-download/internal/models"
	"go-archive-download/internal/progress"
	"go-archive-download/internal/scheduler"
	"go-archive-download/internal/store"
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("drain", false, "Exit once the queue has no runnable tasks left")
	runCmd.Flags().Bool("no-display", false, "Disable the live progress display (log lines only)")
	viper.BindPFlag("run.drain", runCmd.Flags().Lookup("drain"))
	viper.BindPFlag("run.no_display", runCmd.Flags().Lookup("no-display"))
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the download scheduler until interrupted",
	Long: `Starts the worker pool and processes the persisted download queue.
Interrupted downloads resume from their last byte offset. Ctrl-C parks
in-flight transfers back into the queue; partial files are kept.`,
	RunE: runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	drain := viper.GetBool("run.drain")
	noDisplay := viper.GetBool("run.no_display")

	if !helpers.CheckAndMakeDir(globalConfig.SavePath) {
		return fmt.Errorf("cannot create save path %s", globalConfig.SavePath)
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
	tracker := progress.NewTracker(time.Duration(globalConfig.ProgressIntervalMs) * time.Millisecond)
	// Transfers get the downloader's own long-timeout client; the API
	// client timeout only fits short metadata requests.
	transport := downloader.NewDownloader(nil)

	sched := scheduler.New(taskStore, transport, tracker, scheduler.Config{
		Concurrency: globalConfig.Concurrency,
		MaxRetries:  globalConfig.MaxRetries,
		RetryDelay:  time.Duration(globalConfig.RetryDelayMs) * time.Millisecond,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if globalConfig.AutoSync {
		go metaCache.RunAutoSync(ctx, time.Hour)
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	events, unsubscribeEvents := sched.Subscribe()
	defer unsubscribeEvents()
	snapshots, unsubscribeProgress := tracker.Subscribe()
	defer unsubscribeProgress()

	var writer *uilive.Writer
	if !noDisplay {
		writer = uilive.New()
		writer.Start()
		defer writer.Stop()
	}

	// Drain mode needs to notice the queue going quiet; a ticker is
	// simpler than plumbing an idle signal out of the pool.
	idleCheck := time.NewTicker(time.Second)
	defer idleCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down, parking in-flight downloads...")
			return nil
		case ev := <-events:
			logEvent(ev)
		case snapshot := <-snapshots:
			if writer != nil {
				renderProgress(writer, snapshot)
			}
		case <-idleCheck.C:
			if !drain {
				continue
			}
			runnable, err := countRunnable(taskStore)
			if err != nil {
				log.WithError(err).Warn("Failed to check queue state")
				continue
			}
			if runnable == 0 {
				log.Info("Queue drained, exiting")
				return nil
			}
		}
	}
}

func logEvent(ev scheduler.Event) {
	switch ev.To {
	case models.StatusCompleted:
		log.Infof("Completed %s", ev.TaskID)
	case models.StatusError:
		log.Errorf("Task %s failed: %s", ev.TaskID, ev.Error)
	default:
		log.Debugf("Task %s: %s -> %s", ev.TaskID, ev.From, ev.To)
	}
}

// renderProgress redraws one line per in-flight task, stable-sorted by
// id so lines do not jump between frames.
func renderProgress(writer *uilive.Writer, snapshot map[string]models.DownloadProgress) {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	first := true
	for _, id := range ids {
		p := snapshot[id]
		line := fmt.Sprintf("%-12.12s %10s", id, helpers.BytesToSize(uint64(p.Done)))
		if p.Progress != nil {
			line += fmt.Sprintf(" %5.1f%%", *p.Progress*100)
		}
		if p.TransferSpeed != nil {
			line += fmt.Sprintf(" %10s/s", helpers.BytesToSize(uint64(*p.TransferSpeed)))
		}
		if p.EtaSeconds != nil {
			line += fmt.Sprintf(" ETA %s", (time.Duration(*p.EtaSeconds) * time.Second).String())
		}
		if first {
			fmt.Fprintln(writer, line)
			first = false
		} else {
			fmt.Fprintln(writer.Newline(), line)
		}
	}
	if first {
		fmt.Fprintln(writer, "Waiting for downloads...")
	}
}

func countRunnable(taskStore *store.TaskStore) (int, error) {
	tasks, err := taskStore.List()
	if err != nil {
		return 0, err
	}
	runnable := 0
	for _, task := range tasks {
		if task.Status.IsActive() {
			runnable++
		}
	}
	return runnable, nil
}
