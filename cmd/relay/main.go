package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/dkim"
	"github.com/relaykit/relaykit/internal/logging"
	"github.com/relaykit/relaykit/internal/mail"
	"github.com/relaykit/relaykit/internal/mailer"
	"github.com/relaykit/relaykit/internal/queue"
	"github.com/relaykit/relaykit/internal/ratelimit"
	"github.com/relaykit/relaykit/internal/worker"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Outbound mail delivery: transports, DKIM, durable queue, workers",
	Long: `An outbound mail delivery subsystem supporting:
- SMTP, Mailgun, sendmail, and null transport drivers
- DKIM signing with per-driver keys
- A durable Redis-backed job queue with a failed-job sideline
- File-backed sliding-window rate limiting`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "keygen" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return cfg.Validate()
	},
}

// newLogger builds the process logger from the loaded config.
func newLogger() (*logging.Logger, error) {
	return logging.New(cfg.Logging)
}

// newQueue connects to the queue store.
func newQueue(logger *logging.Logger) (*queue.Queue, error) {
	return queue.New(cfg.Queue, logger)
}

// newMailer assembles the full send pipeline.
func newMailer(logger *logging.Logger, q *queue.Queue) (*mailer.Mailer, error) {
	limiter, err := ratelimit.New(
		cfg.RateLimiter.Key,
		cfg.RateLimiter.Limit,
		time.Duration(cfg.RateLimiter.Seconds)*time.Second,
		cfg.RateLimiter.StoragePath,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	return mailer.New(cfg, logger, q, limiter)
}

// confirm asks for interactive confirmation unless force is set.
func confirm(prompt string, force bool) bool {
	if force {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

var mailCmd = &cobra.Command{
	Use:   "mail",
	Short: "Send, queue, and inspect outbound mail",
}

var mailTestCmd = &cobra.Command{
	Use:   "test <email>",
	Short: "Send a test message through the configured driver",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to := args[0]

		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		q, err := newQueue(logger)
		if err != nil {
			return err
		}
		defer q.Close()

		m, err := newMailer(logger, q)
		if err != nil {
			return err
		}

		body := fmt.Sprintf("This is a test message sent at %s using the %s driver.",
			time.Now().Format(time.RFC1123Z), m.Driver())

		start := time.Now()
		if err := m.Send(cmd.Context(), to, "Test message", []byte(body), mail.TextPlain); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Test message sent to %s via %s in %dms\n",
			to, m.Driver(), time.Since(start).Milliseconds())
		return nil
	},
}

var workMetricsAddr string

var mailWorkCmd = &cobra.Command{
	Use:   "work [queue]",
	Short: "Run a worker consuming queued messages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName := ""
		if len(args) > 0 {
			queueName = args[0]
		}

		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		q, err := newQueue(logger)
		if err != nil {
			return err
		}
		defer q.Close()

		m, err := newMailer(logger, q)
		if err != nil {
			return err
		}

		if workMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				if err := http.ListenAndServe(workMetricsAddr, mux); err != nil {
					logger.Error("metrics listener error", "error", err.Error())
				}
			}()
			logger.Info("metrics listener started", "addr", workMetricsAddr)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w := worker.New(q, m, cfg.Queue.Worker, queueName, logger)
		name := queueName
		if name == "" {
			name = q.DefaultQueue()
		}
		fmt.Printf("Worker consuming queue %q. Press Ctrl+C to stop.\n", name)
		return w.Run(ctx)
	},
}

var mailListCmd = &cobra.Command{
	Use:   "list [queue]",
	Short: "Show pending job count for a queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName := ""
		if len(args) > 0 {
			queueName = args[0]
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		q, err := newQueue(logger)
		if err != nil {
			return err
		}
		defer q.Close()

		n, err := q.Size(cmd.Context(), queueName)
		if err != nil {
			return err
		}
		name := queueName
		if name == "" {
			name = q.DefaultQueue()
		}
		fmt.Printf("%d pending job(s) in queue %q\n", n, name)
		return nil
	},
}

var failedLimit int64

var mailFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List sidelined failed jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		q, err := newQueue(logger)
		if err != nil {
			return err
		}
		defer q.Close()

		jobs, err := q.FailedJobs(cmd.Context(), failedLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No failed jobs.")
			return nil
		}

		fmt.Printf("%-30s %-25s %-12s %s\n", "ID", "FAILED AT", "JOB CLASS", "ERROR")
		fmt.Println(strings.Repeat("-", 100))
		for _, j := range jobs {
			failedAt := time.Unix(int64(j.FailedAt), 0).UTC().Format(time.RFC3339)
			message := j.Exception.Message
			if len(message) > 60 {
				message = message[:57] + "..."
			}
			fmt.Printf("%-30s %-25s %-12s %s\n", j.ID, failedAt, j.OriginalJob.JobClass, message)
		}
		fmt.Printf("\n%d failed job(s) shown\n", len(jobs))
		return nil
	},
}

var retryAll bool

var mailRetryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Move failed jobs back onto their queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !retryAll && len(args) == 0 {
			return fmt.Errorf("provide a job ID or --all")
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		q, err := newQueue(logger)
		if err != nil {
			return err
		}
		defer q.Close()

		if retryAll {
			moved, err := q.RetryAllFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %d failed job(s)\n", moved)
			return nil
		}

		if err := q.RetryFailed(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Requeued job %s\n", args[0])
		return nil
	},
}

var (
	clearForce bool
	flushForce bool
	purgeForce bool
)

var mailClearCmd = &cobra.Command{
	Use:   "clear [queue]",
	Short: "Delete every pending job in a queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName := ""
		if len(args) > 0 {
			queueName = args[0]
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		q, err := newQueue(logger)
		if err != nil {
			return err
		}
		defer q.Close()

		name := queueName
		if name == "" {
			name = q.DefaultQueue()
		}
		if !confirm(fmt.Sprintf("Delete all pending jobs in queue %q?", name), clearForce) {
			fmt.Println("Aborted.")
			return nil
		}

		n, err := q.Clear(cmd.Context(), queueName)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d pending job(s) from queue %q\n", n, name)
		return nil
	},
}

var mailFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Delete every sidelined failed job",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		q, err := newQueue(logger)
		if err != nil {
			return err
		}
		defer q.Close()

		if !confirm("Delete all failed jobs?", flushForce) {
			fmt.Println("Aborted.")
			return nil
		}

		n, err := q.ClearFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d failed job(s)\n", n)
		return nil
	},
}

var mailPurgeCmd = &cobra.Command{
	Use:   "purge [queue]",
	Short: "Delete all pending and all failed jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName := ""
		if len(args) > 0 {
			queueName = args[0]
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		q, err := newQueue(logger)
		if err != nil {
			return err
		}
		defer q.Close()

		name := queueName
		if name == "" {
			name = q.DefaultQueue()
		}
		if !confirm(fmt.Sprintf("Delete all pending jobs in queue %q and all failed jobs?", name), purgeForce) {
			fmt.Println("Aborted.")
			return nil
		}

		pending, err := q.Clear(cmd.Context(), queueName)
		if err != nil {
			return err
		}
		failed, err := q.ClearFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d pending and %d failed job(s)\n", pending, failed)
		return nil
	},
}

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Rate limiter maintenance",
}

var cleanupForce bool

var ratelimitCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired rate limiter state files",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirm(fmt.Sprintf("Clean up rate limiter state under %s?", cfg.RateLimiter.StoragePath), cleanupForce) {
			fmt.Println("Aborted.")
			return nil
		}

		result, err := ratelimit.CleanupAll(ratelimit.CleanupContext{
			Dir:    cfg.RateLimiter.StoragePath,
			Window: time.Duration(cfg.RateLimiter.Seconds) * time.Second,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Processed %d file(s): %d pruned, %d deleted, %d error(s)\n",
			result.Processed, result.Cleaned, result.Deleted, result.Errors)
		return nil
	},
}

var mailStatsCmd = &cobra.Command{
	Use:   "stats [queue]",
	Short: "Show queue depths and rate limiter usage",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueName := ""
		if len(args) > 0 {
			queueName = args[0]
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		q, err := newQueue(logger)
		if err != nil {
			return err
		}
		defer q.Close()

		stats, err := q.Stats(cmd.Context(), queueName)
		if err != nil {
			return err
		}
		fmt.Printf("Queue %q\n", stats.Queue)
		fmt.Printf("  Pending: %d\n", stats.Pending)
		fmt.Printf("  Failed:  %d\n", stats.Failed)

		limiter, err := ratelimit.New(
			cfg.RateLimiter.Key,
			cfg.RateLimiter.Limit,
			time.Duration(cfg.RateLimiter.Seconds)*time.Second,
			cfg.RateLimiter.StoragePath,
			logger,
		)
		if err != nil {
			return err
		}
		rl := limiter.Stats()
		fmt.Printf("Rate limiter %q\n", cfg.RateLimiter.Key)
		fmt.Printf("  Used:      %d/%d per %ds\n", rl.Used, rl.Limit, rl.WindowSeconds)
		fmt.Printf("  Remaining: %d\n", rl.Remaining)
		fmt.Printf("  Reset in:  %ds\n", rl.ResetSeconds)
		return nil
	},
}

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management",
}

var keygenBits int

var dkimKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a DKIM signing key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, err := dkim.GenerateKeys(keygenBits)
		if err != nil {
			return err
		}

		fmt.Println(pair.Private)
		fmt.Println(pair.Public)
		fmt.Println("DNS TXT record value (selector._domainkey.<domain>):")
		fmt.Println(dkim.DNSRecord(pair.Public))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("relay v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	mailWorkCmd.Flags().StringVar(&workMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	mailFailedCmd.Flags().Int64Var(&failedLimit, "limit", 50, "maximum number of failed jobs to list")
	mailRetryCmd.Flags().BoolVar(&retryAll, "all", false, "retry every failed job")
	mailClearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "skip confirmation")
	mailFlushCmd.Flags().BoolVarP(&flushForce, "force", "f", false, "skip confirmation")
	mailPurgeCmd.Flags().BoolVarP(&purgeForce, "force", "f", false, "skip confirmation")
	ratelimitCleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "skip confirmation")
	dkimKeygenCmd.Flags().IntVar(&keygenBits, "bits", 2048, "RSA key size in bits")

	mailCmd.AddCommand(mailTestCmd)
	mailCmd.AddCommand(mailWorkCmd)
	mailCmd.AddCommand(mailListCmd)
	mailCmd.AddCommand(mailFailedCmd)
	mailCmd.AddCommand(mailRetryCmd)
	mailCmd.AddCommand(mailClearCmd)
	mailCmd.AddCommand(mailFlushCmd)
	mailCmd.AddCommand(mailPurgeCmd)
	mailCmd.AddCommand(mailStatsCmd)
	rootCmd.AddCommand(mailCmd)

	ratelimitCmd.AddCommand(ratelimitCleanupCmd)
	rootCmd.AddCommand(ratelimitCmd)

	dkimCmd.AddCommand(dkimKeygenCmd)
	rootCmd.AddCommand(dkimCmd)

	rootCmd.AddCommand(versionCmd)
}
