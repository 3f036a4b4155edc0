// ============================================================================
// fedqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面
//
// Command Structure:
//   fedqueue                       # Root command
//   ├── run                        # 啟動 dispatcher / scheduler / servers
//   ├── enqueue                    # 從 JSON 檔送出任務
//   │   ├── --file, -f
//   │   └── --addr                 # gRPC 位址
//   ├── status                     # 查詢運行狀態
//   │   └── --addr
//   ├── deadletters                # 列出死信
//   │   └── --limit
//   └── --config, -c               # 設定檔（所有子命令共用）
//
// run 的關閉流程（SIGINT / SIGTERM）:
//   1. 停止 servers 與 scheduler，不再接受新任務
//   2. Dispatcher 等待執行中的任務（超過 grace 後取消並重新排程）
//   3. 儲存 resolver 快照
//   4. 關閉 sink / 死信庫 / broker
//
// enqueue 檔案格式:
//   [
//     {"kind": "deliver_activity", "payload": {...}},
//     {"kind": "refresh_actor", "payload": {"actor_id": "https://..."}}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/internal/config"
	"github.com/ChuLiYu/fedqueue/internal/dispatcher"
	"github.com/ChuLiYu/fedqueue/internal/logger"
	"github.com/ChuLiYu/fedqueue/internal/server"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

const (
	defaultAddr = "localhost:50051"
	rpcTimeout  = 10 * time.Second
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fedqueue",
		Short: "fedqueue: federation delivery and media worker",
		Long: `fedqueue runs the background work of a federated social server:
- signed activity delivery with retry and dead-lettering
- remote actor resolution with a TTL cache
- media validation, hashing and resizing
- periodic outbox digests and actor refreshes`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildDeadLettersCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher, scheduler and servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, configFile)
		},
	}
}

func runSystem(ctx context.Context, path string) (err error) {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	log = log.With(zap.String("app", cfg.App.Name))
	defer func() { _ = log.Sync() }()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.close())
		if err == nil {
			log.Info("fedqueue stopped")
		}
	}()
	return a.run(ctx)
}

// jobSpec 是 enqueue 檔案中的一筆
type jobSpec struct {
	Kind    types.Kind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile, addr string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long:  "Read job definitions from a JSON file and submit them to a running fedqueue over gRPC.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueJobs(cmd.Context(), cmd.OutOrStdout(), jobFile, addr)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "gRPC address of a running fedqueue")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func loadJobFile(path string) ([]jobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var specs []jobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	for i, s := range specs {
		// 先在本地驗證，避免送出一半才失敗
		if _, err := types.DecodePayload(s.Kind, s.Payload); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
	}
	return specs, nil
}

func enqueueJobs(ctx context.Context, out io.Writer, path, addr string) error {
	specs, err := loadJobFile(path)
	if err != nil {
		return err
	}

	c, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	submitted := 0
	var errs error
	for i, s := range specs {
		rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
		id, err := c.Enqueue(rctx, s.Kind, s.Payload)
		cancel()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %d (%s): %w", i, s.Kind, err))
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", id, s.Kind)
		submitted++
	}
	fmt.Fprintf(out, "submitted %d/%d jobs to %s\n", submitted, len(specs), addr)
	return errs
}

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display queue depth, job counters and dead-letter count of a running fedqueue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()

			c, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), addr, st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "gRPC address of a running fedqueue")
	return cmd
}

func printStatus(out io.Writer, addr string, st dispatcher.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "fedqueue @ %s\n", addr)
	fmt.Fprintf(w, "workers\t%d (busy %d)\n", st.Workers, st.Busy)
	if st.Queue != nil {
		fmt.Fprintf(w, "queue\tready %d\tdelayed %d\tin-flight %d\n", st.Queue.Ready, st.Queue.Delayed, st.Queue.InFlight)
	}
	fmt.Fprintf(w, "processed\t%d\n", st.Processed)
	fmt.Fprintf(w, "delivered\t%d\n", st.Delivered)
	fmt.Fprintf(w, "permanent\t%d\n", st.Permanent)
	fmt.Fprintf(w, "requeued\t%d\n", st.Requeued)
	fmt.Fprintf(w, "dead\t%d (stored %d)\n", st.Dead, st.DeadLetters)
	_ = w.Flush()
}

func buildDeadLettersCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			a := &app{cfg: cfg, logger: zap.NewNop()}
			store, err := a.deadLetters(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to open dead-letter store: %w", err)
			}
			defer store.Close()

			letters, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printDeadLetters(cmd.OutOrStdout(), letters)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries (0 for all)")
	return cmd
}

func printDeadLetters(out io.Writer, letters []types.DeadLetter) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tJOB\tKIND\tATTEMPT\tSTATUS\tREASON\tERROR")
	for _, l := range letters {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			l.At.Format(time.RFC3339), l.Job.ID, l.Job.Kind, l.Job.Attempt, l.LastStatus, l.Reason, l.LastError)
	}
	_ = w.Flush()
}
