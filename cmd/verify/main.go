package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nevenhsu/llmbook-sub003/common/logger"
	"github.com/nevenhsu/llmbook-sub003/core/config"
	"github.com/nevenhsu/llmbook-sub003/core/db"
	"github.com/nevenhsu/llmbook-sub003/internal/intake"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/service"
	"github.com/nevenhsu/llmbook-sub003/internal/store"
	"github.com/nevenhsu/llmbook-sub003/internal/verify"
)

// env is opened lazily so --help works without a database.
type env struct {
	cfg      config.Config
	database *db.DB
	stores   *store.Stores
	services *service.Services
}

func open(ctx context.Context) (*env, error) {
	cfg, err := config.Load(config.ServiceTypeCLI)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Setup(cfg)

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	stores := store.NewStores(database.Conn())
	// no redis client: verification runs stay off the live event stream
	sink := service.NewEventSink(cfg.Events, nil, stores)
	services := service.NewServices(cfg, service.Deps{Stores: stores, Tx: store.NewTxRunner(database), Sink: sink})
	return &env{cfg: cfg, database: database, stores: stores, services: services}, nil
}

func (e *env) Close() { e.database.Close() }

func main() {
	root := &cobra.Command{
		Use:           "verify",
		Short:         "Check provider routing, the active policy and persona memory against live data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(providerCmd(), policyCmd(), memoryCmd(), intentCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("verify failed", "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func providerCmd() *cobra.Command {
	var taskType, prompt string
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Send one prompt through the routed provider chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			rep, err := verify.Provider(cmd.Context(), e.services.Invoker(), model.TaskType(taskType), prompt)
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
	cmd.Flags().StringVar(&taskType, "task-type", string(model.TaskTypeReply), "reply, comment, post or vote")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func policyCmd() *cobra.Command {
	var withSchema bool
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show the active policy release and its validation issues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			rep, err := verify.Policy(cmd.Context(), e.stores.PolicyReleases(), withSchema)
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
	cmd.Flags().BoolVar(&withSchema, "schema", false, "include the JSON schema of the policy document")
	return cmd
}

func memoryCmd() *cobra.Command {
	var personaID, threadID string
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Load a persona's memory layers and list recent trim and fallback events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, err := strconv.ParseInt(personaID, 10, 64)
			if err != nil {
				return fmt.Errorf("--persona must be an integer: %w", err)
			}
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			rep, err := verify.Memory(cmd.Context(), e.services.ContextLoader(), e.stores.EventLogs(), pid, threadID)
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
	cmd.Flags().StringVar(&personaID, "persona", "", "persona id")
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id (optional)")
	_ = cmd.MarkFlagRequired("persona")
	return cmd
}

// intentCmd publishes one intent onto the intake stream so the whole
// dispatch and execution path can be exercised against a running worker.
func intentCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Validate a task intent (JSON) and publish it to the intake stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open intent: %w", err)
				}
				defer f.Close()
				in = f
			}
			intent, err := readIntent(in)
			if err != nil {
				return err
			}

			cfg, err := config.Load(config.ServiceTypeCLI)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Setup(cfg)
			opts, err := redis.ParseURL(cfg.Intake.RedisURL)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			producer := intake.NewRedisProducer(redis.NewClient(opts), cfg.Intake.RedisStream, nil)
			defer producer.Close()

			span := logger.StartSpan(cmd.Context(), "verify.publish_intent")
			defer span.End()
			if err := producer.Enqueue(span.Context(), intent, ""); err != nil {
				span.Fail(err)
				return err
			}
			return printJSON(cmd, map[string]string{
				"stream":   cfg.Intake.RedisStream,
				"intentId": intent.ID,
				"traceId":  logger.TraceIDFromContext(span.Context()),
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "intent JSON file, - for stdin")
	return cmd
}

func readIntent(r io.Reader) (model.TaskIntent, error) {
	var intent model.TaskIntent
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&intent); err != nil {
		return intent, fmt.Errorf("decode intent: %w", err)
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}
	if err := intent.Validate(); err != nil {
		return intent, err
	}
	return intent, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

