package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/config"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/crypto"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/httpapi"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/log"
	internalstorage "github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/storage"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/governance"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/handler"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/kernel"
	pkgstorage "github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/storage"
)

// SetupCLI wires the swarmlite subcommands onto rootCmd, in the teacher's
// flag-per-command cobra style.
func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SwarmLite kernel and HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}

	submitCmd := &cobra.Command{
		Use:   "submit [definition.json]",
		Short: "Submit a workflow definition to a running server",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			server, _ := cmd.Flags().GetString("server")
			source, _ := cmd.Flags().GetString("source")
			client, _ := cmd.Flags().GetString("client")
			idempotencyKey, _ := cmd.Flags().GetString("idempotency-key")
			runSubmit(server, source, client, idempotencyKey, args[0])
		},
	}
	submitCmd.Flags().String("server", "http://localhost:8080", "SwarmLite server base URL")
	submitCmd.Flags().String("source", "swarmlite-cli", "value for the X-Request-Source header")
	submitCmd.Flags().String("client", "cli", "value for the X-Client-ID header")
	submitCmd.Flags().String("idempotency-key", "", "optional idempotency key")

	statusCmd := &cobra.Command{
		Use:   "status [workflow-id]",
		Short: "Print the current status of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			server, _ := cmd.Flags().GetString("server")
			runStatus(server, args[0])
		},
	}
	statusCmd.Flags().String("server", "http://localhost:8080", "SwarmLite server base URL")

	stopCmd := &cobra.Command{
		Use:   "stop [workflow-id]",
		Short: "Request a running workflow to stop",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			server, _ := cmd.Flags().GetString("server")
			runStop(server, args[0])
		},
	}
	stopCmd.Flags().String("server", "http://localhost:8080", "SwarmLite server base URL")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("error retrieving db flag: %v", err)
				os.Exit(1)
			}
			runMigrate(dbConnStr)
		},
	}
	migrateCmd.Flags().String("db", "", "database connection string (defaults to config)")

	rootCmd.AddCommand(serveCmd, submitCmd, statusCmd, stopCmd, migrateCmd)
}

func runServe() {
	cfg := config.Load()
	anySensitive := true // governance-configured handler registry may carry pii/phi task types
	if err := cfg.Validate(anySensitive); err != nil {
		log.GetLogger().Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	signer, err := crypto.NewSigner([]byte(cfg.AuditSecretKey))
	if err != nil {
		log.GetLogger().Errorf("failed to build signer: %v", err)
		os.Exit(1)
	}
	cipher, err := crypto.NewCipher([]byte(cfg.DBEncryptionKey))
	if err != nil {
		log.GetLogger().Errorf("failed to build cipher: %v", err)
		os.Exit(1)
	}

	var store pkgstorage.Store
	if cfg.DBConnStr == "" {
		log.GetLogger().Warn("DB_CONN_STR not set, falling back to in-memory store (not durable across restarts)")
		store = pkgstorage.NewMemoryStore(signer)
	} else {
		store, err = internalstorage.InitStore(cfg.DBConnStr, signer, cipher)
		if err != nil {
			log.GetLogger().Errorf("failed to initialize store: %v", err)
			os.Exit(1)
		}
	}

	gate, err := governance.LoadStaticGate(cfg.GovernanceConfigPath)
	if err != nil {
		log.GetLogger().Errorf("failed to load governance rules: %v", err)
		os.Exit(1)
	}

	reg := handler.NewRegistry()
	registerBuiltinHandlers(reg)

	k := kernel.NewKernel(kernel.KernelConfig{
		Store:    store,
		Gate:     gate,
		Registry: reg,
		Signer:   signer,
		PoolSize: cfg.PoolSize,
	})
	defer k.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if errs := k.Resume(ctx, governance.Context{CallerID: "system", RequestSource: "resume"}); len(errs) > 0 {
		for _, err := range errs {
			log.GetLogger().Errorf("resume: %v", err)
		}
	}

	var ping func() error
	if cfg.DBConnStr != "" {
		ping = func() error {
			_, err := store.ListInFlight()
			return err
		}
	}
	if err := httpapi.StartServer(cfg.HTTPPort, k, ping); err != nil {
		log.GetLogger().Errorf("server exited: %v", err)
		os.Exit(1)
	}
}

func registerBuiltinHandlers(reg *handler.Registry) {
	reg.Register("http", "", handler.NewHTTPHandler())
	reg.Register("python", "", handler.NewPythonHandler())
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		reg.Register("llm", "", handler.NewLLMHandler(apiKey))
	}
	if dsn := os.Getenv("TASK_DB_CONN_STR"); dsn != "" {
		if dbHandler, err := handler.NewDBHandler(dsn); err == nil {
			reg.Register("db", "", dbHandler)
		} else {
			log.GetLogger().Errorf("failed to initialize db handler: %v", err)
		}
	}
}

func runSubmit(server, source, client, idempotencyKey, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.GetLogger().Errorf("failed to read definition file: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to read %s: %v\n", path, err)
		os.Exit(1)
	}

	var definition map[string]any
	if err := json.Unmarshal(raw, &definition); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid workflow definition JSON: %v\n", err)
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]any{
		"definition":      definition,
		"idempotency_key": idempotencyKey,
	})

	id := httpPost(server+"/workflows/start", source, client, body)
	fmt.Fprintf(os.Stdout, "Submitted workflow, id=%s\n", id)
}

func runStatus(server, workflowID string) {
	resp := httpGet(fmt.Sprintf("%s/workflows/%s/status", server, workflowID))
	fmt.Fprintln(os.Stdout, string(resp))
}

func runStop(server, workflowID string) {
	httpPost(fmt.Sprintf("%s/workflows/%s/stop", server, workflowID), "swarmlite-cli", "cli", nil)
	fmt.Fprintf(os.Stdout, "Requested stop for workflow %s\n", workflowID)
}

func httpPost(url, source, client string, body []byte) string {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Source", source)
	req.Header.Set("X-Client-ID", client)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}

	var decoded struct {
		WorkflowID string `json:"workflow_id"`
	}
	_ = json.Unmarshal(data, &decoded)
	if decoded.WorkflowID != "" {
		return decoded.WorkflowID
	}
	return string(data)
}

func httpGet(url string) []byte {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	return data
}

func runMigrate(dbConnStr string) {
	cfg := config.Load()
	if dbConnStr == "" {
		dbConnStr = cfg.DBConnStr
	}
	if err := internalstorage.ApplyMigrations(dbConnStr); err != nil {
		log.GetLogger().Errorf("migration failed: %v", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, "Migrations applied successfully")
}
