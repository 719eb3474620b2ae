package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hanlabs/hookd/internal/domain"
	"github.com/hanlabs/hookd/internal/rpcgateway"
)

var rpcAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "hookctl",
		Short: "hookctl - thin client for the hook coordination daemon",
	}

	rootCmd.PersistentFlags().StringVar(&rpcAddr, "addr", ":7777", "hookd RPC gateway address")

	rootCmd.AddCommand(dispatchCmd(), runCmd(), pingCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(domain.ExitGenericError)
	}
}

func dialClient() (*rpcgateway.Client, error) {
	return rpcgateway.Dial(rpcAddr)
}

// dispatchCmd runs exactly one hook and maps its exit code to the
// process exit code, for a caller that does not need fan-out.
func dispatchCmd() *cobra.Command {
	var (
		plugin, hookName, command, dir string
		timeoutMs, idleTimeoutMs       int
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "run a single hook to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialClient()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.DispatchSingleHook(context.Background(), &rpcgateway.DispatchSingleHookRequest{
				OrchestrationID: uuid.NewString(),
				Cwd:             dir,
				Hook: rpcgateway.HookSpecMsg{
					HookID:        uuid.NewString(),
					Plugin:        plugin,
					HookName:      hookName,
					Directory:     dir,
					Command:       command,
					TimeoutMs:     timeoutMs,
					IdleTimeoutMs: idleTimeoutMs,
				},
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(domain.ExitGenericError)
			}

			if resp.Stdout != "" {
				fmt.Print(resp.Stdout)
			}
			if resp.Stderr != "" {
				fmt.Fprint(os.Stderr, resp.Stderr)
			}
			if resp.Error != "" {
				fmt.Fprintln(os.Stderr, resp.Error)
			}
			os.Exit(resp.ExitCode)
			return nil
		},
	}

	cmd.Flags().StringVar(&plugin, "plugin", "", "plugin name")
	cmd.Flags().StringVar(&hookName, "hook", "", "hook name")
	cmd.Flags().StringVar(&command, "command", "", "shell command to run")
	cmd.Flags().StringVar(&dir, "dir", ".", "working directory")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "wall timeout in milliseconds (0 = daemon default)")
	cmd.Flags().IntVar(&idleTimeoutMs, "idle-timeout-ms", 0, "idle timeout in milliseconds (0 = daemon default)")
	cmd.MarkFlagRequired("plugin")
	cmd.MarkFlagRequired("hook")
	cmd.MarkFlagRequired("command")

	return cmd
}

// runCmd fans a group of hooks (read as JSON from a file or stdin) out
// through ExecuteHooks, streaming frames to stdout/stderr and exiting
// with the worst exit code across the group, per the aggregate-exit
// convention.
func runCmd() *cobra.Command {
	var (
		hooksFile string
		cwd       string
		failFast  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a fan-out group of hooks and exit with the worst exit code",
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if hooksFile == "-" || hooksFile == "" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(hooksFile)
			}
			if err != nil {
				return fmt.Errorf("read hooks: %w", err)
			}

			var hooks []rpcgateway.HookSpecMsg
			if err := json.Unmarshal(raw, &hooks); err != nil {
				return fmt.Errorf("parse hooks: %w", err)
			}

			client, err := dialClient()
			if err != nil {
				return err
			}
			defer client.Close()

			worst := domain.ExitSuccess
			err = client.ExecuteHooks(context.Background(), &rpcgateway.ExecuteHooksRequest{
				OrchestrationID: uuid.NewString(),
				Cwd:             cwd,
				FailFast:        failFast,
				Hooks:           hooks,
			}, func(f *rpcgateway.ExecuteHooksFrame) {
				switch f.Stream {
				case "stdout":
					fmt.Printf("[%s] %s\n", f.HookID, f.Line)
				case "stderr":
					fmt.Fprintf(os.Stderr, "[%s] %s\n", f.HookID, f.Line)
				}
				if f.Complete {
					if f.Error != "" {
						fmt.Fprintf(os.Stderr, "[%s] error: %s\n", f.HookID, f.Error)
					}
					if f.ExitCode > worst {
						worst = f.ExitCode
					}
				}
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(domain.ExitGenericError)
			}
			os.Exit(worst)
			return nil
		},
	}

	cmd.Flags().StringVar(&hooksFile, "hooks", "-", "path to a JSON array of hook specs ('-' for stdin)")
	cmd.Flags().StringVar(&cwd, "cwd", ".", "project root for the orchestration")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "cancel remaining hooks on first non-zero exit")

	return cmd
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "check daemon liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			resp, err := client.Ping(ctx)
			if err != nil {
				return err
			}
			fmt.Println(resp.Status)
			if resp.Status != "ok" {
				os.Exit(domain.ExitGenericError)
			}
			return nil
		},
	}
}
