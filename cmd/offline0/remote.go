package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

func newDrainCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay the pending sync queue of a running offline0",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(opts.addr, "/")+"/__offline/sync/drain", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("drain: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			var res offline0.DrainResult
			if err := sonic.ConfigDefault.Unmarshal(body, &res); err != nil {
				return fmt.Errorf("decode drain result: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed=%d failed=%d deferred=%d dead=%d skipped=%t\n",
				res.Replayed, res.Failed, res.Deferred, res.DeadLettered, res.Skipped)
			return nil
		},
	}
}

func newAdoptCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "adopt",
		Short: "Activate the waiting generation of a running offline0",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return runAdopt(ctx, opts.addr, cmd.OutOrStdout())
		},
	}
}

// runAdopt walks the update handshake the way a page does: register, see the
// waiting generation, adopt it and follow the controller change once.
func runAdopt(ctx context.Context, addr string, out io.Writer) error {
	c, err := offline0.DialControl(ctx, controlURL(addr))
	if err != nil {
		return err
	}
	defer c.Close()

	platform := offline0.NewControlPlatform(c)
	coord := offline0.NewCoordinator(offline0.CoordinatorOptions{
		Platform: platform,
		Reload:   func() { fmt.Fprintf(out, "active build %s\n", platform.Active()) },
	})
	defer coord.Stop()

	if err := coord.Start(ctx); err != nil {
		return err
	}
	if !coord.IsUpdateAvailable() {
		return fmt.Errorf("%w: active build %s", offline0.ErrNoWaitingGeneration, platform.Active())
	}
	return coord.Adopt(ctx)
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the binary version, or the active build of a running offline0",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !remote {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			c, err := offline0.DialControl(ctx, controlURL(opts.addr))
			if err != nil {
				return err
			}
			defer c.Close()

			v, err := c.QueryVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s caches=%s\n", v.Version, strings.Join(v.Caches, ","))
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "query the running process over the control channel")
	return cmd
}

func controlURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	switch {
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	}
	return addr + "/__offline/control"
}
