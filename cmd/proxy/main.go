// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/katzenpost/onion/client"
	"github.com/katzenpost/onion/client/config"
	"github.com/katzenpost/onion/common"
)

const stdinChunkSize = 4096

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	BuildOnly  bool
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "proxy <host> <port>",
		Short: "Onion proxy",
		Long: `The onion proxy builds a 3 hop circuit through the routers listed in its
directory file, asks the exit router to open a TCP stream to <host>:<port>,
and then copies standard input to the stream and the stream to standard
output.`,
		Example: `  # Fetch a page through a circuit
  printf 'GET / HTTP/1.0\r\n\r\n' | proxy -f proxy.toml example.org 80

  # Only build a circuit, to check the directory and the routers
  proxy -f proxy.toml --build-only`,
		Args: func(cmd *cobra.Command, args []string) error {
			if cfg.BuildOnly {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context(), cfg, args)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "proxy.toml",
		"path to the proxy configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.BuildOnly, "build-only", "b", false,
		"build a circuit, report it and exit")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runProxy(ctx context.Context, cfg Config, args []string) error {
	proxyCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	var port uint64
	if !cfg.BuildOnly {
		if port, err = strconv.ParseUint(args[1], 10, 16); err != nil {
			return fmt.Errorf("invalid argument port '%v': %v", args[1], err)
		}
	}

	c, err := client.New(proxyCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn proxy instance: %v", err)
	}
	defer c.Shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := common.HandleSignals(cancel, func() {
		if err := c.GetBackendLog().Rotate(); err != nil {
			cancel()
		}
	})
	defer stop()

	circ, err := c.NewCircuit(ctx)
	if err != nil {
		return err
	}
	defer c.CloseCircuit(circ)
	if cfg.BuildOnly {
		fmt.Fprintf(os.Stderr, "circuit %d: %v\n", circ.ID(), circ.State())
		return nil
	}

	if _, err = circ.SendRelayBegin(ctx, args[0], uint16(port)); err != nil {
		return err
	}
	go copyToStream(ctx, circ)
	return copyFromStream(ctx, circ)
}

func copyToStream(ctx context.Context, circ *client.Circuit) {
	buf := make([]byte, stdinChunkSize)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if werr := circ.Write(ctx, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func copyFromStream(ctx context.Context, circ *client.Circuit) error {
	for {
		b, err := circ.Read(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		if _, err = os.Stdout.Write(b); err != nil {
			return err
		}
	}
}
