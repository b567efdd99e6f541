// main.go - Onion router binary.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/katzenpost/onion/common"
	"github.com/katzenpost/onion/server"
	"github.com/katzenpost/onion/server/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "router",
		Short: "Onion router",
		Long: `The onion router accepts circuits from onion proxies and other routers.

For each circuit it performs the responder side of the circuit handshake,
extends the circuit to the next router when asked to by the proxy, relays
cells it cannot recognize to the next hop unchanged, and, when configured
with an [Exit] block, opens TCP streams to destinations allowed by the
exit policy.

On startup the router writes its directory entry (node.toml) to its data
directory.  Concatenating the entries of every router yields the directory
file used by the onion proxy.`,
		Example: `  # Start the router
  router --config /etc/onion/router.toml

  # Generate the onion key and directory entry, then exit
  router -f /etc/onion/router.toml --generate-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRouter(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "router.toml",
		"path to the router configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the onion key and exit without starting the router")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runRouter(cfg Config) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	routerCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.GenOnly {
		routerCfg.Debug.GenerateOnly = true
	}

	svr, err := server.New(routerCfg)
	if err != nil {
		if errors.Is(err, server.ErrGenerateOnly) {
			return nil
		}
		return fmt.Errorf("failed to spawn router instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt gracefully on SIGINT/SIGTERM, rotate logs on SIGHUP.
	stop := common.HandleSignals(svr.Shutdown, svr.RotateLog)
	defer stop()

	// Wait for the router to explode or be terminated.
	svr.Wait()
	return nil
}
