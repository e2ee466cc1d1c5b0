////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// xferctl drives the transfer engine from the command line: it schedules a
// single upload or download, ticks it to completion, and reports progress,
// the way a thin integration harness around the client package would.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SUS81/sdk/cache"
	"github.com/SUS81/sdk/cmd/internal/cmdutils"
	"github.com/SUS81/sdk/httpio"
	"github.com/SUS81/sdk/xfer"
)

const (
	cacheDirFlag      = "cacheDir"
	connectionsFlag   = "connections"
	availableRAMFlag  = "availableRAM"
	cryptoWorkersFlag = "cryptoWorkers"
	logLevelFlag      = "logLevel"
	logFlag           = "log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xferctl",
	Short: "Schedules and drives a single upload or download to completion",
	Args:  cobra.NoArgs,
}

func init() {
	cobra.OnInitialize(func() {
		cmdutils.InitLog(viper.GetUint(logLevelFlag), viper.GetString(logFlag))
	})

	rootCmd.PersistentFlags().UintP(logLevelFlag, "v", 0,
		"Verbose mode: 0 info, 1 debug, 2 trace.")
	cmdutils.BindFlagHelper(logLevelFlag, rootCmd)

	rootCmd.PersistentFlags().StringP(logFlag, "l", "-",
		"Log output path, or \"-\" for stdout.")
	cmdutils.BindFlagHelper(logFlag, rootCmd)

	rootCmd.PersistentFlags().String(cacheDirFlag, "xferctl-cache",
		"Directory the transfer record cache is opened in.")
	cmdutils.BindFlagHelper(cacheDirFlag, rootCmd)

	rootCmd.PersistentFlags().Int(connectionsFlag, 4,
		"Parallel HTTP connections for a non-RAID transfer.")
	cmdutils.BindFlagHelper(connectionsFlag, rootCmd)

	rootCmd.PersistentFlags().Int64(availableRAMFlag, 512<<20,
		"Available RAM (bytes) used to size each transfer's request buffer.")
	cmdutils.BindFlagHelper(availableRAMFlag, rootCmd)

	rootCmd.PersistentFlags().Int(cryptoWorkersFlag, 4,
		"Worker count for the shared crypto pool.")
	cmdutils.BindFlagHelper(cryptoWorkersFlag, rootCmd)
}

// newClient opens the cache store and constructs a Client from the
// persistent flags every subcommand shares.
func newClient() (*xfer.Client, cache.Store, error) {
	store, err := cache.Open(viper.GetString(cacheDirFlag))
	if err != nil {
		return nil, nil, err
	}

	cl := xfer.NewClient(xfer.ClientConfig{
		Cache:       store,
		HTTPFactory: func() httpio.Request { return httpio.NewRequest(nil) },
		URLs:        staticURLResolver,
		Params: xfer.ClientParams{
			ClientConnections: viper.GetInt(connectionsFlag),
			AvailableRAM:      viper.GetInt64(availableRAMFlag),
			CryptoWorkers:     viper.GetInt(cryptoWorkersFlag),
		},
	})

	return cl, store, nil
}

// pendingURLs stashes the --urls flag for the one transfer a single xferctl
// invocation schedules; fetching a fresh temporary URL per transfer is a
// collaborator's job this binary does not reimplement, so the caller
// supplies it directly.
var pendingURLs []string

func staticURLResolver(transferID string, isRaid bool) ([]string, error) {
	return pendingURLs, nil
}

// waitForSlot polls cl's slot table once per interval until id's slot
// reports done (or disappears, having already been reaped), then returns
// its terminal error, nil on success.
func waitForSlot(cl *xfer.Client, id string, interval time.Duration) error {
	for {
		s := cl.Slot(id)
		if s == nil {
			return nil
		}
		if s.Done() {
			return s.FailErr()
		}
		time.Sleep(interval)
	}
}
