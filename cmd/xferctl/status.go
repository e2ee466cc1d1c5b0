////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package main

import (
	"fmt"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SUS81/sdk/cache"
	"github.com/SUS81/sdk/cmd/internal/cmdutils"
	"github.com/SUS81/sdk/xfer"
)

const statusIDFlag = "id"

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted record for a transfer ID (upload/download run in-process, so this only reports what survived to the cache).",
	Args:  cobra.NoArgs,
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().String(statusIDFlag, "", "Transfer ID to look up.")
	cmdutils.BindFlagHelper(statusIDFlag, statusCmd)
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	id := viper.GetString(statusIDFlag)
	if id == "" {
		jww.FATAL.Panicf("--%s is required", statusIDFlag)
	}

	store, err := cache.Open(viper.GetString(cacheDirFlag))
	if err != nil {
		jww.FATAL.Panicf("failed to open cache: %+v", err)
	}
	defer store.Close()

	record, err := store.LoadTransfer(id)
	if err != nil {
		jww.FATAL.Panicf("no persisted record for transfer %s: %+v", id, err)
	}

	t, err := xfer.UnmarshalTransferRecord(record)
	if err != nil {
		jww.FATAL.Panicf("corrupt record for transfer %s: %+v", id, err)
	}

	fmt.Printf("transfer %s: size=%d name=%q syncable=%t\n",
		id, t.Size, t.LocalName, t.Syncable)

	if state, err := store.LoadResumeState(id); err == nil {
		resumed, err := xfer.UnmarshalResumeState(state)
		if err != nil {
			jww.WARN.Printf("corrupt resume state for transfer %s: %+v", id, err)
		} else {
			fmt.Printf("resume: pos=%d progresscompleted=%d raid=%t chunkmacs=%d\n",
				resumed.Pos, resumed.ProgressCompleted, resumed.IsRaid, resumed.ChunkMacs.Len())
		}
	}

	if token, err := store.LoadUploadToken(id); err == nil && len(token) > 0 {
		fmt.Printf("upload token present (%d bytes)\n", len(token))
	}
}
