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
)

const (
	cancelIDFlag   = "id"
	cancelKeepFlag = "keep"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Remove a transfer's persisted record, aborting any future resume.",
	Args:  cobra.NoArgs,
	Run:   runCancel,
}

func init() {
	cancelCmd.Flags().String(cancelIDFlag, "", "Transfer ID to cancel.")
	cmdutils.BindFlagHelper(cancelIDFlag, cancelCmd)

	cancelCmd.Flags().Bool(cancelKeepFlag, false,
		"Keep the persisted record so the transfer can resume later instead of deleting it.")
	cmdutils.BindFlagHelper(cancelKeepFlag, cancelCmd)

	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) {
	id := viper.GetString(cancelIDFlag)
	if id == "" {
		jww.FATAL.Panicf("--%s is required", cancelIDFlag)
	}

	store, err := cache.Open(viper.GetString(cacheDirFlag))
	if err != nil {
		jww.FATAL.Panicf("failed to open cache: %+v", err)
	}
	defer store.Close()

	if viper.GetBool(cancelKeepFlag) {
		fmt.Printf("transfer %s left in place for resume\n", id)
		return
	}

	if err := store.DeleteTransfer(id); err != nil {
		jww.FATAL.Panicf("failed to delete transfer %s: %+v", id, err)
	}
	fmt.Printf("transfer %s cancelled\n", id)
}
