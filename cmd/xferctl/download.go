////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SUS81/sdk/cmd/internal/cmdutils"
	"github.com/SUS81/sdk/fsio"
	"github.com/SUS81/sdk/progress"
	"github.com/SUS81/sdk/xfer"
	"github.com/SUS81/sdk/xferkey"
)

const (
	downloadFileFlag    = "file"
	downloadURLsFlag    = "urls"
	downloadIDFlag      = "id"
	downloadSizeFlag    = "size"
	downloadKeyFlag     = "key"
	downloadCtrIVFlag   = "ctriv"
	downloadMacFlag     = "metamac"
	downloadRaidFlag    = "raid"
	downloadResumeFlag  = "resume"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download a file to a local path, verifying its MetaMac once complete.",
	Args:  cobra.NoArgs,
	Run:   runDownload,
}

func init() {
	downloadCmd.Flags().String(downloadFileFlag, "", "Local path to write the downloaded file to.")
	cmdutils.BindFlagHelper(downloadFileFlag, downloadCmd)

	downloadCmd.Flags().String(downloadURLsFlag, "",
		"Comma-separated temporary download URL(s): 1 for non-RAID, RaidParts for RAID.")
	cmdutils.BindFlagHelper(downloadURLsFlag, downloadCmd)

	downloadCmd.Flags().String(downloadIDFlag, "", "Transfer ID to use; a random one is generated if empty.")
	cmdutils.BindFlagHelper(downloadIDFlag, downloadCmd)

	downloadCmd.Flags().Int64(downloadSizeFlag, 0, "File size in bytes.")
	cmdutils.BindFlagHelper(downloadSizeFlag, downloadCmd)

	downloadCmd.Flags().String(downloadKeyFlag, "", "Transfer key, hex-encoded (16 bytes).")
	cmdutils.BindFlagHelper(downloadKeyFlag, downloadCmd)

	downloadCmd.Flags().Uint64(downloadCtrIVFlag, 0, "Counter IV for AES-CTR.")
	cmdutils.BindFlagHelper(downloadCtrIVFlag, downloadCmd)

	downloadCmd.Flags().String(downloadMacFlag, "", "Expected mac-of-macs, hex-encoded (16 bytes).")
	cmdutils.BindFlagHelper(downloadMacFlag, downloadCmd)

	downloadCmd.Flags().Bool(downloadRaidFlag, false, "Use the 6-part RAID download path.")
	cmdutils.BindFlagHelper(downloadRaidFlag, downloadCmd)

	downloadCmd.Flags().Bool(downloadResumeFlag, false,
		"Resume a previously cached transfer (--id required) from its last persisted progress, "+
			"instead of starting a new one from --size/--key/--ctriv/--metamac.")
	cmdutils.BindFlagHelper(downloadResumeFlag, downloadCmd)

	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) {
	path := viper.GetString(downloadFileFlag)
	if path == "" {
		jww.FATAL.Panicf("--%s is required", downloadFileFlag)
	}

	urls := parseURLs(viper.GetString(downloadURLsFlag))
	if len(urls) == 0 {
		jww.FATAL.Panicf("--%s is required", downloadURLsFlag)
	}

	resume := viper.GetBool(downloadResumeFlag)
	id := viper.GetString(downloadIDFlag)
	if resume && id == "" {
		jww.FATAL.Panicf("--%s requires --%s", downloadResumeFlag, downloadIDFlag)
	}
	if id == "" {
		id = uuid.New().String()
	}

	cl, store, err := newClient()
	if err != nil {
		jww.FATAL.Panicf("failed to construct client: %+v", err)
	}
	defer store.Close()

	var t *xfer.Transfer
	var isRaid bool
	if resume {
		t, err = cl.LoadTransfer(id)
		if err != nil {
			jww.FATAL.Panicf("failed to load cached transfer %s for resume: %+v", id, err)
		}
		isRaid = t.IsRaid
		jww.INFO.Printf("[XFERCTL] Resuming transfer %s from %d/%d bytes.", id, t.ProgressCompleted, t.Size)
	} else {
		isRaid = viper.GetBool(downloadRaidFlag)

		key, err := parseTransferKey(viper.GetString(downloadKeyFlag))
		if err != nil {
			jww.FATAL.Panicf("--%s: %+v", downloadKeyFlag, err)
		}
		mac, err := parseMetaMac(viper.GetString(downloadMacFlag))
		if err != nil {
			jww.FATAL.Panicf("--%s: %+v", downloadMacFlag, err)
		}

		t = xfer.NewTransfer(xfer.Get, viper.GetInt64(downloadSizeFlag), key, viper.GetUint64(downloadCtrIVFlag))
		t.MetaMac = mac
		t.Files = []xfer.FileAttachment{{LocalID: uuid.New(), Path: path}}
	}

	if isRaid && len(urls) != xfer.RaidParts {
		jww.FATAL.Panicf("--%s requires exactly %d urls, got %d",
			downloadRaidFlag, xfer.RaidParts, len(urls))
	}

	file := fsio.NewFileAccess()
	if err := file.Open(path, true, resume); err != nil {
		jww.FATAL.Panicf("failed to open %s for writing: %+v", path, err)
	}

	pendingURLs = urls
	if err := cl.AddTransfer(id, t, isRaid, file); err != nil {
		jww.FATAL.Panicf("failed to schedule download: %+v", err)
	}

	cl.RegisterProgressCallback(id, func(u progress.Update, err error) {
		if err != nil {
			jww.ERROR.Printf("%s: %+v", id, err)
			return
		}
		jww.INFO.Printf("%s: %d/%d bytes", id, u.Completed, u.Total)
	}, time.Second)

	stop, err := cl.StartProcesses()
	if err != nil {
		jww.FATAL.Panicf("failed to start scheduler: %+v", err)
	}

	if err := waitForSlot(cl, id, 50*time.Millisecond); err != nil {
		jww.FATAL.Panicf("download %s failed: %+v", id, err)
	}

	_ = stop.Close(5 * time.Second)

	fmt.Printf("transfer %s complete\n", id)
}

func parseTransferKey(s string) (xferkey.TransferKey, error) {
	var key xferkey.TransferKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != xferkey.KeySize {
		return key, fmt.Errorf("want %d bytes, got %d", xferkey.KeySize, len(b))
	}
	copy(key[:], b)
	return key, nil
}

func parseMetaMac(s string) (xferkey.Block, error) {
	var mac xferkey.Block
	b, err := hex.DecodeString(s)
	if err != nil {
		return mac, err
	}
	if len(b) != xferkey.BlockSize {
		return mac, fmt.Errorf("want %d bytes, got %d", xferkey.BlockSize, len(b))
	}
	copy(mac[:], b)
	return mac, nil
}
