////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package main

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
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
	uploadFileFlag   = "file"
	uploadURLFlag    = "url"
	uploadIDFlag     = "id"
	uploadResumeFlag = "resume"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a local file, printing its transfer ID and MetaMac once complete.",
	Args:  cobra.NoArgs,
	Run:   runUpload,
}

func init() {
	uploadCmd.Flags().String(uploadFileFlag, "", "Path of the local file to upload.")
	cmdutils.BindFlagHelper(uploadFileFlag, uploadCmd)

	uploadCmd.Flags().String(uploadURLFlag, "", "Temporary upload URL issued by the storage server.")
	cmdutils.BindFlagHelper(uploadURLFlag, uploadCmd)

	uploadCmd.Flags().String(uploadIDFlag, "", "Transfer ID to use; a random one is generated if empty.")
	cmdutils.BindFlagHelper(uploadIDFlag, uploadCmd)

	uploadCmd.Flags().Bool(uploadResumeFlag, false,
		"Resume a previously cached upload (--id required) from its last persisted progress, "+
			"instead of generating a new key/ctriv.")
	cmdutils.BindFlagHelper(uploadResumeFlag, uploadCmd)

	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) {
	path := viper.GetString(uploadFileFlag)
	if path == "" {
		jww.FATAL.Panicf("--%s is required", uploadFileFlag)
	}
	url := viper.GetString(uploadURLFlag)
	if url == "" {
		jww.FATAL.Panicf("--%s is required", uploadURLFlag)
	}

	info, err := os.Stat(path)
	if err != nil {
		jww.FATAL.Panicf("failed to stat %s: %+v", path, err)
	}

	resume := viper.GetBool(uploadResumeFlag)
	id := viper.GetString(uploadIDFlag)
	if resume && id == "" {
		jww.FATAL.Panicf("--%s requires --%s", uploadResumeFlag, uploadIDFlag)
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
	if resume {
		t, err = cl.LoadTransfer(id)
		if err != nil {
			jww.FATAL.Panicf("failed to load cached transfer %s for resume: %+v", id, err)
		}
		jww.INFO.Printf("[XFERCTL] Resuming transfer %s from %d/%d bytes.", id, t.ProgressCompleted, t.Size)
	} else {
		key, ctriv, err := newTransferSecrets()
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		t = xfer.NewTransfer(xfer.Put, info.Size(), key, ctriv)
		t.Files = []xfer.FileAttachment{{LocalID: uuid.New(), Path: path}}
	}

	file := fsio.NewFileAccess()
	if err := file.Open(path, false, true); err != nil {
		jww.FATAL.Panicf("failed to open %s for reading: %+v", path, err)
	}

	pendingURLs = []string{url}
	if err := cl.AddTransfer(id, t, false, file); err != nil {
		jww.FATAL.Panicf("failed to schedule upload: %+v", err)
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
		jww.FATAL.Panicf("upload %s failed: %+v", id, err)
	}

	_ = stop.Close(5 * time.Second)

	fmt.Printf("transfer %s complete, metamac %s\n", id, hex.EncodeToString(t.MetaMac[:]))
}

// newTransferSecrets generates a fresh random transfer key and counter IV,
// the way a client creates a brand new transfer.
func newTransferSecrets() (xferkey.TransferKey, uint64, error) {
	var key xferkey.TransferKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, 0, errors.Errorf("failed to generate transfer key: %+v", err)
	}
	var ivBuf [8]byte
	if _, err := rand.Read(ivBuf[:]); err != nil {
		return key, 0, errors.Errorf("failed to generate counter iv: %+v", err)
	}
	return key, binary.BigEndian.Uint64(ivBuf[:]), nil
}

// parseURLs splits a comma-separated --urls flag into trimmed URLs; an empty
// flag yields nil.
func parseURLs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
