package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bacalhau-project/sshwrap/logger"
)

// uploadCmd copies a local file to the remote host over SCP.
var uploadCmd = &cobra.Command{
	Use:   "upload [local] [remote]",
	Short: "Copy a local file to the remote host over SCP",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, remote := args[0], args[1]
		file, err := os.Open(local)
		if err != nil {
			return err
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			return err
		}

		sess, conn, err := connect()
		if err != nil {
			return err
		}
		defer conn.Close()
		defer sess.Close()

		ch, err := sess.ScpSend(remote, int(info.Mode().Perm()), info.Size(), info.ModTime().Unix(), 0)
		if err != nil {
			return err
		}
		defer ch.Close()

		n, err := io.Copy(ch, file)
		if err != nil {
			return err
		}
		if err := ch.SendEOF(); err != nil {
			return err
		}
		if err := ch.WaitEOF(); err != nil {
			return err
		}
		logger.Get().Info("uploaded file",
			logger.String("local", local),
			logger.String("remote", remote),
			logger.Int64("bytes", n))
		return nil
	},
}

// downloadCmd copies a remote file to the local filesystem over SCP.
var downloadCmd = &cobra.Command{
	Use:   "download [remote] [local]",
	Short: "Copy a remote file to the local filesystem over SCP",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, local := args[0], args[1]

		sess, conn, err := connect()
		if err != nil {
			return err
		}
		defer conn.Close()
		defer sess.Close()

		ch, stat, err := sess.ScpRecv(remote)
		if err != nil {
			return err
		}
		defer ch.Close()

		file, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(stat.Mode&0o777))
		if err != nil {
			return err
		}
		defer file.Close()

		n, err := io.Copy(file, ch)
		if err != nil {
			return err
		}
		if n != stat.Size {
			return fmt.Errorf("short transfer: got %d bytes, expected %d", n, stat.Size)
		}
		logger.Get().Info("downloaded file",
			logger.String("remote", remote),
			logger.String("local", local),
			logger.Int64("bytes", n))
		return nil
	},
}
