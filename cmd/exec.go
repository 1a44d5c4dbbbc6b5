package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// execCmd runs a command on the remote host and relays its output.
var execCmd = &cobra.Command{
	Use:   "exec [command...]",
	Short: "Run a command on the remote host",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, conn, err := connect()
		if err != nil {
			return err
		}
		defer conn.Close()
		defer sess.Close()

		ch, err := sess.ChannelSession()
		if err != nil {
			return err
		}
		defer ch.Close()

		if err := ch.Exec(strings.Join(args, " ")); err != nil {
			return err
		}
		if _, err := io.Copy(os.Stdout, ch); err != nil {
			return err
		}
		if _, err := io.Copy(os.Stderr, ch.Stderr()); err != nil {
			return err
		}
		if err := ch.WaitEOF(); err != nil {
			return err
		}
		status, err := ch.ExitStatus()
		if err != nil {
			return err
		}
		if status != 0 {
			return fmt.Errorf("remote command exited with status %d", status)
		}
		return nil
	},
}
