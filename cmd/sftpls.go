package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// sftpLsCmd lists a remote directory over SFTP.
var sftpLsCmd = &cobra.Command{
	Use:   "sftp-ls [path]",
	Short: "List a remote directory over SFTP",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, conn, err := connect()
		if err != nil {
			return err
		}
		defer conn.Close()
		defer sess.Close()

		sf, err := sess.Sftp()
		if err != nil {
			return err
		}
		defer sf.Close()

		entries, err := sf.Readdir(args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		for _, entry := range entries {
			kind := "-"
			if entry.Attrs.IsDir() {
				kind = "d"
			} else if entry.Attrs.IsSymlink() {
				kind = "l"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", kind, entry.Attrs.Size, entry.Name)
		}
		return w.Flush()
	},
}
