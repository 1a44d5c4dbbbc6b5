package main

import (
	"fmt"
	"os"

	"github.com/bacalhau-project/sshwrap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
