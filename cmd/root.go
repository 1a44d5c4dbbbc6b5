package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	sshHost     string
	sshPort     int
	sshUser     string
	sshPassword string
	sshKeyFile  string
	verboseMode bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sshwrap",
	Short: "sshwrap is a command line client for the sshwrap SSH library",
	Long: `sshwrap exercises the sshwrap library against real servers: run
remote commands, copy files over SCP and list directories over SFTP.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sshwrap.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verboseMode, "verbose", false, "Enable verbose output")

	rootCmd.PersistentFlags().StringVar(&sshHost, "host", "", "Host to connect to")
	rootCmd.PersistentFlags().IntVar(&sshPort, "port", 22, "SSH port")
	rootCmd.PersistentFlags().StringVar(&sshUser, "user", "", "Username to authenticate as")
	rootCmd.PersistentFlags().StringVar(&sshPassword, "password", "", "Password to authenticate with")
	rootCmd.PersistentFlags().StringVar(&sshKeyFile, "key-file", "", "Private key to authenticate with")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(sftpLsCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".sshwrap" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sshwrap")
	}

	viper.SetEnvPrefix("sshwrap")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil && verboseMode {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if sshHost == "" {
		sshHost = viper.GetString("host")
	}
	if sshUser == "" {
		sshUser = viper.GetString("user")
	}
	if sshPassword == "" {
		sshPassword = viper.GetString("password")
	}
	if sshKeyFile == "" {
		sshKeyFile = viper.GetString("key-file")
	}
}
