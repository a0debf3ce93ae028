// Package cmd provides the command-line interface of ftlsim.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/ftl/config"
)

var (
	cfgFile string
	envFile string

	v = config.New(".")
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ftlsim",
	Short: "ftlsim drives a flash translation layer with a synthetic workload.",
	Long: `ftlsim builds a flash translation layer over a simulated NAND ` +
		`device and runs a synthetic read and write workload against it. ` +
		`Settings come from ftlsim.yaml, FTLSIM_* environment variables ` +
		`and flags, in increasing order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := config.LoadDotEnv(envFile)
		if err != nil {
			return err
		}

		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./ftlsim.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"file with FTLSIM_* variables to load")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}
}
