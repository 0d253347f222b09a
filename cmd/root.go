package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bgdnvk/bouncer/internal/config"
)

var cfgFile string
var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "bouncer",
	Short: "Approval gateway for AI agent cloud commands",
	Long: `Bouncer sits between an AI agent and cloud command surfaces like the
AWS CLI, classifying every privileged action and routing anything that
is not safelisted to a human approver before it runs.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(v)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bouncer.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug output")
	rootCmd.PersistentFlags().String("http-addr", "", "HTTP listen address (default :8080)")
	rootCmd.PersistentFlags().String("store-driver", "", "store backend: memory|sqlite|postgres")

	v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	v.BindPFlag("http.addr", rootCmd.PersistentFlags().Lookup("http-addr"))
	v.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("store-driver"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(auditCmd)
}

// initConfig reads in config file and ENV variables if set, searching the
// working directory and then the home directory for .bouncer.yaml.
func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error finding home directory: %v\n", err)
			os.Exit(1)
		}
		v.AddConfigPath(home)
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".bouncer")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err == nil {
		if v.GetBool("debug") {
			fmt.Println("using config file:", v.ConfigFileUsed())
		}
	}
}
