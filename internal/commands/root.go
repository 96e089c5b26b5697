package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sjjf/md-server/internal/config"
	"github.com/sjjf/md-server/internal/version"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mdserver",
	Short: "A metadata server for libvirt instances",
	Long: `mdserver is an EC2-style metadata server for virtual machines
running under libvirt.

It serves cloud-init metadata and userdata to instances on a dedicated
metadata network, tracks instances in a small JSON database, hands out
addresses, and manages the dnsmasq configuration that serves DHCP and
DNS on that network.`,
	Version: version.Version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml, /etc/mdserver/config.yaml)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "%s" .Version}}
`)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get().String())
	},
}
