package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the running configuration",
	Long:  `Show the running configuration, with secret values redacted.`,
	RunE:  runShowConfig,
}

var initConfigCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	RunE:  runInitConfig,
}

func init() {
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	for _, line := range cfg.Dump() {
		fmt.Println(line)
	}
	return nil
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	defaultConfig := `# mdserver configuration

server:
  listen_address: 169.254.169.254
  port: 80
  debug: false

service:
  name: mdserver
  type: mdserver
  ec2_versions:
    - "2009-04-04"

database:
  file: /var/lib/mdserver/db_file.json

userdata:
  dir: /etc/mdserver/userdata
  suffixes:
    - .yaml
  debug: false

public_keys:
  # default: ssh-rsa AAAA... user@host

dnsmasq:
  user: mdserver
  base_dir: /var/lib/mdserver/dnsmasq
  run_dir: /var/run/mdserver
  net_name: mds
  net_address: 10.122.0.0
  net_prefix: "16"
  gateway: 10.122.0.1
  interface: br-mds
  lease_len: 86400
  entry_order:
    - base

logging:
  level: info
  file: /var/log/mdserver.log
`

	if err := os.WriteFile("config.yaml", []byte(defaultConfig), 0o644); err != nil {
		return err
	}

	fmt.Println("Created config.yaml")
	return nil
}
