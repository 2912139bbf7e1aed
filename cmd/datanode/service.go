package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tunnelmesh/datanode/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the datanode system service",
		Long: `Install, control, and manage the datanode as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

To roll back an upgrade on a service-managed node, set
startup_option: rollback in the config file and restart the service.

Examples:
  sudo datanode service install --config /etc/datanode/datanode.yaml
  sudo datanode service restart
  sudo datanode service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: datanode)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the datanode as a system service",
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the datanode system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the datanode service", capitalize(action)),
			RunE:  runServiceControl(action),
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show datanode service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View datanode service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func getServiceConfig() *svc.ServiceConfig {
	return svc.NewServiceConfig(serviceName, cfgFile, serviceUser)
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if _, err := loadConfigFrom(cfg.ConfigPath); err != nil {
		return fmt.Errorf("refusing to install with unusable config: %w", err)
	}

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed\n", cfg.Name)
	fmt.Printf("  Config: %s\n", cfg.ConfigPath)
	fmt.Printf("\nStart it with: sudo datanode service start --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	cfg := getServiceConfig()
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	fmt.Printf("Service %q uninstalled\n", cfg.Name)
	return nil
}

func runServiceControl(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := svc.CheckPrivileges(); err != nil {
			return err
		}
		cfg := getServiceConfig()
		if err := svc.Control(cfg, action); err != nil {
			return err
		}
		fmt.Printf("Service %q: %s ok\n", cfg.Name, action)
		return nil
	}
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	status, err := svc.Status(cfg)
	if err != nil {
		return fmt.Errorf("get service status: %w", err)
	}
	fmt.Printf("Service: %s\n", cfg.Name)
	fmt.Printf("Status:  %s\n", svc.StatusString(status))
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: getServiceConfig().Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
