package coremain

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

var svcCfg = &service.Config{
	Name:        "pdns",
	DisplayName: "pdns",
	Description: "A DNS load balancer with a packet cache.",
}

var svc service.Service

// serverService adapts StartServer to the service manager.
type serverService struct {
	f *serverFlags
}

func (ss *serverService) Start(s service.Service) error {
	go func() {
		if err := StartServer(ss.f); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	return nil
}

func initService(cmd *cobra.Command, args []string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the executable path: %w", err)
	}

	svcCfg.Arguments = []string{"start", "--as-service", "-d", filepath.Dir(execPath)}
	s, err := service.New(&serverService{f: new(serverFlags)}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service: %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install pdns as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Install()
		},
	}
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the pdns service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the pdns service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start()
		},
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the pdns service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the pdns service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pdns service status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status()
			if err != nil {
				return err
			}
			switch status {
			case service.StatusRunning:
				cmd.Println("running")
			case service.StatusStopped:
				cmd.Println("stopped")
			default:
				cmd.Println("unknown")
			}
			return nil
		},
	}
}
