package main

import (
	"context"
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/syslog"
)

type program struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := serve(ctx); err != nil {
			syslog.L.Error(err).WithMessage("daemon exited with error").Write()
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.cancel()
	<-p.done
	return nil
}

func serviceConfig() *service.Config {
	return &service.Config{
		Name:        "snapguard",
		DisplayName: "Snapguard Backup Daemon",
		Description: "Schedules and executes backups against configured devices and shares.",
		Arguments:   []string{"service", "run"},
	}
}

func newServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service [install|uninstall|start|stop|run]",
		Short: "Manage the system service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := service.New(&program{}, serviceConfig())
			if err != nil {
				return fmt.Errorf("initialize service: %w", err)
			}

			action := args[0]
			if action == "run" {
				return svc.Run()
			}
			if err := service.Control(svc, action); err != nil {
				return fmt.Errorf("service %s: %w", action, err)
			}
			fmt.Printf("service %s: ok\n", action)
			return nil
		},
	}
	return cmd
}
