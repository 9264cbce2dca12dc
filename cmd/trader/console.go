package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gregtusar/etfarb/internal/config"
	"github.com/gregtusar/etfarb/pkg/console"
)

func issueToken(cfg *config.Config, subject, role string) (string, error) {
	issuer, err := console.NewTokenIssuer(cfg.Console.SigningKey, cfg.Console.TokenTTL)
	if err != nil {
		return "", err
	}
	if subject == "" {
		subject = cfg.Console.Operator
	}
	return issuer.Issue(subject, role)
}

func newTokenCmd() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a console token signed with the configured key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			token, err := issueToken(cfg, subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator name (default from config)")
	cmd.Flags().StringVar(&role, "role", console.RoleOperator, "operator or viewer")
	return cmd
}

func newConsoleCmd() *cobra.Command {
	var token, url string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Attach an operator console to a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if url == "" {
				url = cfg.Console.URL
			}
			if token == "" {
				if token, err = issueToken(cfg, "", console.RoleOperator); err != nil {
					return fmt.Errorf("no --token given and none could be issued: %w", err)
				}
			}

			log := logrus.New()
			log.SetLevel(logrus.WarnLevel)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := console.NewClient(url, token, log)
			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Close()
			return repl(ctx, client, cmd)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "console token (issued from the configured key if empty)")
	cmd.Flags().StringVar(&url, "url", "", "console websocket URL (default from config)")
	return cmd
}

func repl(ctx context.Context, client *console.Client, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "commands: p|pause, r|resume, enable|disable <strategy>, buy|sell <ticker> <qty> [market|limit <price>], cancel <id>, flatten <ticker|ALL>, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "q", "quit", "exit":
			return nil
		}

		reply, err := client.Send(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		status := "ok"
		if !reply.OK {
			status = "failed"
		}
		fmt.Fprintf(out, "[%s] %s\n", status, reply.Message)
	}
}
