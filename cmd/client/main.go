package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/client/app"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/client/config"
	"github.com/alaska-icy-giant/simbridge-sub002/internal/logger"
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: client [flags] <command>

Commands:
  call <address> [sim]    Place a call through the host's SIM
  accept                  Answer the ringing inbound call
  hangup                  End or reject the current call
  sms <address> <text>    Send a text
  sims                    List the host's SIM cards
  status                  Show channel and call state
  watch                   Stream call state changes until interrupted`)
	os.Exit(2)
}

func main() {
	cfg, args, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	if len(args) == 0 {
		usage()
	}

	logger.Init(os.Stderr)
	logger.SetLevel(cfg.LogLevel)

	client := app.New(cfg, func(address, body string, sim int) {
		fmt.Printf("sms from %s (sim %d): %s\n", address, sim, body)
	})
	client.Start()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectWait)
	defer cancel()
	if err := client.WaitReady(ctx); err != nil {
		slog.Error("Could not reach host", "url", cfg.HostURL, "error", err)
		os.Exit(1)
	}

	if err := dispatch(client, cfg, args); err != nil {
		slog.Error("Command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func dispatch(client *app.App, cfg *config.Config, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CommandTimeout+cfg.ConnectWait)
	defer cancel()

	switch args[0] {
	case "call":
		if len(args) < 2 {
			usage()
		}
		sim := 1
		if len(args) > 2 {
			s, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("sim slot %q: %w", args[2], err)
			}
			sim = s
		}
		sess, err := client.PlaceCall(ctx, args[1], sim)
		if err != nil {
			return err
		}
		fmt.Printf("call %s to %s: %s\n", sess.SessionID, sess.RemoteAddress, sess.State)
		return nil

	case "accept":
		sess, err := client.AcceptCall(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("call %s: %s\n", sess.SessionID, sess.State)
		return nil

	case "hangup":
		sess, err := client.HangUp(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("call %s: %s\n", sess.SessionID, sess.State)
		return nil

	case "sms":
		if len(args) < 3 {
			usage()
		}
		status, err := client.SendSMS(ctx, args[1], strings.Join(args[2:], " "), 1)
		if err != nil {
			return err
		}
		fmt.Printf("sms to %s: %s\n", args[1], status)
		return nil

	case "sims":
		sims, err := client.ListSims(ctx)
		if err != nil {
			return err
		}
		for _, s := range sims {
			fmt.Printf("slot %d: %s %s\n", s.Slot, s.Carrier, s.Number)
		}
		return nil

	case "status":
		fmt.Printf("channel: %s\n", client.ConnectionStatus())
		if sess, ok := client.Snapshot(); ok {
			fmt.Printf("call %s: %s %s to %s (sim %d)\n",
				sess.SessionID, sess.Direction, sess.State, sess.RemoteAddress, sess.SimSlot)
		} else {
			fmt.Println("call: none")
		}
		return nil

	case "watch":
		return watch(client)

	default:
		usage()
		return nil
	}
}

func watch(client *app.App) error {
	transitions, cancel := client.Watch(32)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("watching call state (ctrl-c to stop)")
	for {
		select {
		case t, ok := <-transitions:
			if !ok {
				return nil
			}
			line := fmt.Sprintf("%s  %s %s %s",
				t.Session.LastTransitionAt.Format("15:04:05"),
				t.Session.SessionID, t.Session.Direction, t.Session.State)
			if t.Session.RemoteAddress != "" {
				line += " " + t.Session.RemoteAddress
			}
			if t.Reason != "" {
				line += "  (" + t.Reason + ")"
			}
			fmt.Println(line)
		case <-sigChan:
			return nil
		}
	}
}
