// Copyright 2026 The CloudToLocalLLM Authors
// SPDX-License-Identifier: Apache-2.0

// Bridge-call is a one-shot IPC client for poking the daemon and tray
// from the command line.
//
//	bridge-call health
//	bridge-call status
//	bridge-call stream llama3 "why is the sky blue"
//	bridge-call window toggle
//	bridge-call service restart daemon
//
// Health, stream, and service talk to the daemon's IPC socket; window
// talks to the tray. Override the target with --socket.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/cloudtolocalllm/bridge/ipc"
)

const (
	defaultDaemonSocket = "/run/bridge/ipc.sock"
	defaultTraySocket   = "/run/bridge/tray.sock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var socketPath string
	var timeout time.Duration

	flagSet := pflag.NewFlagSet("bridge-call", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "IPC socket to dial (default depends on the command)")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for the call")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	args := flagSet.Args()
	if len(args) < 1 {
		return fmt.Errorf("usage: bridge-call [--socket path] <health|status|stream|window|service> [args]")
	}
	command, args := args[0], args[1:]

	if socketPath == "" {
		if command == "window" {
			socketPath = defaultTraySocket
		} else {
			socketPath = defaultDaemonSocket
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Status reports arrive as unsolicited broadcasts; register the
	// handler before dialing so none are missed.
	reports := make(chan ipc.StatusReportPayload, 1)
	handlers := map[string]ipc.HandlerFunc{
		ipc.TypeStatusReport: func(ctx context.Context, conn *ipc.Conn, message ipc.Message) (*ipc.Message, error) {
			var report ipc.StatusReportPayload
			if err := ipc.DecodePayload(message, &report); err != nil {
				return nil, err
			}
			select {
			case reports <- report:
			default:
			}
			return nil, nil
		},
	}

	conn, err := ipc.Dial(socketPath, ipc.ConnConfig{Handlers: handlers})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	switch command {
	case "health":
		return callHealth(ctx, conn)
	case "status":
		return awaitStatus(ctx, reports)
	case "stream":
		if len(args) < 2 {
			return fmt.Errorf("usage: bridge-call stream <model> <message>")
		}
		return callStream(ctx, conn, args[0], strings.Join(args[1:], " "))
	case "window":
		if len(args) != 1 {
			return fmt.Errorf("usage: bridge-call window <show|hide|toggle>")
		}
		return callWindow(ctx, conn, args[0])
	case "service":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: bridge-call service <restart|quit> [service]")
		}
		service := "daemon"
		if len(args) == 2 {
			service = args[1]
		}
		return callService(ctx, conn, args[0], service)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// awaitStatus waits for the next status_report broadcast. The daemon
// emits one on every route transition, so this blocks until the route
// changes or the deadline passes.
func awaitStatus(ctx context.Context, reports <-chan ipc.StatusReportPayload) error {
	select {
	case report := <-reports:
		fmt.Printf("route=%s quality=%s\n", report.Route, report.Quality)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no status report before the deadline: %w", ctx.Err())
	}
}

func callHealth(ctx context.Context, conn *ipc.Conn) error {
	request, err := ipc.New(ipc.TypeHealthCheck, ipc.HealthCheckPayload{Service: "daemon"}, time.Now())
	if err != nil {
		return err
	}
	reply, err := conn.Request(ctx, request)
	if err != nil {
		return err
	}
	var status ipc.HealthStatusPayload
	if err := ipc.DecodePayload(reply, &status); err != nil {
		return err
	}
	fmt.Println(status.Status)
	return nil
}

func callStream(ctx context.Context, conn *ipc.Conn, model, message string) error {
	request, err := ipc.New(ipc.TypeStreamRequest, ipc.StreamRequestPayload{Model: model, Message: message}, time.Now())
	if err != nil {
		return err
	}
	chunks, err := conn.Stream(ctx, request)
	if err != nil {
		return err
	}
	for chunk := range chunks {
		if chunk.Type == ipc.TypeError {
			var failure ipc.ErrorPayload
			if err := ipc.DecodePayload(chunk, &failure); err != nil {
				return err
			}
			return fmt.Errorf("stream failed: %s", failure.Error)
		}
		var payload ipc.StreamChunkPayload
		if err := ipc.DecodePayload(chunk, &payload); err != nil {
			return err
		}
		fmt.Print(payload.Text)
		if payload.Done {
			fmt.Println()
			return nil
		}
	}
	return fmt.Errorf("stream ended without a done chunk")
}

func callWindow(ctx context.Context, conn *ipc.Conn, action string) error {
	request, err := ipc.New(ipc.TypeWindowControl, ipc.WindowControlPayload{Action: action}, time.Now())
	if err != nil {
		return err
	}
	_, err = conn.Request(ctx, request)
	return err
}

func callService(ctx context.Context, conn *ipc.Conn, action, service string) error {
	request, err := ipc.New(ipc.TypeServiceControl, ipc.ServiceControlPayload{Action: action, Service: service}, time.Now())
	if err != nil {
		return err
	}
	_, err = conn.Request(ctx, request)
	return err
}
