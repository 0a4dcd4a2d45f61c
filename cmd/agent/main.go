// The agent daemon hosts the worker side of the execution host in its
// own process or guest VM. A supervisor attaches through the unix or
// vsock listener with a framed-conn channel; each connection gets a
// fresh sandbox.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/nomad/internal/agent"
	"github.com/oriys/nomad/internal/logging"
	"github.com/oriys/nomad/internal/worker"
)

var (
	flagUnixPath  string
	flagVsockPort uint32
	flagVMName    string
	flagRoot      string
	flagLogLevel  string
	flagLogFormat string
)

func main() {
	root := &cobra.Command{
		Use:   "nomad-agent",
		Short: "Worker-side sandbox daemon for the nomad execution host",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetLevelFromString(flagLogLevel)
			logging.SetFormat(flagLogFormat)
			return serve()
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&flagUnixPath, "unix", "", "unix socket path to listen on")
	root.Flags().Uint32Var(&flagVsockPort, "vsock-port", 0, "vsock port to listen on")
	root.Flags().StringVar(&flagVMName, "vm-name", "nomad", "VM name reported by the sandbox")
	root.Flags().StringVar(&flagRoot, "root", "root", "root enclosure name created at boot")
	root.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().StringVar(&flagLogFormat, "log-format", "text", "log format: text, json")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	listener, err := listen()
	if err != nil {
		return err
	}
	defer listener.Close()
	logging.Op().Info("agent listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		channel := worker.NewConn(conn)
		a := agent.New(flagVMName, flagRoot, channel)
		if err := a.Start(); err != nil {
			logging.Op().Error("agent boot failed", "error", err)
			_ = channel.Kill()
			continue
		}
		// One supervisor at a time; the next connection gets a fresh
		// sandbox once this one dies.
		<-a.Done()
	}
}

func listen() (net.Listener, error) {
	switch {
	case flagUnixPath != "":
		_ = os.Remove(flagUnixPath)
		return net.Listen("unix", flagUnixPath)
	case flagVsockPort != 0:
		return worker.ListenVsock(flagVsockPort)
	default:
		return nil, fmt.Errorf("one of --unix or --vsock-port is required")
	}
}
