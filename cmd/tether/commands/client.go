package commands

import (
	"github.com/spf13/cobra"

	"github.com/farhan-ahmed1/tether/internal/config"
	"github.com/farhan-ahmed1/tether/internal/printer"
	"github.com/farhan-ahmed1/tether/pkg/client"
)

// clientFlags are shared by every command that talks to a server
type clientFlags struct {
	server  string
	token   string
	noProxy bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "", "Server URL (default from config or TETHER_SERVER)")
	cmd.Flags().StringVar(&f.token, "token", "", "Access token (default from config or TETHER_TOKEN)")
	cmd.Flags().BoolVar(&f.noProxy, "no-proxy", false, "Ignore HTTP(S)_PROXY for server requests")
}

func (f *clientFlags) newClient(cmd *cobra.Command, cfg *config.Config) (*client.Client, string, error) {
	server := cfg.Worker.ServerURL
	if cmd.Flags().Changed("server") {
		server = f.server
	}
	token := cfg.Server.Token
	if cmd.Flags().Changed("token") {
		token = f.token
	}

	c, err := client.New(client.Config{
		BrokerAddr:   server,
		Token:        token,
		DisableProxy: cfg.Worker.NoProxy || f.noProxy,
	})
	if err != nil {
		return nil, server, printer.Error("Invalid server address", err.Error(),
			[]string{"Pass --server http://HOST:8765 or set TETHER_SERVER"})
	}
	return c, server, nil
}

// requestError turns a client error into a printed CLI error
func requestError(err error, server string) error {
	switch {
	case client.IsUnauthorized(err):
		return printer.ErrorWithContext("Unauthorized", "The server rejected the access token.",
			map[string]string{"Server": server},
			[]string{"Pass --token or set TETHER_TOKEN to the server's token"})
	case client.IsNotFound(err):
		return printer.Error("Task not found", "The server has no task with that id.", nil)
	default:
		return printer.ErrorWithContext("Request failed", err.Error(),
			map[string]string{"Server": server},
			[]string{"Check that the server is running: tether server"})
	}
}
