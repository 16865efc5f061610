package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/go-go-golems/sessionchat/cmd/sessionchat/cmds"
	"github.com/go-go-golems/sessionchat/pkg/config"
	"github.com/spf13/cobra"
)

// settings is resolved by the root command before any subcommand runs.
var settings = config.Default()

var rootCmd = &cobra.Command{
	Use:          "sessionchat",
	Short:        "sessionchat is a terminal client for a streaming chat backend",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.InitLoggerFromCobra(cmd); err != nil {
			return err
		}
		path, err := cmd.Flags().GetString("config-path")
		if err != nil {
			return err
		}
		loaded, err := config.Load(path, cmd.Flags())
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		settings = loaded
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config-path", config.DefaultConfigPath(), "Config file")
	pf.String("base-url", settings.BaseURL, "Chat backend base URL")
	pf.String("user-id", "", "User id sent with new messages")
	pf.String("stream-transport", settings.StreamTransport, "Stream transport: sse or websocket")
	pf.String("index-db", settings.IndexDB, "Session index sqlite file, empty for in-memory")
	pf.Bool("redis-enabled", false, "Publish session events to Redis Streams")
	pf.String("redis-addr", settings.Redis.Addr, "Redis address")
}

func main() {
	if err := clay.InitGlazed(config.AppName, rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	historyCmd, err := cmds.NewHistoryCommand(&settings)
	cobra.CheckErr(err)
	history, err := cli.BuildCobraCommand(historyCmd)
	cobra.CheckErr(err)

	sessionsCmd, err := cmds.NewSessionsCommand(&settings)
	cobra.CheckErr(err)
	sessions, err := cli.BuildCobraCommand(sessionsCmd)
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		cmds.NewChatCommand(&settings),
		cmds.NewSendCommand(&settings),
		history,
		sessions,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
