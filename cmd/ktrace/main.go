// ktrace drives a synthetic workload through the probekit engine. It
// stands in for the CPU and arch layer: it allocates a text image,
// registers symbols and tasks, and delivers the break and debug traps
// a real kernel would take, then prints what the tracing control plane
// collected.
package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/probekit/probekit/logger"
)

var log = logger.GetLogger()

const (
	keyConfigFile  = "config-file"
	keyLogLevel    = "log-level"
	keyLogFormat   = "log-format"
	keyDebug       = "debug"
	keyArenaPages  = "arena-pages"
	keyTraceBuffer = "trace-buffer-records"
	keyTasks       = "tasks"
	keyCalls       = "calls"
	keyFilter      = "filter"
	keyFollowPipe  = "follow"
	keyShowMetrics = "metrics"
)

func execute() error {
	rootCmd := &cobra.Command{
		Use:   "ktrace",
		Short: "Run a synthetic workload against the probekit engine",
		Long: `ktrace builds an in-process kernel, plants a kprobe, a kretprobe and a
tracepoint program on a synthetic text image, runs a task workload
against them and prints the trace buffer, the maps the programs filled
and the engine counters.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := readConfig(); err != nil {
				log.WithError(err).Fatal("Failed to load configuration")
			}
			err := logger.SetupLogging(
				viper.GetString(keyLogLevel),
				viper.GetString(keyLogFormat),
				viper.GetBool(keyDebug),
			)
			if err != nil {
				log.WithError(err).Fatal("Failed to set up logging")
			}
			if err := run(); err != nil {
				log.WithError(err).Fatal("Workload failed")
			}
		},
	}

	cobra.OnInitialize(func() {
		viper.SetEnvPrefix("ktrace")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
	})

	flags := rootCmd.PersistentFlags()
	flags.String(keyConfigFile, "", "Configuration file to load from")
	flags.String(keyLogLevel, "info", "Set log level")
	flags.String(keyLogFormat, "text", "Set log format (text or json)")
	flags.BoolP(keyDebug, "d", false, "Enable debug messages. Equivalent to '--log-level=debug'")
	flags.Int(keyArenaPages, 16, "Pages per executable memory arena")
	flags.Int(keyTraceBuffer, 1024, "Trace buffer capacity in records")
	flags.Int(keyTasks, 4, "Synthetic tasks to run")
	flags.Int(keyCalls, 25, "Instrumented calls per task")
	flags.String(keyFilter, "", "Filter predicate for the demo tracepoint, e.g. 'count > 2048'")
	flags.Bool(keyFollowPipe, false, "Stream trace_pipe while the workload runs instead of dumping trace after it")
	flags.Bool(keyShowMetrics, true, "Print engine counters when the workload is done")

	viper.BindPFlags(flags)
	return rootCmd.Execute()
}

func readConfig() error {
	file := viper.GetString(keyConfigFile)
	if file == "" {
		return nil
	}
	viper.SetConfigFile(file)
	if err := viper.ReadInConfig(); err != nil {
		return err
	}
	log.WithField("file", viper.ConfigFileUsed()).Info("Loaded config from file")
	return nil
}

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}
