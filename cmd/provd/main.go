// Command provd runs the provenance relay engine and logs the captured graph
// as structured events. It is the reference consumer of the engine: every
// node and relation kind is wired to a zap logger, with inode identifiers
// resolved to paths through the engine's name cache.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MichaelXi3/libprovenance/pkg/provenance"
	"github.com/MichaelXi3/libprovenance/pkg/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provd",
		Short: "Provenance relay collector daemon",
		Long: "provd reads kernel provenance records from the per-CPU relay " +
			"channels and logs nodes and relations as structured events.",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.String("config", "", "Config file (default: provd.yaml in /etc/provd or the working directory)")
	flags.String("relay-path", relay.DefaultRelayPath, "Base path of the short-record channels")
	flags.String("long-relay-path", relay.DefaultLongRelayPath, "Base path of the long-record channels")
	flags.String("pid-file", relay.DefaultPIDFile, "Where to write the process identity marker")
	flags.Int("batch-size", relay.DefaultBatchSize, "Records per read cycle")
	flags.Duration("poll-timeout", relay.DefaultPollTimeout, "Bounded wait per channel poll")
	flags.Duration("sleep-interval", relay.DefaultSleepInterval, "Sleep before each poll")
	flags.Int("num-cpus", 0, "Override detected CPU count (0 = detect)")
	flags.Bool("no-pin", false, "Do not pin readers to their CPUs")
	flags.Bool("query", false, "Query mode: observe records without logging the trace")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func loadConfig(cmd *cobra.Command) (*relay.Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix("PROVD")
	v.AutomaticEnv()

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("provd")
		v.AddConfigPath("/etc/provd")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; flags and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := relay.DefaultConfig()
	cfg.RelayPath = v.GetString("relay-path")
	cfg.LongRelayPath = v.GetString("long-relay-path")
	cfg.PIDFile = v.GetString("pid-file")
	cfg.BatchSize = v.GetInt("batch-size")
	cfg.PollTimeout = v.GetDuration("poll-timeout")
	cfg.SleepInterval = v.GetDuration("sleep-interval")
	cfg.NumCPUs = v.GetInt("num-cpus")
	cfg.PinCPU = !v.GetBool("no-pin")
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	var logger *zap.Logger
	var err error
	switch level {
	case "debug":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	engine, err := relay.NewEngine(cfg, logger)
	if err != nil {
		return err
	}

	query, _ := cmd.Flags().GetBool("query")
	ops := traceOps(engine, logger.Named("trace"), query)
	if err := engine.Register(ops); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("Shutting down", zap.String("signal", s.String()))

	if err := engine.Stop(); err != nil {
		return err
	}
	stats := engine.Statistics()
	logger.Info("Final statistics",
		zap.Int64("records_processed", stats.RecordsProcessed),
		zap.Int64("records_filtered", stats.RecordsFiltered),
		zap.Int64("errors", stats.ErrorCount),
		zap.Duration("uptime", stats.Uptime),
	)
	return nil
}

// traceOps wires every record kind to the structured log.
func traceOps(engine *relay.Engine, log *zap.Logger, query bool) *relay.Ops {
	relation := func(kind string) func(*provenance.RelationInfo) {
		return func(r *provenance.RelationInfo) {
			log.Info("relation",
				zap.String("kind", kind),
				zap.Uint64("type", r.Header.ID.TypeTag()),
				zap.Uint64("from", r.From.ObjectID()),
				zap.Uint64("to", r.To.ObjectID()),
				zap.Bool("allowed", r.Allowed != 0),
			)
		}
	}

	return &relay.Ops{
		IsQuery: query,
		LogError: func(err error) {
			log.Warn("record error", zap.Error(err))
		},
		Proc: func(p *provenance.ProcInfo) {
			log.Info("proc",
				zap.Uint64("id", p.Header.ID.ObjectID()),
				zap.Uint32("pid", p.PID),
				zap.Uint32("uid", p.UID),
				zap.Uint32("gid", p.GID),
			)
		},
		Task: func(t *provenance.TaskInfo) {
			log.Info("task",
				zap.Uint64("id", t.Header.ID.ObjectID()),
				zap.Uint32("pid", t.PID),
				zap.Uint32("vpid", t.VPID),
			)
		},
		Inode: func(i *provenance.InodeInfo) {
			name, _ := engine.LookupName(i.Header.ID)
			log.Info("inode",
				zap.Uint64("id", i.Header.ID.ObjectID()),
				zap.Uint64("ino", i.Ino),
				zap.Uint32("uid", i.UID),
				zap.String("name", name),
			)
		},
		Msg: func(m *provenance.MsgMsgInfo) {
			log.Info("msg", zap.Uint64("id", m.Header.ID.ObjectID()))
		},
		Shm: func(s *provenance.ShmInfo) {
			log.Info("shm", zap.Uint64("id", s.Header.ID.ObjectID()))
		},
		Packet: func(p *provenance.PacketInfo) {
			log.Info("packet",
				zap.Uint32("seq", p.Seq),
				zap.Uint32("len", p.Length),
			)
		},
		Iattr: func(i *provenance.IattrInfo) {
			log.Info("iattr", zap.Uint64("id", i.Header.ID.ObjectID()))
		},
		Used:       relation("used"),
		Informed:   relation("informed"),
		Generated:  relation("generated"),
		Derived:    relation("derived"),
		Influenced: relation("influenced"),
		Associated: relation("associated"),
		Str: func(s *provenance.StrInfo) {
			log.Info("str", zap.String("value", s.Value()))
		},
		Path: func(p *provenance.PathInfo) {
			log.Info("path",
				zap.Uint64("id", p.Header.ID.ObjectID()),
				zap.String("name", p.Path()),
			)
		},
		Address: func(a *provenance.AddressInfo) {
			log.Info("address", zap.Uint64("len", a.Length))
		},
		Xattr: func(x *provenance.XattrInfo) {
			log.Info("xattr", zap.String("name", x.AttrName()))
		},
		EntityDisclosed: func(d *provenance.DiscNodeInfo) {
			log.Info("disclosed", zap.String("kind", "entity"))
		},
		ActivityDisclosed: func(d *provenance.DiscNodeInfo) {
			log.Info("disclosed", zap.String("kind", "activity"))
		},
		AgentDisclosed: func(d *provenance.DiscNodeInfo) {
			log.Info("disclosed", zap.String("kind", "agent"))
		},
		PacketContent: func(p *provenance.PckCntInfo) {
			log.Info("packet_content", zap.Uint64("len", p.Length))
		},
		Arg: func(a *provenance.ArgInfo) {
			log.Info("arg", zap.String("value", a.Arg()))
		},
		Machine: func(m *provenance.MachineInfo) {
			log.Info("machine",
				zap.Uint8("major", m.Major),
				zap.Uint8("minor", m.Minor),
				zap.Uint8("patch", m.Patch),
			)
		},
	}
}
