package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/cloudstore"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/compute"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/config"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/fsutil"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/version"
)

// app carries the state shared by every subcommand.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.ServerConfig
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	defaults := &config.ServerConfig{}

	root := &cobra.Command{
		Use:           "cpicp",
		Short:         "Partitioned ICP registration search",
		Long:          `Registers a source point cloud onto a target by sweeping partition counts, running ICP on corresponding partitions and keeping the transform with the lowest global RMSE.`,
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "",
		"config file (default: ./cpicp.{json,yaml,toml} or ~/.config/cpicp/)")
	pf.String("clouds-dir", defaults.GetCloudsDir(), "directory of point cloud files")
	pf.String("db", defaults.GetDBPath(), "search history database")
	_ = a.v.BindPFlag("clouds_dir", pf.Lookup("clouds-dir"))
	_ = a.v.BindPFlag("db_path", pf.Lookup("db"))

	root.AddCommand(
		a.serveCmd(),
		a.runCmd(),
		a.cloudsCmd(),
		a.historyCmd(),
		a.migrateCmd(),
		a.versionCmd(),
	)
	return root
}

func (a *app) cloudStore(ttl bool) *cloudstore.DirStore {
	cacheTTL := a.cfg.GetCloudCacheTTL()
	if !ttl {
		cacheTTL = 0
	}
	return cloudstore.NewDirStore(fsutil.OSFileSystem{}, a.cfg.GetCloudsDir(), cacheTTL)
}

func (a *app) orchestrator(clouds cloudstore.Store, tracer trace.Tracer) *registration.Orchestrator {
	return registration.New(clouds, compute.NewLocal(), registration.Options{
		Strategy:           a.cfg.GetStrategy(),
		Workers:            a.cfg.GetParallelWorkers(),
		TimeConvergingStep: a.cfg.GetRecordConvergingStepTime(),
		Tracer:             tracer,
	})
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}
