// Command geoqc is the CLI surface from spec.md §6: a validate subcommand
// driving orchestrator.JobManager, plus status/cancel subcommands that only
// print a notice that job state lives in-process, grounded on the example
// pack's cobra.Command tree shape (jessesanford-kcp's workload-syncer:
// one root command, flags bound via a small options struct, RunE wiring
// into the actual work function).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bsaid97/go-geoqc/errorstore"
	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/indexmanager"
	"github.com/bsaid97/go-geoqc/internal/log"
	"github.com/bsaid97/go-geoqc/internal/metrics"
	"github.com/bsaid97/go-geoqc/memctl"
	"github.com/bsaid97/go-geoqc/orchestrator"
	"github.com/bsaid97/go-geoqc/rules"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "geoqc: %v\n", err)
		os.Exit(int(orchestrator.ExitConfigError))
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "geoqc",
		Short: "Geospatial QC validation engine",
		Long:  "geoqc runs geometry, topology, and attribute-relation validation rules against a feature store and stores findings for review.",
	}
	root.AddCommand(newValidateCommand(), newStatusCommand(), newCancelCommand())
	return root
}

// validateOptions mirrors spec.md §6's startValidation parameters.
type validateOptions struct {
	configDir               string
	stages                  string
	stopOnTableCheckFailure bool
	numWorkers              int
	runName                 string
	executedBy              string
	dbPath                  string
	metricsAddr             string
	debug                   bool
}

func newValidateCommand() *cobra.Command {
	opts := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate <store>",
		Short: "Run a validation pass against a feature store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configDir, "config", "", "directory containing rules.csv and rules.json")
	flags.StringVar(&opts.stages, "stages", "1,2,3,4,5", "comma-separated stage numbers to run")
	flags.BoolVar(&opts.stopOnTableCheckFailure, "stop-on-table-failure", false, "skip later stages if table checks fail")
	flags.IntVar(&opts.numWorkers, "workers", 0, "worker pool size (0 = CPU count)")
	flags.StringVar(&opts.runName, "run-name", "", "human-readable run name")
	flags.StringVar(&opts.executedBy, "executed-by", "", "identity to record as the run's operator")
	flags.StringVar(&opts.dbPath, "db", "geoqc.sqlite", "path to the embedded error store")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	return cmd
}

func runValidate(storePath string, opts *validateOptions) error {
	logger := log.New(os.Stderr, opts.debug)

	stages, err := parseStages(opts.stages)
	if err != nil {
		os.Exit(int(orchestrator.ExitConfigError))
		return err
	}

	ruleSet, err := loadRuleSet(opts.configDir)
	if err != nil {
		os.Exit(int(orchestrator.ExitConfigError))
		return err
	}

	source := feature.NewGeoJSONSource()
	if _, err := loadStore(source, storePath); err != nil {
		os.Exit(int(orchestrator.ExitIOError))
		return err
	}

	store, err := errorstore.Open(opts.dbPath)
	if err != nil {
		os.Exit(int(orchestrator.ExitIOError))
		return err
	}
	defer store.Close()

	indexes, err := indexmanager.New(indexmanager.DefaultCacheSize, logger.With("component=indexmanager"))
	if err != nil {
		os.Exit(int(orchestrator.ExitConfigError))
		return err
	}

	memCtl := memctl.New(memctl.DefaultThresholds)

	var mtr *metrics.Registry
	if opts.metricsAddr != "" {
		mtr = metrics.New()
		if err := mtr.Serve(opts.metricsAddr); err != nil {
			logger.Warn("failed to start metrics server", "err", err)
			mtr = nil
		}
	}

	jm := orchestrator.NewJobManager(source, indexes, store, memCtl, mtr, logger)
	jobID := jm.StartValidation(orchestrator.Config{
		StorePath:               storePath,
		RuleSet:                 ruleSet,
		Stages:                  stages,
		StopOnTableCheckFailure: opts.stopOnTableCheckFailure,
		NumWorkers:              opts.numWorkers,
		RunName:                 opts.runName,
		ExecutedBy:              opts.executedBy,
	})

	fmt.Printf("jobId: %s\n", jobID)
	for {
		status, ok := jm.GetJobStatus(jobID)
		if !ok {
			os.Exit(int(orchestrator.ExitConfigError))
			return fmt.Errorf("job %s disappeared from the registry", jobID)
		}
		if status == orchestrator.StatusCompleted || status == orchestrator.StatusFailed || status == orchestrator.StatusCancelled {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	job, _ := jm.GetJobResult(jobID)
	fmt.Printf("status: %s\n", job.Status)
	if job.FinalError != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", job.FinalError)
	}
	os.Exit(int(job.ExitCode))
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Print a job's current lifecycle status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("status command requires a long-running geoqc server process; use validate for a synchronous run")
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <jobId>",
		Short: "Request cancellation of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("cancel command requires a long-running geoqc server process; use validate for a synchronous run")
			return nil
		},
	}
}

func parseStages(spec string) ([]int, error) {
	parts := strings.Split(spec, ",")
	stages := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid stage number %q: %w", p, err)
		}
		stages = append(stages, n)
	}
	return stages, nil
}

func loadRuleSet(configDir string) (*rules.RuleSet, error) {
	if configDir == "" {
		return &rules.RuleSet{}, nil
	}

	var rs *rules.RuleSet
	csvPath := filepath.Join(configDir, "rules.csv")
	if f, err := os.Open(csvPath); err == nil {
		defer f.Close()
		parsed, err := rules.LoadCSV(f)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", csvPath, err)
		}
		rs = parsed
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening %s: %w", csvPath, err)
	}

	jsonPath := filepath.Join(configDir, "rules.json")
	if f, err := os.Open(jsonPath); err == nil {
		defer f.Close()
		parsed, err := rules.LoadJSON(f, rs)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", jsonPath, err)
		}
		rs = parsed
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening %s: %w", jsonPath, err)
	}

	if rs == nil {
		rs = &rules.RuleSet{}
	}
	return rs, nil
}

func loadStore(source *feature.GeoJSONSource, storePath string) ([]int, error) {
	data, err := os.ReadFile(storePath)
	if err != nil {
		return nil, fmt.Errorf("reading store %s: %w", storePath, err)
	}
	layerName := strings.TrimSuffix(filepath.Base(storePath), filepath.Ext(storePath))
	return source.LoadLayer(layerName, data)
}
