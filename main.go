// Command geoqc-server is the long-running RPC front end for the engine
// (spec.md §6's "CLI / RPC surface"), exposing startValidation/
// getJobStatus/getJobResult/cancelJob over HTTP for jobs started through
// this process; the `geoqc status`/`geoqc cancel` CLI subcommands do not
// contact it. It is the teacher's
// http.HandleFunc-per-operation main.go (dissolve/check-geometry/
// clean-topology handlers, panic-recovery wrapper) rebuilt around
// orchestrator.JobManager instead of one-shot polygon-fixing requests.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bsaid97/go-geoqc/errorstore"
	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/indexmanager"
	"github.com/bsaid97/go-geoqc/internal/log"
	"github.com/bsaid97/go-geoqc/internal/metrics"
	"github.com/bsaid97/go-geoqc/memctl"
	"github.com/bsaid97/go-geoqc/orchestrator"
	"github.com/bsaid97/go-geoqc/rules"
)

type server struct {
	jm  *orchestrator.JobManager
	log log.Logger
}

func main() {
	addr := flag.String("addr", ":8080", "address to listen on")
	storePath := flag.String("store", "", "path to a GeoJSON FeatureCollection to validate against")
	dbPath := flag.String("db", "geoqc.sqlite", "path to the embedded error store")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := log.New(os.Stderr, *debug)
	logger.Info("starting geoqc RPC server", "addr", *addr)

	store, err := errorstore.Open(*dbPath)
	if err != nil {
		logger.Error("failed to open error store", err)
		os.Exit(1)
	}
	defer store.Close()

	indexes, err := indexmanager.New(indexmanager.DefaultCacheSize, logger.With("component=indexmanager"))
	if err != nil {
		logger.Error("failed to build index manager", err)
		os.Exit(1)
	}

	memCtl := memctl.New(memctl.DefaultThresholds)

	var mtr *metrics.Registry
	if *metricsAddr != "" {
		mtr = metrics.New()
		if err := mtr.Serve(*metricsAddr); err != nil {
			logger.Warn("failed to start metrics server", "err", err)
			mtr = nil
		}
	}

	source := feature.NewGeoJSONSource()
	if *storePath != "" {
		data, err := os.ReadFile(*storePath)
		if err != nil {
			logger.Error("failed to read store file", err, "path", *storePath)
			os.Exit(1)
		}
		layerName := strings.TrimSuffix(filepath.Base(*storePath), filepath.Ext(*storePath))
		if _, err := source.LoadLayer(layerName, data); err != nil {
			logger.Error("failed to load store layer", err, "path", *storePath)
			os.Exit(1)
		}
	}

	jm := orchestrator.NewJobManager(source, indexes, store, memCtl, mtr, logger)
	srv := &server{jm: jm, log: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/validate", srv.withRecover(srv.handleValidate))
	mux.HandleFunc("/status/", srv.withRecover(srv.handleStatus))
	mux.HandleFunc("/result/", srv.withRecover(srv.handleResult))
	mux.HandleFunc("/cancel/", srv.withRecover(srv.handleCancel))

	logger.Info("registered all HTTP handlers")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("server failed to start", err)
		os.Exit(1)
	}
}

func (s *server) withRecover(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered in handler", fmt.Errorf("%v", rec), "path", r.URL.Path)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// validateRequest is the JSON body for POST /validate. The feature store is
// fixed at server startup (--store); a request supplies only the rule set
// and run parameters for spec.md §6's startValidation call.
type validateRequest struct {
	LayerName               string               `json:"layerName"`
	RuleSet                 validateRuleSetInput `json:"ruleSet"`
	Stages                  []int                `json:"stages"`
	StopOnTableCheckFailure bool                 `json:"stopOnTableCheckFailure"`
	RunName                 string               `json:"runName"`
	ExecutedBy              string               `json:"executedBy"`
}

type validateRuleSetInput struct {
	GeometryRules []rules.GeometryRule `json:"geometryRules"`
	RelationRules []rules.RelationRule `json:"relationRules"`
	TopologyRules []rules.TopologyRule `json:"topologyRules"`
}

func (s *server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading request body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	var req validateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	ruleSet := &rules.RuleSet{
		Rows:          []rules.LayerRow{{TableID: "1", TableName: req.LayerName}},
		GeometryRules: req.RuleSet.GeometryRules,
		RelationRules: req.RuleSet.RelationRules,
		TopologyRules: req.RuleSet.TopologyRules,
	}

	jobID := s.jm.StartValidation(orchestrator.Config{
		StorePath:               req.LayerName,
		RuleSet:                 ruleSet,
		Stages:                  req.Stages,
		StopOnTableCheckFailure: req.StopOnTableCheckFailure,
		RunName:                 req.RunName,
		ExecutedBy:              req.ExecutedBy,
	})

	sendJSON(w, map[string]string{"jobId": jobID})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/status/")
	status, ok := s.jm.GetJobStatus(jobID)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	sendJSON(w, map[string]string{"jobId": jobID, "status": string(status)})
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/result/")
	job, ok := s.jm.GetJobResult(jobID)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	sendJSON(w, job)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/cancel/")
	if !s.jm.CancelJob(jobID) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	sendJSON(w, map[string]string{"jobId": jobID, "status": "cancelling"})
}

func sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
