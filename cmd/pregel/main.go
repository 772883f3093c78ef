package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/kgraph/pregel"
	"github.com/kgraph/pregel/coordination"
	zkstore "github.com/kgraph/pregel/coordination/zk"
	"github.com/kgraph/pregel/pagerank"
	kafkalog "github.com/kgraph/pregel/transport/kafka"
	"github.com/kgraph/pregel/tracing"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"
)

var (
	appName = "pregel-worker"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"sha":  appSha,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Usage = "Runs one worker of a distributed PageRank computation"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "job-id",
			EnvVar: "JOB_ID",
			Usage:  "The ID of the computation; must match across all workers of the group",
		},
		cli.StringFlag{
			Name:   "coordination-connect",
			EnvVar: "COORDINATION_CONNECT",
			Usage:  "Comma-separated host:port list of the ZooKeeper ensemble",
		},
		cli.StringFlag{
			Name:   "kafka-brokers",
			EnvVar: "KAFKA_BROKERS",
			Usage:  "Comma-separated host:port list of the Kafka bootstrap servers",
		},
		cli.StringFlag{
			Name:   "kafka-topic",
			EnvVar: "KAFKA_TOPIC",
			Usage:  "The pre-created topic carrying the job's vertex messages (defaults to pregel-<job-id>)",
		},
		cli.IntFlag{
			Name:   "num-partitions",
			Value:  4,
			EnvVar: "NUM_PARTITIONS",
			Usage:  "The number of transport partitions; must match the topic's partition count",
		},
		cli.IntFlag{
			Name:   "group-size",
			Value:  1,
			EnvVar: "GROUP_SIZE",
			Usage:  "The expected number of workers in the group",
		},
		cli.IntFlag{
			Name:   "max-iterations",
			EnvVar: "MAX_ITERATIONS",
			Usage:  "The superstep bound; 0 runs until convergence",
		},
		cli.BoolTFlag{
			Name:   "combiner-enabled",
			EnvVar: "COMBINER_ENABLED",
			Usage:  "Combine inbound score messages per destination vertex",
		},
		cli.IntFlag{
			Name:   "compute-workers",
			Value:  runtime.NumCPU(),
			EnvVar: "COMPUTE_WORKERS",
			Usage:  "The number of goroutines used for invoking the compute callback",
		},
		cli.Float64Flag{
			Name:   "damping-factor",
			Value:  0.85,
			EnvVar: "DAMPING_FACTOR",
			Usage:  "The PageRank damping factor",
		},
		cli.Float64Flag{
			Name:   "min-sad",
			Value:  0.001,
			EnvVar: "MIN_SAD",
			Usage:  "Halt once the summed absolute score difference between supersteps drops below this value",
		},
		cli.StringFlag{
			Name:   "edge-list",
			EnvVar: "EDGE_LIST",
			Usage:  "Path to a whitespace-separated src/dst edge list with this worker's slice of the graph",
		},
		cli.IntFlag{
			Name:   "metrics-port",
			Value:  6060,
			EnvVar: "METRICS_PORT",
			Usage:  "The port for exposing prometheus metrics and pprof endpoints",
		},
	}
	app.Action = runMain
	return app
}

func runMain(appCtx *cli.Context) error {
	jobID := appCtx.String("job-id")
	if jobID == "" {
		return xerrors.New("job ID must be specified with --job-id")
	}
	logger := logger.WithField("job_id", jobID)

	tracer := tracing.MustGetTracer(appName)
	opentracing.SetGlobalTracer(tracer)
	defer func() { _ = tracing.Pool.Close() }()

	store, err := connectStore(appCtx.String("coordination-connect"), logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	topic := appCtx.String("kafka-topic")
	if topic == "" {
		topic = "pregel-" + jobID
	}
	log, err := kafkalog.New(kafkalog.Config{
		Brokers:       strings.Split(appCtx.String("kafka-brokers"), ","),
		Topic:         topic,
		NumPartitions: appCtx.Int("num-partitions"),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	computation, err := pagerank.NewComputation(pagerank.Config{
		DampingFactor:        appCtx.Float64("damping-factor"),
		MinSADForConvergence: appCtx.Float64("min-sad"),
	})
	if err != nil {
		return err
	}

	worker, err := pregel.NewWorker(pregel.Config{
		JobID:              jobID,
		Store:              store,
		Log:                log,
		Computation:        computation,
		Serializer:         pagerank.NewSerializer(),
		NumPartitions:      appCtx.Int("num-partitions"),
		GroupSize:          appCtx.Int("group-size"),
		MaxIterations:      appCtx.Int("max-iterations"),
		CombinerEnabled:    appCtx.BoolT("combiner-enabled"),
		ComputeWorkers:     appCtx.Int("compute-workers"),
		DefaultVertexValue: pagerank.InitialValue,
		Metrics:            prometheus.DefaultRegisterer,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	if err := loadEdgeList(worker, appCtx.String("edge-list")); err != nil {
		return err
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	metricsListener, err := net.Listen("tcp", fmt.Sprintf(":%d", appCtx.Int("metrics-port")))
	if err != nil {
		return err
	}
	defer func() { _ = metricsListener.Close() }()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.WithField("port", appCtx.Int("metrics-port")).Info("listening for metrics requests")
		srv := &http.Server{Handler: makeMetricsRouter()}
		_ = srv.Serve(metricsListener)
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
		select {
		case s := <-sigCh:
			logger.WithField("signal", s.String()).Info("shutting down due to signal")
			cancelFn()
		case <-ctx.Done():
		}
	}()

	res, err := worker.Run(ctx)
	if err != nil {
		return err
	}
	printScores(worker, res)

	_ = metricsListener.Close()
	wg.Wait()
	return nil
}

func connectStore(connect string, logger *logrus.Entry) (coordination.Store, error) {
	if connect == "" {
		return nil, xerrors.New("coordination endpoints must be specified with --coordination-connect")
	}
	store, err := zkstore.Connect(zkstore.Config{
		Endpoints: strings.Split(connect, ","),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return coordination.NewRetrying(store, coordination.RetryConfig{
		Attempts:  3,
		BaseDelay: time.Second,
	}), nil
}

// loadEdgeList feeds this worker's slice of the graph into the worker. Each
// line holds a source and destination vertex ID; vertices not owned by this
// worker are dropped when it joins the group.
func loadEdgeList(worker *pregel.Worker, path string) error {
	if path == "" {
		return xerrors.New("an edge list must be specified with --edge-list")
	}
	f, err := os.Open(path)
	if err != nil {
		return xerrors.Errorf("unable to open edge list: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) != 2 {
			return xerrors.Errorf("malformed edge list line %d: expected 2 fields, got %d", lineNo, len(fields))
		}
		src, dst := fields[0], fields[1]
		worker.AddVertex(src, pagerank.InitialValue(src))
		worker.AddVertex(dst, pagerank.InitialValue(dst))
		if src != dst {
			if err := worker.AddEdge(src, dst, nil); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

func makeMetricsRouter() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/debug/pprof/", pprof.Index)
	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.PathPrefix("/debug/pprof/").Handler(http.HandlerFunc(pprof.Index))
	return router
}

// printScores writes the scores of this worker's vertices to stdout, highest
// first.
func printScores(worker *pregel.Worker, res *pregel.Result) {
	vertices := worker.Graph().Vertices()
	ids := make([]string, 0, len(vertices))
	for id := range vertices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return vertices[ids[i]].Value().(float64) > vertices[ids[j]].Value().(float64)
	})

	fmt.Printf("# job completed after superstep %d\n", res.LastSuperstep)
	for _, id := range ids {
		fmt.Printf("%s\t%.8f\n", id, vertices[id].Value().(float64))
	}
}
