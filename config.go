package pregel

import (
	"io/ioutil"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/kgraph/pregel/coordination"
	"github.com/kgraph/pregel/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Recognized configuration keys for the engine core. Algorithms define
// their own keys on top of these.
const (
	// KeyMaxIterations bounds the number of supersteps; unbounded when
	// unset.
	KeyMaxIterations = "max.iterations"

	// KeyNumPartitions is the partition count P used by the owner
	// function hash(vid) mod P.
	KeyNumPartitions = "num.partitions"

	// KeyGroupSize is the expected worker count G.
	KeyGroupSize = "group.size"

	// KeyCoordinationConnect lists the coordination service endpoints.
	KeyCoordinationConnect = "coordination.connect"

	// KeyCombinerEnabled toggles the algorithm-provided combiner on
	// inbound message bags.
	KeyCombinerEnabled = "combiner.enabled"
)

// Config encapsulates the configuration options for a worker.
type Config struct {
	// JobID identifies the computation; all workers of a job must use
	// the same value.
	JobID string

	// Store is the coordination service client.
	Store coordination.Store

	// Log is the partitioned message transport shared by the job.
	Log transport.Log

	// Computation is the user-supplied vertex program.
	Computation Computation

	// Serializer encodes vertex messages and aggregator values.
	Serializer Serializer

	// NumPartitions is the partition count P. Required.
	NumPartitions int

	// GroupSize is the expected number of workers G. Required.
	GroupSize int

	// MaxIterations bounds the run to supersteps 0..MaxIterations-1.
	// Zero means unbounded.
	MaxIterations int

	// CombinerEnabled applies the computation's combiner (if provided)
	// to inbound message bags.
	CombinerEnabled bool

	// ComputeWorkers specifies the number of goroutines used for
	// invoking the compute callback in each superstep. If not specified,
	// a single worker will be used.
	ComputeWorkers int

	// DefaultVertexValue, if defined, provides initial values for
	// vertices that emerge because another vertex sent them a message.
	DefaultVertexValue func(id string) interface{}

	// Metrics, if defined, is the registerer for the worker's prometheus
	// metrics.
	Metrics prometheus.Registerer

	// Logger instance to use. If not specified, a null logger will be
	// used instead.
	Logger *logrus.Entry
}

// Validate checks whether a worker configuration is valid and sets default
// values where required.
func (cfg *Config) Validate() error {
	var err error
	if cfg.JobID == "" {
		err = multierror.Append(err, xerrors.New("job ID not specified"))
	}
	if cfg.Store == nil {
		err = multierror.Append(err, xerrors.New("coordination store not specified"))
	}
	if cfg.Log == nil {
		err = multierror.Append(err, xerrors.New("message transport not specified"))
	}
	if cfg.Computation == nil {
		err = multierror.Append(err, xerrors.New("computation not specified"))
	}
	if cfg.Serializer == nil {
		err = multierror.Append(err, xerrors.New("serializer not specified"))
	}
	if cfg.NumPartitions <= 0 {
		err = multierror.Append(err, xerrors.New("number of partitions must be at least equal to 1"))
	}
	if cfg.GroupSize <= 0 {
		err = multierror.Append(err, xerrors.New("group size must be at least equal to 1"))
	}
	if cfg.MaxIterations < 0 {
		err = multierror.Append(err, xerrors.New("max iterations cannot be negative"))
	}
	if cfg.ComputeWorkers <= 0 {
		cfg.ComputeWorkers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// ApplyKeys populates the numeric and boolean options from a key-value map
// using the recognized core keys. Unknown keys are left for the algorithm
// to interpret.
func (cfg *Config) ApplyKeys(keys map[string]string) error {
	var err error
	if raw, exists := keys[KeyMaxIterations]; exists {
		if cfg.MaxIterations, err = strconv.Atoi(raw); err != nil {
			return xerrors.Errorf("invalid value for %q: %w", KeyMaxIterations, err)
		}
	}
	if raw, exists := keys[KeyNumPartitions]; exists {
		if cfg.NumPartitions, err = strconv.Atoi(raw); err != nil {
			return xerrors.Errorf("invalid value for %q: %w", KeyNumPartitions, err)
		}
	}
	if raw, exists := keys[KeyGroupSize]; exists {
		if cfg.GroupSize, err = strconv.Atoi(raw); err != nil {
			return xerrors.Errorf("invalid value for %q: %w", KeyGroupSize, err)
		}
	}
	if raw, exists := keys[KeyCombinerEnabled]; exists {
		if cfg.CombinerEnabled, err = strconv.ParseBool(raw); err != nil {
			return xerrors.Errorf("invalid value for %q: %w", KeyCombinerEnabled, err)
		}
	}
	return nil
}
