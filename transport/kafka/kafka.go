// Package kafka implements transport.Log on top of a Kafka topic, the
// message log used by the original implementation of this protocol. The
// topic must be pre-created with exactly num.partitions partitions.
package kafka

import (
	"context"
	"hash/fnv"
	"io/ioutil"
	"sync"
	"time"

	"github.com/kgraph/pregel/transport"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Config encapsulates the options for connecting to a Kafka cluster.
type Config struct {
	// Brokers is the list of "host:port" bootstrap servers.
	Brokers []string

	// Topic carrying the job's vertex messages.
	Topic string

	// NumPartitions must match both the topic's partition count and the
	// engine's num.partitions setting.
	NumPartitions int

	// Logger instance to use. If not specified, a null logger will be
	// used instead.
	Logger *logrus.Entry
}

// Validate the config options.
func (cfg *Config) Validate() error {
	if len(cfg.Brokers) == 0 {
		return xerrors.New("no kafka brokers specified")
	}
	if cfg.Topic == "" {
		return xerrors.New("topic not specified")
	}
	if cfg.NumPartitions <= 0 {
		return xerrors.New("number of partitions must be at least equal to 1")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return nil
}

// keyBalancer routes messages to hash(key) mod P, matching the partition
// the router selected for the destination vertex.
type keyBalancer struct{}

func (keyBalancer) Balance(msg kafkago.Message, partitions ...int) int {
	h := fnv.New64a()
	_, _ = h.Write(msg.Key)
	return partitions[int(h.Sum64()%uint64(len(partitions)))]
}

// Log implements transport.Log against a Kafka topic.
type Log struct {
	cfg    Config
	writer *kafkago.Writer

	mu      sync.Mutex
	pending []kafkago.Message
	readers map[int]*kafkago.Reader
}

var _ transport.Log = (*Log)(nil)

// New creates a Kafka-backed log client.
func New(cfg Config) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("kafka transport config validation failed: %w", err)
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     keyBalancer{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Log{
		cfg:     cfg,
		writer:  writer,
		readers: make(map[int]*kafkago.Reader),
	}, nil
}

// Publish implements transport.Log.
func (l *Log) Publish(_ context.Context, records ...transport.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		if rec.Partition < 0 || rec.Partition >= l.cfg.NumPartitions {
			return xerrors.Errorf("publish to unknown partition %d", rec.Partition)
		}
		l.pending = append(l.pending, kafkago.Message{
			Key:   []byte(rec.Key),
			Value: rec.Value,
		})
	}
	return nil
}

// Flush implements transport.Log. It blocks until the brokers have
// acknowledged every pending message.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := l.writer.WriteMessages(ctx, pending...); err != nil {
		return xerrors.Errorf("unable to flush %d messages to %q: %w", len(pending), l.cfg.Topic, err)
	}
	return nil
}

// Poll implements transport.Log. It reads the partition up to its current
// high-water mark and returns the consumed records.
func (l *Log) Poll(ctx context.Context, partition int) ([]transport.Record, error) {
	reader, err := l.readerFor(partition)
	if err != nil {
		return nil, err
	}

	lag, err := reader.ReadLag(ctx)
	if err != nil {
		return nil, xerrors.Errorf("unable to read lag for partition %d: %w", partition, err)
	}

	records := make([]transport.Record, 0, lag)
	for i := int64(0); i < lag; i++ {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return nil, xerrors.Errorf("unable to read message from partition %d: %w", partition, err)
		}
		records = append(records, transport.Record{
			Partition: partition,
			Key:       string(msg.Key),
			Value:     msg.Value,
		})
	}
	return records, nil
}

func (l *Log) readerFor(partition int) (*kafkago.Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if partition < 0 || partition >= l.cfg.NumPartitions {
		return nil, xerrors.Errorf("poll on unknown partition %d", partition)
	}
	reader, exists := l.readers[partition]
	if !exists {
		reader = kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:   l.cfg.Brokers,
			Topic:     l.cfg.Topic,
			Partition: partition,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
		l.readers[partition] = reader
	}
	return reader, nil
}

// Close implements transport.Log.
func (l *Log) Close() error {
	var err error
	if wErr := l.writer.Close(); wErr != nil {
		err = wErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, reader := range l.readers {
		if rErr := reader.Close(); rErr != nil && err == nil {
			err = rErr
		}
	}
	l.readers = nil
	return err
}
