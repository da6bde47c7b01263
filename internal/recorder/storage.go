package recorder

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	dbpkg "instrument-hub/internal/db"
	"instrument-hub/internal/model"
)

var ErrQueueFull = errors.New("storage queue full")

const maxBatch = 256

// Storage writes readings to JSONL, CSV and/or SQLite asynchronously.
type Storage struct {
	dir        string
	q          chan model.Reading
	wg         sync.WaitGroup
	enableJSON bool
	enableCSV  bool
	log        *slog.Logger

	jsonFile   *os.File
	jsonWriter *bufio.Writer

	csvFile   *os.File
	csvWriter *csv.Writer

	db *dbpkg.DB

	closeOnce sync.Once
	closed    chan struct{}
}

var csvHeader = []string{"timestamp", "device", "kind", "seq", "command_id", "name", "unit", "value"}

// parseFileType maps a file_type setting such as "jsonl+db" to the outputs
// it enables.
func parseFileType(fileType string) (jsonl, csvOut, db bool, err error) {
	ft := strings.ToLower(strings.TrimSpace(fileType))
	switch ft {
	case "", "both":
		return true, true, false, nil
	case "all":
		return true, true, true, nil
	}
	for _, part := range strings.Split(ft, "+") {
		switch strings.TrimSpace(part) {
		case "json", "jsonl":
			jsonl = true
		case "csv":
			csvOut = true
		case "db", "sqlite":
			db = true
		default:
			return false, false, false, fmt.Errorf("unsupported storage file_type %q", fileType)
		}
	}
	return jsonl, csvOut, db, nil
}

// NewStorage ensures the output directory exists, opens requested files, and starts the background writer.
func NewStorage(dir, fileType string, maxQueue int, logger *slog.Logger) (*Storage, error) {
	if dir == "" {
		dir = "data"
	}
	if logger == nil {
		logger = slog.Default()
	}
	enableJSON, enableCSV, enableDB, err := parseFileType(fileType)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if maxQueue <= 0 {
		maxQueue = 1000
	}

	s := &Storage{
		dir:        dir,
		q:          make(chan model.Reading, maxQueue),
		enableJSON: enableJSON,
		enableCSV:  enableCSV,
		log:        logger,
		closed:     make(chan struct{}),
	}
	if err := s.open(enableDB); err != nil {
		s.closeFiles()
		return nil, err
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *Storage) open(enableDB bool) error {
	if s.enableJSON {
		jf, err := os.OpenFile(s.JSONPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open json output: %w", err)
		}
		s.jsonFile = jf
		s.jsonWriter = bufio.NewWriterSize(jf, 64*1024)
	}
	if s.enableCSV {
		cf, err := os.OpenFile(s.CSVPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open csv output: %w", err)
		}
		s.csvFile = cf
		s.csvWriter = csv.NewWriter(cf)
		if off, _ := cf.Seek(0, io.SeekEnd); off == 0 {
			if err := s.csvWriter.Write(csvHeader); err != nil {
				return fmt.Errorf("write csv header: %w", err)
			}
			s.csvWriter.Flush()
			if err := s.csvWriter.Error(); err != nil {
				return err
			}
		}
	}
	if enableDB {
		d, err := dbpkg.Open(s.DBPath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		s.db = d
	}
	return nil
}

func (s *Storage) JSONPath() string { return filepath.Join(s.dir, "readings.jsonl") }
func (s *Storage) CSVPath() string  { return filepath.Join(s.dir, "readings.csv") }
func (s *Storage) DBPath() string   { return filepath.Join(s.dir, "readings.sqlite") }

// DB returns the database handle, or nil when db output is disabled.
func (s *Storage) DB() *dbpkg.DB { return s.db }

func (s *Storage) run() {
	defer s.wg.Done()
	defer close(s.closed)
	batch := make([]model.Reading, 0, maxBatch)
	for r := range s.q {
		batch = append(batch[:0], r)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-s.q:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		s.write(batch)
	}
	if s.jsonWriter != nil {
		s.jsonWriter.Flush()
	}
	if s.csvWriter != nil {
		s.csvWriter.Flush()
	}
}

func (s *Storage) write(batch []model.Reading) {
	for _, r := range batch {
		if s.enableJSON {
			if err := s.writeJSONL(r); err != nil {
				s.log.Warn("write jsonl", "err", err)
			}
		}
		if s.enableCSV {
			if err := s.writeCSV(r); err != nil {
				s.log.Warn("write csv", "err", err)
			}
		}
	}
	if s.jsonWriter != nil {
		_ = s.jsonWriter.Flush()
	}
	if s.csvWriter != nil {
		s.csvWriter.Flush()
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.db.InsertReadings(ctx, batch); err != nil {
			s.log.Warn("insert readings", "count", len(batch), "err", err)
		}
	}
}

// Handle queues r without blocking.
func (s *Storage) Handle(r model.Reading) error {
	select {
	case s.q <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// SaveDevice records device metadata synchronously. It is a no-op without a
// database.
func (s *Storage) SaveDevice(ctx context.Context, dev model.DeviceRecord) error {
	if s.db == nil {
		return nil
	}
	return s.db.SaveDevice(ctx, dev)
}

// Close drains the queue, stops the writer and closes files.
// Handle must not be called after Close.
func (s *Storage) Close() {
	s.closeOnce.Do(func() {
		close(s.q)
		<-s.closed
		s.closeFiles()
	})
}

func (s *Storage) closeFiles() {
	if s.jsonFile != nil {
		s.jsonFile.Close()
	}
	if s.csvFile != nil {
		s.csvFile.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Storage) writeJSONL(r model.Reading) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.jsonWriter.Write(b); err != nil {
		return err
	}
	return s.jsonWriter.WriteByte('\n')
}

func (s *Storage) writeCSV(r model.Reading) error {
	return s.csvWriter.Write([]string{
		r.Timestamp.Format(time.RFC3339Nano),
		r.Device,
		r.Kind,
		strconv.FormatUint(r.Seq, 10),
		r.CommandID,
		r.Name,
		r.Unit,
		strconv.FormatFloat(r.Value, 'g', -1, 64),
	})
}
