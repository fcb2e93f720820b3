package datarecording

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/fatih/structs"
	"github.com/pkg/errors"
	"github.com/tebeka/atexit"
)

// ClickHouseConfig tells where the ClickHouse server is.
type ClickHouseConfig struct {
	Host      string
	Port      int
	Database  string
	Username  string
	Password  string
	BatchSize int
}

// ClickHouseRecorder is a DataRecorder that sends entries to a ClickHouse
// server in batches.
type ClickHouseRecorder struct {
	conn      clickhouse.Conn
	lock      sync.Mutex
	batchSize int

	tables     map[string]*table
	entryCount int
}

// NewClickHouseRecorder connects to the server described by cfg.
func NewClickHouseRecorder(cfg ClickHouseConfig) (*ClickHouseRecorder, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      time.Second * 30,
		MaxOpenConns:     5,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to ClickHouse")
	}

	err = conn.Ping(context.Background())
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "pinging ClickHouse")
	}

	r := NewClickHouseRecorderWithConn(conn, cfg.BatchSize)

	atexit.Register(func() { r.Flush() })

	return r, nil
}

// NewClickHouseRecorderWithConn creates a recorder over an open connection.
func NewClickHouseRecorderWithConn(
	conn clickhouse.Conn,
	batchSize int,
) *ClickHouseRecorder {
	if batchSize <= 0 {
		batchSize = 100000
	}

	return &ClickHouseRecorder{
		conn:      conn,
		batchSize: batchSize,
		tables:    make(map[string]*table),
	}
}

// CreateTable creates a MergeTree table whose columns are the fields of
// sampleEntry.
func (r *ClickHouseRecorder) CreateTable(tableName string, sampleEntry any) {
	err := checkStructFields(sampleEntry)
	if err != nil {
		panic(err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	err = r.conn.Exec(context.Background(),
		clickHouseCreateSQL(tableName, sampleEntry))
	if err != nil {
		panic(fmt.Errorf("failed to create table %s: %w", tableName, err))
	}

	r.tables[tableName] = &table{structType: reflect.TypeOf(sampleEntry)}
}

// InsertData buffers an entry.
func (r *ClickHouseRecorder) InsertData(tableName string, entry any) {
	r.lock.Lock()
	defer r.lock.Unlock()

	t, exists := r.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	if reflect.TypeOf(entry) != t.structType {
		panic(fmt.Sprintf("table %s stores %s, not %T",
			tableName, t.structType, entry))
	}

	t.entries = append(t.entries, entry)

	r.entryCount++
	if r.entryCount >= r.batchSize {
		r.flush()
	}
}

// ListTables returns the names of the tables created by the recorder.
func (r *ClickHouseRecorder) ListTables() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	tables := make([]string, 0, len(r.tables))
	for name := range r.tables {
		tables = append(tables, name)
	}

	sort.Strings(tables)

	return tables
}

// Flush sends every buffered entry.
func (r *ClickHouseRecorder) Flush() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.flush()
}

// Close flushes and closes the connection.
func (r *ClickHouseRecorder) Close() error {
	r.Flush()

	err := r.conn.Close()
	if err != nil {
		return errors.Wrap(err, "closing ClickHouse connection")
	}

	return nil
}

func (r *ClickHouseRecorder) flush() {
	if r.entryCount == 0 {
		return
	}

	ctx := context.Background()

	for name, t := range r.tables {
		if len(t.entries) == 0 {
			continue
		}

		batch, err := r.conn.PrepareBatch(ctx, "INSERT INTO "+name)
		if err != nil {
			panic(fmt.Errorf("failed to prepare batch for %s: %w", name, err))
		}

		for _, entry := range t.entries {
			err = batch.Append(clickHouseRow(entry)...)
			if err != nil {
				panic(fmt.Errorf("failed to append to batch: %w", err))
			}
		}

		err = batch.Send()
		if err != nil {
			panic(fmt.Errorf("failed to send batch: %w", err))
		}

		t.entries = t.entries[:0]
	}

	r.entryCount = 0
}

var clickHouseTypes = map[reflect.Kind]string{
	reflect.Bool:    "Bool",
	reflect.Int:     "Int64",
	reflect.Int8:    "Int8",
	reflect.Int16:   "Int16",
	reflect.Int32:   "Int32",
	reflect.Int64:   "Int64",
	reflect.Uint:    "UInt64",
	reflect.Uint8:   "UInt8",
	reflect.Uint16:  "UInt16",
	reflect.Uint32:  "UInt32",
	reflect.Uint64:  "UInt64",
	reflect.Float32: "Float32",
	reflect.Float64: "Float64",
	reflect.String:  "String",
}

func clickHouseCreateSQL(tableName string, sampleEntry any) string {
	names := structs.Names(sampleEntry)
	st := reflect.TypeOf(sampleEntry)

	columns := make([]string, len(names))
	for i, name := range names {
		field, _ := st.FieldByName(name)
		columns[i] = name + " " + clickHouseTypes[field.Type.Kind()]
	}

	return "CREATE TABLE IF NOT EXISTS " + tableName + " (\n\t" +
		strings.Join(columns, ",\n\t") +
		"\n) ENGINE = MergeTree() ORDER BY tuple()"
}

// clickHouseRow converts the fields of entry to the Go types of their
// columns.
func clickHouseRow(entry any) []any {
	v := reflect.ValueOf(entry)
	row := make([]any, v.NumField())

	for i := range row {
		f := v.Field(i)

		switch f.Kind() {
		case reflect.Int:
			row[i] = f.Int()
		case reflect.Uint:
			row[i] = f.Uint()
		default:
			row[i] = f.Interface()
		}
	}

	return row
}
