// Package quicklookdb records acquisition-run provenance in a ClickHouse
// database. The database is optional: if no server is reachable, every
// operation degrades to a no-op so the acquisition engine never depends on
// it.
package quicklookdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "quicklook" // official SQL name of the database

// Connection wraps one ClickHouse connection plus the channel feeding run
// rows to its handler goroutine.
type Connection struct {
	conn   clickhouse.Conn
	err    error
	runmsg chan *RunMessage
	sync.WaitGroup
}

// IsConnected reports whether the database is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer verifies that a ClickHouse server answers with the configured
// credentials. Useful from a command-line check.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// StartConnection opens the (optional) database connection and launches its
// handler goroutine, which runs until abort is closed.
func StartConnection(abort <-chan struct{}) *Connection {
	db := createConnection()
	go db.handleConnection(abort)
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("QUICKLOOK_DB_USER"),
		Password: os.Getenv("QUICKLOOK_DB_PASSWORD"),
	}
	addr := os.Getenv("QUICKLOOK_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	opt := clickhouse.Options{
		Addr: []string{addr},
		Auth: auth,
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "quicklook", Version: "unknown"},
			},
		},
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.conn = conn
	db.runmsg = make(chan *RunMessage)
	db.Add(1)
	return db
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	if !db.IsConnected() {
		return
	}
	defer db.Done()
	for {
		select {
		case <-abort:
			db.conn.Close()
			return
		case msg := <-db.runmsg:
			db.insertRun(msg)
		}
	}
}

// RecordRun stores one finished acquisition run, if the DB is open. It never
// blocks the caller.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.runmsg <- msg }()
}

func (db *Connection) insertRun(m *RunMessage) {
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO acquisitionruns VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.Hostname, m.SourceMode, m.WindowSeconds, m.Nchannels,
		m.RecordFile, m.ReplayFile, m.LastError, m.Version,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into acquisitionruns ", err)
		db.err = err
	}
}

// RunMessage is the information required to make an entry in the
// acquisitionruns table.
type RunMessage struct {
	ID            string // ULID of the run
	Hostname      string
	SourceMode    string // live, record, or replay
	WindowSeconds int
	Nchannels     int
	RecordFile    string
	ReplayFile    string
	LastError     string
	Version       string
	Start         time.Time
	End           time.Time
}

// Wait blocks until the handler goroutine has shut down (after abort).
func (db *Connection) Wait() {
	db.WaitGroup.Wait()
}
