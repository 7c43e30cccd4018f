package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	slog.Info("connected to scylla cluster", "hosts", hosts, "keyspace", keyspace)
	return &Session{Session: session}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id bigint PRIMARY KEY,
		conversation_id text,
		sender_id text,
		recipient_id text,
		content text,
		created_at timestamp,
		is_group boolean,
		status tinyint,
		read_by set<text>
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_messages (
		conversation_id text,
		id bigint,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
}

// EnsureSchema creates the keyspace through the system keyspace, then the tables.
func EnsureSchema(hosts []string, keyspace string, replicationFactor int) error {
	sys, err := NewSession(hosts, "system")
	if err != nil {
		return fmt.Errorf("connect system keyspace: %w", err)
	}
	err = sys.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`,
		keyspace, replicationFactor,
	)).Exec()
	sys.Close()
	if err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}

	session, err := NewSession(hosts, keyspace)
	if err != nil {
		return fmt.Errorf("connect %s keyspace: %w", keyspace, err)
	}
	defer session.Close()

	for _, stmt := range schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// DropSchema removes the message tables, the keyspace is kept.
func DropSchema(hosts []string, keyspace string) error {
	session, err := NewSession(hosts, keyspace)
	if err != nil {
		return fmt.Errorf("connect %s keyspace: %w", keyspace, err)
	}
	defer session.Close()

	for _, table := range []string{"conversation_messages", "messages"} {
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return nil
}
