package db

import (
	"fmt"

	"go.uber.org/zap"
)

// Tables holds every table this service owns, in creation order.
var Tables = []string{"messages", "user_conversations", "conversation_counters"}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		id bigint,
		sender_id text,
		sender_name text,
		sender_role text,
		receiver_id text,
		content text,
		message_type text,
		created_at timestamp,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,

	// One row per (user, conversation). Rows are written with USING TIMESTAMP
	// set to the message time, so a late redelivery never replaces a newer
	// last message.
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id text,
		other_user_id text,
		other_user_name text,
		last_content text,
		last_created_at timestamp,
		PRIMARY KEY (user_id, conversation_id)
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_counters (
		user_id text,
		conversation_id text,
		unread_count counter,
		PRIMARY KEY (user_id, conversation_id)
	)`,
}

// EnsureKeyspace creates keyspace through the system keyspace when missing.
func EnsureKeyspace(hosts []string, keyspace string, replication int, logger *zap.Logger) error {
	sys, err := NewSession(hosts, "system", logger)
	if err != nil {
		return err
	}
	defer sys.Close()

	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	if err := sys.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}
	return nil
}

// Migrate creates the chat tables. Every statement is idempotent.
func Migrate(s *Session, logger *zap.Logger) error {
	for i, stmt := range schema {
		if err := s.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", Tables[i], err)
		}
		logger.Debug("table ready", zap.String("table", Tables[i]))
	}
	return nil
}

// Drop removes one of the chat tables.
func Drop(s *Session, table string) error {
	known := false
	for _, t := range Tables {
		known = known || t == table
	}
	if !known {
		return fmt.Errorf("unknown table %q", table)
	}
	if err := s.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}
