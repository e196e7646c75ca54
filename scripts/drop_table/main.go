package main

import (
	"flag"
	"log"
	"strings"

	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/db"
)

func main() {
	hosts := flag.String("hosts", "localhost:9042", "comma separated scylla hosts")
	keyspace := flag.String("keyspace", "chat", "keyspace holding the table")
	table := flag.String("table", "messages", "table to drop: "+strings.Join(db.Tables, ", "))
	flag.Parse()

	session, err := db.NewSession(strings.Split(*hosts, ","), *keyspace, zap.NewNop())
	if err != nil {
		log.Fatalf("Failed to connect to ScyllaDB: %v", err)
	}
	defer session.Close()

	log.Printf("Dropping table %s...", *table)
	if err := db.Drop(session, *table); err != nil {
		log.Fatalf("Failed to drop table: %v", err)
	}
	log.Println("Table dropped successfully.")
}
