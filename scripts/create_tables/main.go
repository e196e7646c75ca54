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
	keyspace := flag.String("keyspace", "chat", "keyspace to create")
	replication := flag.Int("rf", 1, "replication factor for a new keyspace")
	flag.Parse()

	logger := zap.Must(zap.NewDevelopment())
	defer logger.Sync()

	scyllaHosts := strings.Split(*hosts, ",")
	if err := db.EnsureKeyspace(scyllaHosts, *keyspace, *replication, logger); err != nil {
		log.Fatal(err)
	}

	session, err := db.NewSession(scyllaHosts, *keyspace, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	if err := db.Migrate(session, logger); err != nil {
		log.Fatal(err)
	}
	log.Printf("Tables %s ready in keyspace %s", strings.Join(db.Tables, ", "), *keyspace)
}
