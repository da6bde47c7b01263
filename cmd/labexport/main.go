package main

import (
	"context"
	"flag"
	"log"
	"time"

	dbpkg "instrument-hub/internal/db"
	"instrument-hub/internal/model"
	"instrument-hub/internal/output"
)

func main() {
	var (
		dbPath  = flag.String("db", "data/readings.sqlite", "path to recorder sqlite database")
		dev     = flag.String("device", "", "only export this device (default all)")
		limit   = flag.Int("limit", 0, "max rows, newest first (0 = no limit)")
		latest  = flag.Bool("latest", false, "export only the newest reading of each series")
		outJSON = flag.String("json", "", "path to write JSON (optional)")
		outCSV  = flag.String("csv", "", "path to write CSV (optional)")
	)
	flag.Parse()

	if *outJSON == "" && *outCSV == "" {
		log.Fatalf("no output specified: set -json and/or -csv")
	}

	db, err := dbpkg.Open(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rows []model.Reading
	if *latest {
		rows, err = db.LatestReadings(ctx)
	} else {
		rows, err = db.Readings(ctx, *dev, *limit)
	}
	if err != nil {
		log.Fatalf("query readings: %v", err)
	}
	if *latest && *dev != "" {
		filtered := rows[:0]
		for _, r := range rows {
			if r.Device == *dev {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	if *outJSON != "" {
		if err := output.WriteJSON(*outJSON, rows); err != nil {
			log.Printf("write json error: %v", err)
		}
	}
	if *outCSV != "" {
		if err := output.WriteReadingsCSV(*outCSV, rows); err != nil {
			log.Printf("write csv error: %v", err)
		}
	}
	log.Printf("exported %d readings", len(rows))
}
