// Command trackdump parses an element-set file and prints the records and
// the segmented ground track of one object.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/star/orbitrack/internal/geo"
	"github.com/star/orbitrack/internal/propagation"
	"github.com/star/orbitrack/internal/tle"
)

func main() {
	file := flag.String("file", "", "element-set file (3-line format)")
	id := flag.Int("id", 25544, "catalog id whose ground track is printed")
	past := flag.Duration("past", 45*time.Minute, "track window before now")
	future := flag.Duration("future", 90*time.Minute, "track window after now")
	step := flag.Duration("step", time.Minute, "sample spacing")
	list := flag.Int("list", 10, "number of records to list")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: trackdump -file stations.txt [-id 25544]")
		os.Exit(2)
	}
	f, err := os.Open(*file)
	if err != nil {
		fmt.Println("ERROR opening element sets:", err)
		os.Exit(1)
	}
	defer f.Close()

	records, err := tle.Parse(f, tle.DefaultFeatured(), logger)
	if err != nil {
		fmt.Println("ERROR parsing element sets:", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d satellites\n", len(records))

	oracle := propagation.NewSGP4Oracle(logger)
	now := time.Now().UTC()

	var target *tle.Record
	for i, rec := range records {
		if i < *list {
			line := fmt.Sprintf("  %s %6d %-28s epoch=%s", rec.Glyph, rec.CatalogID, rec.Name, rec.Epoch.Format(time.RFC3339))
			if pos, err := oracle.Propagate(rec, now); err == nil {
				line += fmt.Sprintf(" lat=%7.2f lon=%8.2f alt=%7.1fkm footprint=%6.0fkm",
					pos.LatDeg, pos.LonDeg, pos.AltKm, geo.FootprintRadiusMeters(pos.AltKm)/1000)
			} else {
				line += " ERROR " + err.Error()
			}
			fmt.Println(line)
		}
		if rec.CatalogID == *id {
			target = &records[i]
		}
	}

	if target == nil {
		fmt.Printf("\ncatalog id %d not in file\n", *id)
		return
	}

	track := geo.GroundTrack(oracle, *target, now, geo.Window{Past: *past, Future: *future, Step: *step})
	fmt.Printf("\nGround track for %s (%d), reference %s\n", target.Name, target.CatalogID, now.Format(time.RFC3339))
	printSegments("past", track.Past)
	printSegments("future", track.Future)
}

func printSegments(label string, segments []geo.Segment) {
	for i, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		first, last := seg[0], seg[len(seg)-1]
		fmt.Printf("  %s segment %d: %d points (%.2f,%.2f) -> (%.2f,%.2f)\n",
			label, i, len(seg), first.LatDeg, first.LonDeg, last.LatDeg, last.LonDeg)
	}
}
