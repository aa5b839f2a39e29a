package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	traceplayer "monsterhunt/arengine/tools/trace_player"
)

func main() {
	path := flag.String("path", "", "trace directory to replay")
	dir := flag.String("dir", "", "list every trace under this directory")
	flag.Parse()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	switch {
	case *dir != "":
		entries, err := traceplayer.List(*dir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		for _, entry := range entries {
			m := entry.Manifest
			fmt.Printf("%s  %s  monster=%s events=%d frames=%d\n", m.CreatedAt, entry.Dir, m.MonsterID, m.EventCount, m.FrameCount)
		}
	case *path != "":
		report, err := traceplayer.Replay(*path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		if err := enc.Encode(report); err != nil {
			fmt.Fprintln(os.Stderr, "encode error:", err)
			os.Exit(3)
		}
		//1.- A diverging replay exits non-zero so scripts can gate on it.
		if !report.Consistent() {
			os.Exit(4)
		}
	default:
		fmt.Fprintln(os.Stderr, "either -path or -dir is required")
		os.Exit(1)
	}
}
