// Command squarkd is the quark shard binary: invoked with "squark" as its
// first argument it opens a segment and enters the shard protocol loop
// (spec.md §6.7); otherwise it exposes a small standalone CLI for local
// inspection of a segment (open/create a map, report stats).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hnsl/quark"
	"github.com/hnsl/quark/shard"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "squark" {
		os.Exit(runShard(os.Args[2:]))
	}
	os.Exit(runCLI(os.Args[1:]))
}

// runShard implements the "squark <segment-path>" subprocess entrypoint.
// Exit code 8 indicates the parent closed the pipe, per spec.md §6.7.
func runShard(args []string) int {
	fs := pflag.NewFlagSet("squark", pflag.ContinueOnError)
	verbose := fs.BoolP("verbose", "v", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: squarkd squark <segment-path>")
		return 1
	}

	zapCfg := zap.NewProductionConfig()
	if *verbose {
		zapCfg = zap.NewDevelopmentConfig()
	}
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	acid, err := quark.OpenMmapAcid(rest[0])
	if err != nil {
		sugar.Errorw("open segment failed", "path", rest[0], "err", err)
		return 1
	}
	defer acid.Close()

	srv := shard.NewServer(acid, os.Stdin, os.Stdout, nil, sugar)
	if err := srv.Run(); err != nil {
		sugar.Errorw("shard loop exited", "err", err)
		return 1
	}
	return 8
}

// runCLI is the non-shard entrypoint: `squarkd --segment=path --map=name
// stats` prints a map's JSON stats without spawning a subprocess.
func runCLI(args []string) int {
	fs := pflag.NewFlagSet("squarkd", pflag.ContinueOnError)
	segment := fs.String("segment", "", "segment file path")
	mapName := fs.String("map", "", "map name")
	compress := fs.Bool("compress", false, "store values snappy-compressed")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *segment == "" || *mapName == "" || len(fs.Args()) != 1 || fs.Args()[0] != "stats" {
		fmt.Fprintln(os.Stderr, "usage: squarkd --segment=path --map=name stats")
		return 1
	}

	acid, err := quark.OpenMmapAcid(*segment)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer acid.Close()

	m, err := quark.Open(acid, *mapName, quark.Opt{Compress: *compress})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	js, err := m.Stats().JSON()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(string(js))
	return 0
}
