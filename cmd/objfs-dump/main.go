package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/andrewchambers/objfs"
	"github.com/andrewchambers/objfs/cli"
	"github.com/cheynewallace/tabby"
)

func usage() {
	fmt.Printf("objfs-dump [OPTS] INDEX\n\n")
	flag.Usage()
	os.Exit(1)
}

func main() {
	cli.RegisterStorageFlag()
	cli.RegisterPrefixFlag()
	cli.RegisterConfigFlag()
	cli.ParseFlags()

	if len(flag.Args()) != 1 {
		usage()
	}
	index, err := strconv.ParseUint(flag.Args()[0], 0, 32)
	if err != nil {
		usage()
	}

	store := cli.MustOpenStorage()
	defer store.Close()

	records, err := objfs.DumpLogObject(store, cli.Prefix, uint32(index))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error dumping log object: %s\n", err)
		os.Exit(1)
	}

	t := tabby.New()
	t.AddHeader("TYPE", "SUMMARY")
	for _, rec := range records {
		t.AddLine(rec.Type, rec.Summary)
	}
	t.Print()
}
