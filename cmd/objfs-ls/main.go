package main

import (
	"fmt"
	"os"

	"github.com/andrewchambers/objfs"
	"github.com/andrewchambers/objfs/cli"
	"github.com/cheynewallace/tabby"
)

func main() {
	cli.RegisterStorageFlag()
	cli.RegisterPrefixFlag()
	cli.RegisterConfigFlag()
	cli.ParseFlags()

	store := cli.MustOpenStorage()
	defer store.Close()

	infos, err := objfs.ListLogObjects(store, cli.Prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing log objects: %s\n", err)
		os.Exit(1)
	}

	t := tabby.New()
	t.AddHeader("KEY", "INDEX", "TYPE", "HEADER", "RECORDS")
	for _, info := range infos {
		t.AddLine(
			info.Key,
			fmt.Sprintf("%d", info.Index),
			info.TypeName(),
			fmt.Sprintf("%d", info.HeaderBytes),
			fmt.Sprintf("%d", info.Records),
		)
	}
	t.Print()
}
