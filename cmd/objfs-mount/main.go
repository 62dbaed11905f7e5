package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/andrewchambers/objfs"
	"github.com/andrewchambers/objfs/cli"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func usage() {
	fmt.Printf("objfs-mount [OPTS] MOUNTPOINT\n\n")
	flag.Usage()
	os.Exit(1)
}

func main() {
	cli.RegisterStorageFlag()
	cli.RegisterPrefixFlag()
	cli.RegisterBufferFlags()
	cli.RegisterConfigFlag()
	cli.RegisterVerboseFlag()
	debugFuse := flag.Bool("debug-fuse", false, "Log fuse messages.")
	metricsAddr := flag.String("metrics-addr", "", "Serve prometheus metrics on this address (e.g. 127.0.0.1:9090).")
	cacheAttributes := flag.Duration("cache-attributes", 0, "Duration the kernel may cache attributes, use with great care.")

	cli.ParseFlags()
	cli.SetupLogging()

	if len(flag.Args()) != 1 {
		usage()
	}

	mntDir := flag.Args()[0]

	store := cli.MustOpenStorage()
	fs := cli.MustMount(store)
	defer fs.Close()

	cli.RegisterFsSignalHandlers(fs)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(objfs.MetricsRegistry, promhttp.HandlerOpts{}))
			log.Fatal(http.ListenAndServe(*metricsAddr, mux))
		}()
	}

	pnfs := pathfs.NewPathNodeFs(objfs.NewFuseFs(fs), nil)
	conn := nodefs.NewFileSystemConnector(pnfs.Root(), &nodefs.Options{
		AttrTimeout:  *cacheAttributes,
		EntryTimeout: *cacheAttributes,
		Debug:        *debugFuse,
	})

	server, err := fuse.NewServer(
		conn.RawFS(),
		mntDir,
		&fuse.MountOptions{
			Name:                 "objfs",
			AllowOther:           false,
			IgnoreSecurityLabels: true,
			Debug:                *debugFuse,
			DisableReadDirPlus:   true,
			MaxWrite:             fuse.MAX_KERNEL_WRITE,
		})
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to create fuse server: %s\n", err)
		os.Exit(1)
	}

	go server.Serve()

	err = server.WaitMount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to wait for mount: %s\n", err)
		os.Exit(1)
	}
	log.Printf("filesystem successfully mounted at %s", mntDir)

	// Serve the file system, until unmounted by calling fusermount -u
	server.Wait()
}
