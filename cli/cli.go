package cli

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/andrewchambers/objfs"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"
	"golang.org/x/sys/unix"
)

var Storage string
var Prefix string
var ConfigFile string
var Verbose bool

var MetaBufferSize int
var DataBufferSize int

func RegisterStorageFlag() {
	defaultStorage := os.Getenv("OBJFS_STORAGE")
	flag.StringVar(
		&Storage,
		"storage",
		defaultStorage,
		"Storage specification, one of mem:, file:PATH or s3://..., defaults to OBJFS_STORAGE.",
	)
}

func RegisterPrefixFlag() {
	defaultPrefix := os.Getenv("OBJFS_PREFIX")
	if defaultPrefix == "" {
		defaultPrefix = "fs"
	}
	flag.StringVar(
		&Prefix,
		"prefix",
		defaultPrefix,
		"Key prefix of the filesystem's log objects, defaults to OBJFS_PREFIX.",
	)
}

func RegisterConfigFlag() {
	flag.StringVar(
		&ConfigFile,
		"config",
		"",
		"Optional json config file; flags given on the command line take precedence.",
	)
}

func RegisterVerboseFlag() {
	flag.BoolVar(
		&Verbose,
		"verbose",
		false,
		"Enable debug logging.",
	)
}

func RegisterBufferFlags() {
	flag.IntVar(
		&MetaBufferSize,
		"meta-buffer-size",
		objfs.DEFAULT_META_BUFFER_SIZE,
		"Flush once buffered log records exceed this many bytes.",
	)
	flag.IntVar(
		&DataBufferSize,
		"data-buffer-size",
		objfs.DEFAULT_DATA_BUFFER_SIZE,
		"Flush once buffered file data exceeds this many bytes.",
	)
}

// ParseFlags parses the command line, then fills any flag still at its
// default from the json config file when one was given.
func ParseFlags() {
	flag.Parse()

	if ConfigFile == "" {
		return
	}

	configBytes, err := os.ReadFile(ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to read config file: %s\n", err)
		os.Exit(1)
	}
	config, err := fastjson.ParseBytes(configBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to parse config file: %s\n", err)
		os.Exit(1)
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	config.GetObject().Visit(func(key []byte, v *fastjson.Value) {
		name := string(key)
		if set[name] {
			return
		}
		if flag.Lookup(name) == nil {
			fmt.Fprintf(os.Stderr, "unknown option %q in config file\n", name)
			os.Exit(1)
		}
		var value string
		if v.Type() == fastjson.TypeString {
			value = string(v.GetStringBytes())
		} else {
			value = v.String()
		}
		err := flag.Set(name, value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid config value for %q: %s\n", name, err)
			os.Exit(1)
		}
	})
}

func SetupLogging() {
	if Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func RegisterFsSignalHandlers(fs *objfs.Fs) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)

	go func() {
		<-sigChan
		signal.Reset()
		fmt.Fprintf(os.Stderr, "closing down due to signal...\n")
		err := fs.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error closing filesystem: %s\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}()
}

func MustOpenStorage() objfs.ObjectStorageEngine {
	if Storage == "" {
		fmt.Fprintf(os.Stderr, "-storage not specified\n")
		os.Exit(1)
	}
	store, err := objfs.NewObjectStorageEngine(Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to open storage: %s\n", err)
		os.Exit(1)
	}
	return store
}

func MustMount(store objfs.ObjectStorageEngine) *objfs.Fs {
	fs, err := objfs.Mount(store, objfs.MountOpts{
		Prefix:         Prefix,
		MetaBufferSize: MetaBufferSize,
		DataBufferSize: DataBufferSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to mount filesystem: %s\n", err)
		os.Exit(1)
	}
	return fs
}
